package handler

import (
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/secretpredictions/engine/internal/domain"
)

// archivePrefix is the object-store prefix the archiver writes under.
const archivePrefix = "archive/"

// ArchiveHandler serves the cold-storage exports produced by the archival
// worker: monthly JSONL files of settled markets and claim receipts.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler over the given blob reader.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, logger: logger}
}

// archiveEntry is the JSON shape of one stored export.
type archiveEntry struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// listArchivesResponse wraps the archive listing.
type listArchivesResponse struct {
	Archives []archiveEntry `json:"archives"`
}

// ListArchives returns metadata for every stored export.
// GET /api/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	infos, err := h.blobs.List(r.Context(), archivePrefix)
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	out := make([]archiveEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, archiveEntry{
			Path:         info.Path,
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, listArchivesResponse{Archives: out})
}

// archiveMonthPattern matches the YYYY-MM file stem the archiver uses.
var archiveMonthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// GetArchive streams one monthly JSONL export.
// GET /api/archives/{kind}/{month}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	kind := pathParam(r, "kind")
	month := pathParam(r, "month")

	if kind != "markets" && kind != "claims" {
		writeError(w, http.StatusBadRequest, "kind must be markets or claims")
		return
	}
	if !archiveMonthPattern.MatchString(month) {
		writeError(w, http.StatusBadRequest, "month must be YYYY-MM")
		return
	}

	body, err := h.blobs.Get(r.Context(), archivePrefix+kind+"/"+month+".jsonl")
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive stream interrupted",
			slog.String("kind", kind),
			slog.String("month", month),
			slog.String("error", err.Error()),
		)
	}
}
