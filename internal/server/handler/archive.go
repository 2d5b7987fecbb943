package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wagermesh/wagerd/internal/domain"
)

// ArchiveStore defines what the archive endpoints need from blob storage.
type ArchiveStore interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// ArchiveHandler lists cold-storage archives written by the retention job.
// It is only registered when the process runs with object storage configured.
type ArchiveHandler struct {
	blobs  ArchiveStore
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler with the given store and logger.
func NewArchiveHandler(blobs ArchiveStore, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		blobs:  blobs,
		logger: logger,
	}
}

// archiveObjectResponse is the wire form of one archived object.
type archiveObjectResponse struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
}

// ListSnapshotArchives returns the archived pool-snapshot objects for a
// market, newest last in key order.
// GET /api/archive/snapshots/{id}
func (h *ArchiveHandler) ListSnapshotArchives(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	prefix := fmt.Sprintf("archive/snapshots/%s/", marketID)
	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list snapshot archives failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	out := make([]archiveObjectResponse, len(infos))
	for i, info := range infos {
		out[i] = archiveObjectResponse{
			Path:         info.Path,
			Size:         info.Size,
			LastModified: info.LastModified.UTC().Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": marketID,
		"objects":   out,
	})
}
