package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagermesh/wagerd/internal/domain"
)

type stubArchiveStore struct {
	infos  []domain.BlobInfo
	err    error
	prefix string
}

func (s *stubArchiveStore) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	s.prefix = prefix
	return s.infos, s.err
}

func serveArchive(t *testing.T, store *stubArchiveStore, marketID string) *httptest.ResponseRecorder {
	t.Helper()

	h := NewArchiveHandler(store, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/archive/snapshots/{id}", h.ListSnapshotArchives)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/archive/snapshots/"+marketID, nil)
	mux.ServeHTTP(rec, req)
	return rec
}

func TestListSnapshotArchives(t *testing.T) {
	mod := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := &stubArchiveStore{infos: []domain.BlobInfo{
		{Path: "archive/snapshots/mkt-1/2026-07-31.jsonl", Size: 2048, LastModified: mod},
		{Path: "archive/snapshots/mkt-1/2026-08-01.jsonl", Size: 1024, LastModified: mod},
	}}

	rec := serveArchive(t, store, "mkt-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "archive/snapshots/mkt-1/", store.prefix)

	var body struct {
		MarketID string `json:"market_id"`
		Objects  []struct {
			Path         string `json:"path"`
			Size         int64  `json:"size"`
			LastModified string `json:"last_modified"`
		} `json:"objects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "mkt-1", body.MarketID)
	require.Len(t, body.Objects, 2)
	assert.Equal(t, "archive/snapshots/mkt-1/2026-07-31.jsonl", body.Objects[0].Path)
	assert.Equal(t, int64(2048), body.Objects[0].Size)
	assert.Equal(t, "2026-08-01T12:00:00Z", body.Objects[0].LastModified)
}

func TestListSnapshotArchives_EmptyPrefix(t *testing.T) {
	rec := serveArchive(t, &stubArchiveStore{}, "mkt-unknown")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Objects []any `json:"objects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Objects)
}

func TestListSnapshotArchives_StoreError(t *testing.T) {
	store := &stubArchiveStore{err: errors.New("bucket unreachable")}
	rec := serveArchive(t, store, "mkt-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
