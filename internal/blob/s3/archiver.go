package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wagermesh/wagerd/internal/domain"
)

// ArchiveImpl implements domain.Archiver by pulling aged rows out of the
// primary store, serializing them to JSONL, and uploading the result to
// object storage.
//
// Snapshot archival prunes the archived rows afterwards, since only the
// newest rows per market feed the live stream. Audit archival never deletes:
// the audit trail in Postgres stays append-only and complete.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	snapshots domain.SnapshotStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, snapshots domain.SnapshotStore, audit domain.AuditStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		snapshots: snapshots,
		audit:     audit,
		logger:    logger.With("component", "archiver"),
	}
}

// ArchiveSnapshots uploads every pool snapshot older than the newest keep
// rows per market, grouped into one object per market, then deletes the
// archived rows. Returns the count of archived records.
//
// Deletion only happens after every upload in the batch has succeeded, so a
// failed run leaves all rows in place and the next run re-archives them.
// Object keys are deterministic per market and day, so the retry overwrites
// rather than duplicates.
func (a *ArchiveImpl) ArchiveSnapshots(ctx context.Context, keep int) (int64, error) {
	rows, err := a.snapshots.ListArchivable(ctx, keep)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	byMarket := make(map[string][]domain.PoolSnapshot)
	for _, s := range rows {
		byMarket[s.MarketID] = append(byMarket[s.MarketID], s)
	}

	now := time.Now().UTC()
	ids := make([]int64, 0, len(rows))

	for marketID, snaps := range byMarket {
		buf, err := marshalJSONL(snaps)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive snapshots marshal: %w", err)
		}

		path := fmt.Sprintf("archive/snapshots/%s/%s.jsonl", marketID, now.Format("2006-01-02"))
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive snapshots upload: %w", err)
		}

		for _, s := range snaps {
			ids = append(ids, s.ID)
		}

		a.logger.Info("archived pool snapshots",
			"market_id", marketID,
			"path", path,
			"count", len(snaps))
	}

	if err := a.snapshots.Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots prune: %w", err)
	}

	return int64(len(rows)), nil
}

// ArchiveAudit uploads all audit entries recorded strictly before the cutoff
// to archive/audit/YYYY-MM.jsonl and returns the count. The source rows are
// left untouched.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := fmt.Sprintf("archive/audit/%s.jsonl", before.Format("2006-01"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	a.logger.Info("archived audit entries",
		"path", path,
		"count", len(entries),
		"before", before.Format(time.RFC3339))

	return int64(len(entries)), nil
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
