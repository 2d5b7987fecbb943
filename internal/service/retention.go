package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/wagermesh/wagerd/internal/domain"
)

// RetentionPolicy controls what the retention service keeps hot.
type RetentionPolicy struct {
	// SnapshotKeep is how many recent snapshots per market stay in Postgres.
	SnapshotKeep int
	// AuditAge is how old an audit entry must be before it is copied to
	// cold storage. Audit rows are never pruned.
	AuditAge time.Duration
	// Interval is the pause between runs.
	Interval time.Duration
}

// DefaultRetentionPolicy returns the production retention settings.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		SnapshotKeep: 100,
		AuditAge:     30 * 24 * time.Hour,
		Interval:     6 * time.Hour,
	}
}

// RetentionService periodically moves aged snapshot and audit rows to cold
// storage via the archiver.
type RetentionService struct {
	archiver domain.Archiver
	policy   RetentionPolicy
	logger   *slog.Logger
}

// NewRetentionService creates a RetentionService.
func NewRetentionService(archiver domain.Archiver, policy RetentionPolicy, logger *slog.Logger) *RetentionService {
	return &RetentionService{
		archiver: archiver,
		policy:   policy,
		logger:   logger.With(slog.String("component", "retention")),
	}
}

// Run executes archival on the policy interval until ctx is cancelled. One
// pass runs immediately on start.
func (s *RetentionService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one archival pass. Failures are logged, not returned:
// the next tick retries and the deterministic object keys make retried
// uploads overwrite rather than duplicate.
func (s *RetentionService) RunOnce(ctx context.Context) {
	snaps, err := s.archiver.ArchiveSnapshots(ctx, s.policy.SnapshotKeep)
	if err != nil {
		s.logger.ErrorContext(ctx, "snapshot archival failed",
			slog.String("error", err.Error()),
		)
	} else if snaps > 0 {
		s.logger.InfoContext(ctx, "snapshot archival complete",
			slog.Int64("archived", snaps),
		)
	}

	cutoff := time.Now().UTC().Add(-s.policy.AuditAge)
	entries, err := s.archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "audit archival failed",
			slog.String("error", err.Error()),
		)
	} else if entries > 0 {
		s.logger.InfoContext(ctx, "audit archival complete",
			slog.Int64("archived", entries),
			slog.Time("before", cutoff),
		)
	}
}
