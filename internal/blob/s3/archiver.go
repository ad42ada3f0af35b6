package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// multipartThreshold is the payload size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 << 20

// AttemptArchiveStore is the slice of domain.AttemptStore the archiver needs.
type AttemptArchiveStore interface {
	ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Attempt, error)
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver: resolved rescue attempts and audit
// entries are written as JSONL under archive/<kind>/<yyyy-mm>/.
type Archiver struct {
	writer   domain.BlobWriter
	attempts AttemptArchiveStore
	audit    domain.AuditStore
	prune    bool
	logger   *slog.Logger

	mu        sync.Mutex
	auditFrom time.Time // audit entries before this were already exported
}

// NewArchiver creates an Archiver. With prune set, archived attempts are
// deleted from the primary store after a successful upload. Audit entries
// are never deleted.
func NewArchiver(writer domain.BlobWriter, attempts AttemptArchiveStore, audit domain.AuditStore, prune bool, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:   writer,
		attempts: attempts,
		audit:    audit,
		prune:    prune,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

type attemptRecord struct {
	AuthorizationID string `json:"authorizationId"`
	Attempt         int    `json:"attempt"`
	PlanID          string `json:"planId"`
	Round           uint64 `json:"round"`
	TxHash          string `json:"txHash,omitempty"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

// ArchiveAttempts exports every resolved attempt last updated before the
// cutoff and returns how many were written.
func (a *Archiver) ArchiveAttempts(ctx context.Context, before time.Time) (int64, error) {
	attempts, err := a.attempts.ListResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive attempts query: %w", err)
	}
	if len(attempts) == 0 {
		return 0, nil
	}

	records := make([]attemptRecord, len(attempts))
	for i, at := range attempts {
		records[i] = attemptRecord{
			AuthorizationID: at.AuthorizationID,
			Attempt:         at.Number,
			PlanID:          at.PlanID,
			Round:           at.Round,
			Status:          string(at.Status),
			Reason:          at.Reason,
			CreatedAt:       at.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:       at.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if at.TxHash != (common.Hash{}) {
			records[i].TxHash = at.TxHash.Hex()
		}
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive attempts marshal: %w", err)
	}
	path := archivePath("attempts", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive attempts: %w", err)
	}
	count := int64(len(records))

	if a.prune {
		deleted, err := a.attempts.DeleteResolvedBefore(ctx, before)
		if err != nil {
			return count, fmt.Errorf("s3blob: prune archived attempts: %w", err)
		}
		a.logger.InfoContext(ctx, "pruned archived attempts", slog.Int64("deleted", deleted))
	}
	if err := a.audit.Log(ctx, "archive.attempts", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive attempts audit log: %w", err)
	}
	return count, nil
}

// ArchiveAudit exports audit entries created since the previous export and
// before the cutoff.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	opts := domain.ListOpts{Until: &before}
	if !a.auditFrom.IsZero() {
		from := a.auditFrom
		opts.Since = &from
	}
	entries, err := a.audit.List(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	// Until is inclusive in the stores; the cutoff itself belongs to the
	// next window.
	kept := entries[:0]
	for _, e := range entries {
		if e.CreatedAt.Before(before) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		a.auditFrom = before
		return 0, nil
	}

	buf, err := marshalJSONL(kept)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}
	path := archivePath("audit", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit: %w", err)
	}
	a.auditFrom = before
	return int64(len(kept)), nil
}

// Run archives on every tick, exporting records older than retention.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			cutoff := now.Add(-retention).UTC().Truncate(time.Second)
			if n, err := a.ArchiveAttempts(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "archive attempts failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived attempts", slog.Int64("count", n))
			}
			if n, err := a.ArchiveAudit(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "archive audit failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived audit entries", slog.Int64("count", n))
			}
		}
	}
}

func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if len(buf) > multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// archivePath partitions archives by month and names each file after its
// cutoff, e.g. archive/attempts/2026-10/20261015T120000Z.jsonl.
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01"), before.Format("20060102T150405Z"))
}

// marshalJSONL encodes each record as one compact JSON line.
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

var _ domain.Archiver = (*Archiver)(nil)
