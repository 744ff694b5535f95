// Package reconcile finds partition blobs that no catalog row references
// and removes them. Such blobs are left behind when a worker stores a new
// blob and then loses the catalog compare-and-swap, or fails to delete the
// blob it replaced.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/MatthewMawby/SearchIndex/internal/blobstore"
	"github.com/MatthewMawby/SearchIndex/internal/catalog"
)

// Report summarises one sweep.
type Report struct {
	Referenced int      `json:"referenced"`
	Orphaned   []string `json:"orphaned"`
	Dangling   []string `json:"dangling"`
	Deleted    []string `json:"deleted"`
}

// Sweeper compares the blob keys under a prefix with the storage keys the
// catalog references. A worker stores its blob before it publishes, so a
// key seen unreferenced once may still be about to be published; a key is
// only deleted after it was orphaned in Confirmations consecutive sweeps.
type Sweeper struct {
	catalog       catalog.Catalog
	blobs         blobstore.Store
	prefix        string
	dryRun        bool
	confirmations int
	seen          map[string]int
	logger        *slog.Logger
}

// NewSweeper creates a sweeper. confirmations below 1 is treated as 1.
func NewSweeper(cat catalog.Catalog, blobs blobstore.Store, prefix string, dryRun bool, confirmations int) *Sweeper {
	if confirmations < 1 {
		confirmations = 1
	}
	return &Sweeper{
		catalog:       cat,
		blobs:         blobs,
		prefix:        prefix,
		dryRun:        dryRun,
		confirmations: confirmations,
		seen:          make(map[string]int),
		logger:        slog.Default().With("component", "reconciler"),
	}
}

// Sweep runs one pass. Dangling rows, whose blob is missing, are reported
// but never changed.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	// Blobs are listed first: a blob stored after this point is not a
	// candidate, and one published before the catalog read is referenced.
	keys, err := s.blobs.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	rows, err := s.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	stored := make(map[string]bool, len(keys))
	for _, k := range keys {
		stored[k] = true
	}
	referenced := make(map[string]bool, len(rows))
	report := &Report{}
	for _, row := range rows {
		referenced[row.StorageKey] = true
		if stored[row.StorageKey] {
			report.Referenced++
		} else if strings.HasPrefix(row.StorageKey, s.prefix) {
			report.Dangling = append(report.Dangling, row.PartitionID)
		}
	}

	seen := make(map[string]int)
	for _, k := range keys {
		if referenced[k] {
			continue
		}
		report.Orphaned = append(report.Orphaned, k)
		seen[k] = s.seen[k] + 1
	}
	s.seen = seen

	for _, k := range report.Orphaned {
		if s.dryRun || seen[k] < s.confirmations {
			continue
		}
		if err := s.blobs.Delete(ctx, k); err != nil {
			s.logger.Error("failed to delete orphaned blob", "storage_key", k, "error", err)
			continue
		}
		delete(s.seen, k)
		report.Deleted = append(report.Deleted, k)
	}

	sort.Strings(report.Orphaned)
	sort.Strings(report.Dangling)
	sort.Strings(report.Deleted)
	s.logger.Info("sweep finished",
		"referenced", report.Referenced,
		"orphaned", len(report.Orphaned),
		"dangling", len(report.Dangling),
		"deleted", len(report.Deleted),
		"dry_run", s.dryRun,
	)
	return report, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are
// logged and the next tick tries again.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
