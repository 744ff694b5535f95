// Package stopword computes corpus-wide unigram frequencies from the
// published partitions. Frequent tokens are stopword candidates; the rows
// are written to a sink keyed by token.
package stopword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MatthewMawby/SearchIndex/internal/blobstore"
	"github.com/MatthewMawby/SearchIndex/internal/catalog"
	"github.com/MatthewMawby/SearchIndex/internal/partition"
	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
)

// Row is one stopword table entry.
type Row struct {
	Token          string `json:"token"`
	Frequency      int64  `json:"frequency"`
	CatalogVersion int64  `json:"catalogVersion"`
}

// Aggregator reads every partition named in the catalog. It only reads.
type Aggregator struct {
	catalog     catalog.Catalog
	blobs       blobstore.Store
	concurrency int
	logger      *slog.Logger
}

func NewAggregator(cat catalog.Catalog, blobs blobstore.Store, concurrency int) *Aggregator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Aggregator{
		catalog:     cat,
		blobs:       blobs,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "stopword-aggregator"),
	}
}

// Aggregate sums the most recent occurrence counts of every unigram token
// over all partitions. Partitions are fetched concurrently.
func (a *Aggregator) Aggregate(ctx context.Context) (map[string]int64, error) {
	rows, err := a.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int64)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, row := range rows {
		g.Go(func() error {
			p, err := a.load(gctx, row)
			if err != nil {
				return err
			}
			if p == nil {
				return nil
			}
			local := make(map[string]int64)
			for _, token := range p.Tokens() {
				if n, ok := p.TokenCount(token); ok && n > 0 {
					local[token] += int64(n)
				}
			}
			mu.Lock()
			for token, n := range local {
				counts[token] += n
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	a.logger.Info("aggregated token frequencies", "partitions", len(rows), "tokens", len(counts))
	return counts, nil
}

// load fetches a partition. A blob that vanished because a worker rotated
// the key in the meantime is looked up again once; a partition that is
// gone altogether is skipped.
func (a *Aggregator) load(ctx context.Context, row catalog.Metadata) (*partition.Partition, error) {
	data, err := a.blobs.Get(ctx, row.StorageKey)
	if errors.Is(err, apperrors.ErrNotFound) {
		_, key, rerr := a.catalog.ReadVersion(ctx, row.PartitionID)
		if rerr != nil {
			if errors.Is(rerr, apperrors.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("re-reading partition %s: %w", row.PartitionID, rerr)
		}
		data, err = a.blobs.Get(ctx, key)
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		a.logger.Warn("partition blob missing, skipping", "partition_id", row.PartitionID, "storage_key", row.StorageKey)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching partition %s: %w", row.PartitionID, err)
	}
	p, err := partition.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding partition %s: %w", row.PartitionID, err)
	}
	return p, nil
}

// Rows converts counts to table rows, most frequent first.
func Rows(counts map[string]int64, catalogVersion int64) []Row {
	rows := make([]Row, 0, len(counts))
	for token, n := range counts {
		rows = append(rows, Row{Token: token, Frequency: n, CatalogVersion: catalogVersion})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Frequency != rows[j].Frequency {
			return rows[i].Frequency > rows[j].Frequency
		}
		return rows[i].Token < rows[j].Token
	})
	return rows
}

// TopN returns the n most frequent tokens.
func TopN(counts map[string]int64, n int) []Row {
	rows := Rows(counts, 0)
	if n >= 0 && n < len(rows) {
		rows = rows[:n]
	}
	return rows
}

// Run aggregates and writes the result to sink. It returns the number of
// rows written.
func Run(ctx context.Context, agg *Aggregator, sink Sink, catalogVersion int64) (int, error) {
	counts, err := agg.Aggregate(ctx)
	if err != nil {
		return 0, err
	}
	rows := Rows(counts, catalogVersion)
	if err := sink.Write(ctx, rows); err != nil {
		return 0, fmt.Errorf("writing %d stopword rows: %w", len(rows), err)
	}
	return len(rows), nil
}
