// Package worker executes write tasks. Each token operation reads its
// partition, merges the token, stores the result under a fresh blob key and
// moves the catalog row to that key with a compare-and-swap.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MatthewMawby/SearchIndex/internal/blobstore"
	"github.com/MatthewMawby/SearchIndex/internal/catalog"
	"github.com/MatthewMawby/SearchIndex/internal/partition"
	"github.com/MatthewMawby/SearchIndex/internal/queue"
	"github.com/MatthewMawby/SearchIndex/internal/write"
	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/kafka"
	"github.com/MatthewMawby/SearchIndex/pkg/logger"
	"github.com/MatthewMawby/SearchIndex/pkg/metrics"
	"github.com/MatthewMawby/SearchIndex/pkg/resilience"
)

// Config holds the worker switches. The zero value publishes each token
// once with snappy blobs and surfaces every conflict.
type Config struct {
	Codec partition.Codec
	// ConflictRetries re-runs the whole read-merge-publish cycle up to this
	// many extra times when the catalog reports a concurrent update.
	ConflictRetries int
	// OpTimeout bounds one read-merge-publish attempt. The attempt is
	// awaited rather than abandoned and never publishes after the deadline,
	// so a failure ack means the catalog was not moved by it.
	OpTimeout time.Duration
	// VerifyBeforePut re-reads the catalog version right before storing the
	// new blob and gives up early if it moved.
	VerifyBeforePut bool
	OpsPerSecond    float64
}

type Worker struct {
	catalog catalog.Catalog
	blobs   blobstore.Store
	acks    queue.AckPublisher
	metrics *metrics.Metrics
	cfg     Config
	limiter *rate.Limiter
	newID   func() string
	logger  *slog.Logger
}

// New creates a worker. acks and m may be nil.
func New(cat catalog.Catalog, blobs blobstore.Store, acks queue.AckPublisher, m *metrics.Metrics, cfg Config) *Worker {
	if cfg.Codec == 0 {
		cfg.Codec = partition.CodecSnappy
	}
	w := &Worker{
		catalog: cat,
		blobs:   blobs,
		acks:    acks,
		metrics: m,
		cfg:     cfg,
		newID:   uuid.NewString,
		logger:  slog.Default().With("component", "write-worker"),
	}
	if cfg.OpsPerSecond > 0 {
		burst := int(cfg.OpsPerSecond)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), burst)
	}
	return w
}

// Process runs every token operation of task independently, then reports
// the outcome to the master. The returned error joins the failures of the
// individual operations. A failure is acknowledged only on the consumer's
// final attempt, since an earlier one will be retried.
func (w *Worker) Process(ctx context.Context, task write.Task) error {
	ctx = logger.WithWrite(ctx, task.WriteID, task.DocumentID)
	log := logger.FromContext(ctx)

	var errs []error
	for i, op := range task.TokenOperations {
		if err := w.Apply(ctx, task.DocumentID, task.LockNoNext, op); err != nil {
			log.Error("token operation failed",
				"token", op.Token,
				"partition_id", op.PartitionID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("token operation %d (%q): %w", i, op.Token, err))
		}
	}
	err := errors.Join(errs...)
	if err == nil || kafka.FinalAttempt(ctx) {
		w.ack(ctx, task, err)
	}
	if err == nil {
		log.Debug("task processed", "task_index", task.TaskIndex, "operations", len(task.TokenOperations))
	}
	return err
}

// Handler consumes tasks from the Kafka task topic.
func (w *Worker) Handler() kafka.MessageHandler {
	return queue.TaskHandler(w.Process, func(key []byte, err error) {
		w.logger.Error("failed to decode write task", "error", err, "key", string(key))
	})
}

// Apply merges one token into its partition. An empty PartitionID creates
// a new partition.
func (w *Worker) Apply(ctx context.Context, documentID string, lockNo int64, op write.TokenOperation) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	partitionID, isNew := op.PartitionID, op.PartitionID == ""
	if isNew {
		partitionID = w.newID()
	}
	attempt := func() error {
		return resilience.WithTimeout(ctx, w.cfg.OpTimeout, "token operation", func(ctx context.Context) error {
			return w.publish(ctx, partitionID, isNew, documentID, lockNo, op)
		})
	}

	var err error
	if w.cfg.ConflictRetries > 0 && !isNew {
		err = resilience.Retry(ctx, "publish partition "+partitionID, resilience.RetryConfig{
			MaxAttempts:    w.cfg.ConflictRetries + 1,
			InitialDelay:   10 * time.Millisecond,
			MaxDelay:       500 * time.Millisecond,
			Multiplier:     2,
			JitterFraction: 0.2,
			Retryable: func(err error) bool {
				return errors.Is(err, apperrors.ErrConcurrencyConflict)
			},
		}, attempt)
	} else {
		err = attempt()
	}

	w.countOp(isNew, err)
	return err
}

// publish is one read-merge-publish cycle.
func (w *Worker) publish(ctx context.Context, partitionID string, isNew bool, documentID string, lockNo int64, op write.TokenOperation) error {
	start := time.Now()
	p := partition.New()
	var version int64
	var oldKey string

	if !isNew {
		v, key, err := w.catalog.ReadVersion(ctx, partitionID)
		if err != nil {
			return fmt.Errorf("reading partition %s: %w", partitionID, err)
		}
		data, err := w.blobs.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("fetching partition %s blob %s: %w", partitionID, key, err)
		}
		if p, err = partition.Decode(data); err != nil {
			return fmt.Errorf("decoding partition %s: %w", partitionID, err)
		}
		version, oldKey = v, key
	}

	p.AddToken(op.Token, documentID, lockNo, op.NgramSize, op.Locations)
	data, err := p.Encode(w.cfg.Codec)
	if err != nil {
		return fmt.Errorf("encoding partition %s: %w", partitionID, err)
	}

	if w.cfg.VerifyBeforePut && !isNew {
		current, _, err := w.catalog.ReadVersion(ctx, partitionID)
		if err != nil {
			return fmt.Errorf("re-reading partition %s: %w", partitionID, err)
		}
		if current != version {
			w.countConflict()
			return fmt.Errorf("partition %s moved from version %d to %d: %w", partitionID, version, current, apperrors.ErrConcurrencyConflict)
		}
	}

	newKey := w.newID()
	if err := w.blobs.Put(ctx, newKey, data); err != nil {
		return fmt.Errorf("storing partition %s blob: %w", partitionID, err)
	}

	meta := catalog.Metadata{
		PartitionID: partitionID,
		StartToken:  p.StartToken(),
		EndToken:    p.EndToken(),
		StorageKey:  newKey,
		Size:        p.Size(),
		Version:     version,
	}
	if err := ctx.Err(); err != nil {
		w.discard(ctx, partitionID, newKey)
		return fmt.Errorf("publishing partition %s: %w", partitionID, err)
	}
	if err := w.catalog.Publish(ctx, meta, isNew); err != nil {
		if errors.Is(err, apperrors.ErrConcurrencyConflict) {
			w.countConflict()
		}
		return fmt.Errorf("publishing partition %s: %w", partitionID, err)
	}

	// The replaced blob is unreachable once the catalog points elsewhere;
	// failing to remove it leaves an orphan for the reconciler.
	if !isNew {
		if err := w.blobs.Delete(ctx, oldKey); err != nil {
			logger.FromContext(ctx).Warn("failed to delete replaced partition blob",
				"partition_id", partitionID,
				"storage_key", oldKey,
				"error", err,
			)
		}
	}

	if w.metrics != nil {
		w.metrics.PublishLatency.Observe(time.Since(start).Seconds())
		w.metrics.PartitionSize.WithLabelValues(partitionID).Set(float64(p.Size()))
	}
	logger.FromContext(ctx).Debug("partition published",
		"partition_id", partitionID,
		"token", op.Token,
		"version", version,
		"new", isNew,
		"size", p.Size(),
	)
	return nil
}

// discard removes a blob that was stored but never published.
func (w *Worker) discard(ctx context.Context, partitionID, key string) {
	if err := w.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.FromContext(ctx).Warn("failed to delete unpublished partition blob",
			"partition_id", partitionID,
			"storage_key", key,
			"error", err,
		)
	}
}

func (w *Worker) ack(ctx context.Context, task write.Task, err error) {
	if w.acks == nil {
		return
	}
	ack := write.Ack{
		WriteID:    task.WriteID,
		DocumentID: task.DocumentID,
		TaskIndex:  task.TaskIndex,
		OK:         err == nil,
	}
	if err != nil {
		ack.Error = err.Error()
	}
	if perr := w.acks.PublishAck(ctx, ack); perr != nil {
		logger.FromContext(ctx).Error("failed to publish task ack", "task_index", task.TaskIndex, "error", perr)
	}
}

func (w *Worker) countOp(isNew bool, err error) {
	if w.metrics == nil {
		return
	}
	result := "merged"
	switch {
	case errors.Is(err, apperrors.ErrConcurrencyConflict):
		result = "conflict"
	case err != nil:
		result = "error"
	case isNew:
		result = "created"
	}
	w.metrics.TokenOpsTotal.WithLabelValues(result).Inc()
}

func (w *Worker) countConflict() {
	if w.metrics != nil {
		w.metrics.ConcurrencyConflicts.Inc()
	}
}
