// Package master turns one document write into per-token tasks. It admits
// the write through the document lock, addresses every token to a candidate
// partition, dispatches the tasks and releases the lock.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MatthewMawby/SearchIndex/internal/catalog"
	"github.com/MatthewMawby/SearchIndex/internal/document"
	"github.com/MatthewMawby/SearchIndex/internal/queue"
	"github.com/MatthewMawby/SearchIndex/internal/write"
	"github.com/MatthewMawby/SearchIndex/internal/write/tracker"
	"github.com/MatthewMawby/SearchIndex/internal/write/validator"
	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/logger"
	"github.com/MatthewMawby/SearchIndex/pkg/metrics"
	"github.com/MatthewMawby/SearchIndex/pkg/tracing"
)

// Config holds the master switches. ExpirationThreshold is how long a
// document lock is honoured before it is treated as abandoned.
type Config struct {
	ExpirationThreshold time.Duration
	// StrictLocking takes the lock only if nobody refreshed it since it was
	// read, instead of overwriting it.
	StrictLocking bool
	// AwaitCompletion keeps the document locked until every task is
	// acknowledged, waiting at most AckTimeout.
	AwaitCompletion bool
	AckTimeout      time.Duration
	// LogSpans writes each write's span tree at debug level.
	LogSpans bool
}

type Master struct {
	documents  document.Store
	catalog    catalog.Catalog
	dispatcher queue.Dispatcher
	tracker    *tracker.Tracker
	metrics    *metrics.Metrics
	cfg        Config
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
}

// New creates a master. tr must be non-nil when cfg.AwaitCompletion is set;
// m may be nil.
func New(docs document.Store, cat catalog.Catalog, dispatcher queue.Dispatcher, tr *tracker.Tracker, m *metrics.Metrics, cfg Config) *Master {
	return &Master{
		documents:  docs,
		catalog:    cat,
		dispatcher: dispatcher,
		tracker:    tr,
		metrics:    m,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     slog.Default().With("component", "write-master"),
	}
}

// Write runs one write request through validation, locking, decomposition
// and dispatch. A document whose lock is still fresh fails with
// errors.ErrDocumentLocked before anything is changed.
func (m *Master) Write(ctx context.Context, req *write.Request) (*write.Response, error) {
	if err := validator.ValidateRequest(req); err != nil {
		m.count("invalid")
		return nil, err
	}

	writeID := m.newID()
	ctx = logger.WithWrite(ctx, writeID, req.DocumentID)
	log := logger.FromContext(ctx)
	ctx, span := tracing.StartSpan(ctx, "write", writeID)
	span.SetAttr("tokens", len(req.Tokens))

	resp, err := m.write(ctx, writeID, req)
	span.End(err)
	if m.cfg.LogSpans {
		span.Log(log)
	}

	switch {
	case err == nil:
		m.count("ok")
		log.Info("write dispatched", "lock_no", resp.LockNo, "tasks", resp.Tasks, "status", resp.Status)
	case errors.Is(err, apperrors.ErrDocumentLocked):
		m.count("locked")
		log.Info("write rejected, document locked")
	default:
		m.count("error")
		log.Error("write failed", "error", err)
	}
	return resp, err
}

func (m *Master) write(ctx context.Context, writeID string, req *write.Request) (*write.Response, error) {
	lockNo, err := m.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	lockNoNext := lockNo + 1

	tasks, err := m.decompose(ctx, writeID, req, lockNoNext)
	if err != nil {
		return nil, m.abort(ctx, req.DocumentID, lockNo, err)
	}

	awaiting := m.cfg.AwaitCompletion && m.tracker != nil
	if awaiting {
		m.tracker.Register(writeID, len(tasks))
	}
	if err := m.dispatch(ctx, tasks); err != nil {
		if awaiting {
			m.tracker.Forget(writeID)
		}
		return nil, m.abort(ctx, req.DocumentID, lockNo, err)
	}

	resp := &write.Response{
		WriteID:    writeID,
		DocumentID: req.DocumentID,
		LockNo:     lockNoNext,
		Tasks:      len(tasks),
		Status:     write.StatusDispatched,
	}

	if awaiting {
		if err := m.await(ctx, writeID, len(tasks)); err != nil {
			if errors.Is(err, apperrors.ErrTimeout) {
				// Tasks may still be running; the lock expires on its own.
				return nil, err
			}
			return nil, m.abort(ctx, req.DocumentID, lockNoNext, err)
		}
		resp.Status = write.StatusCompleted
	}

	if err := m.documents.Unlock(ctx, req.DocumentID, lockNoNext); err != nil {
		return nil, fmt.Errorf("unlocking document %s: %w", req.DocumentID, err)
	}
	return resp, nil
}

// admit resolves the document and takes its lock. It returns the lock
// number of the last dispatched write, zero for a new document.
func (m *Master) admit(ctx context.Context, req *write.Request) (int64, error) {
	ctx, span := tracing.StartChildSpan(ctx, "resolve_document")
	lockNo, err := m.lock(ctx, req)
	span.End(err)
	return lockNo, err
}

func (m *Master) lock(ctx context.Context, req *write.Request) (int64, error) {
	log := logger.FromContext(ctx)
	doc, err := m.documents.Get(ctx, req.DocumentID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			log.Warn("document lookup failed, treating as new", "error", err)
		}
		created := document.New(req.DocumentID, req.TokenCount, req.WordCount(), tokenRanges(req.ImportantTokenRanges), m.now())
		if err := m.documents.Create(ctx, created); err != nil {
			return 0, fmt.Errorf("creating document %s: %w", req.DocumentID, err)
		}
		return 0, nil
	}

	now := m.now()
	if doc.IsHeld(now, m.cfg.ExpirationThreshold) {
		return 0, fmt.Errorf("document %s locked %s ago: %w", req.DocumentID, doc.LockAge(now).Round(time.Millisecond), apperrors.ErrDocumentLocked)
	}
	if doc.Updating {
		log.Warn("overriding expired document lock", "lock_age", doc.LockAge(now).String(), "lock_no", doc.LockNo)
	}

	if m.cfg.StrictLocking {
		err = m.documents.TryLock(ctx, req.DocumentID, doc.LastUpdate)
	} else {
		err = m.documents.Lock(ctx, req.DocumentID)
	}
	if err != nil {
		return 0, fmt.Errorf("locking document %s: %w", req.DocumentID, err)
	}
	return doc.LockNo, nil
}

// decompose builds one task per token, addressed to the smallest partition
// covering the lowercased token, or to a new partition when none does.
func (m *Master) decompose(ctx context.Context, writeID string, req *write.Request, lockNoNext int64) ([]write.Task, error) {
	ctx, span := tracing.StartChildSpan(ctx, "decompose")
	tasks := make([]write.Task, 0, len(req.Tokens))
	created := 0
	for i, t := range req.Tokens {
		token := strings.ToLower(t.Token)
		partitionID, found, err := m.catalog.FindCandidate(ctx, token)
		if err != nil {
			err = fmt.Errorf("finding partition for token %q: %w", token, err)
			span.End(err)
			return nil, err
		}
		if !found {
			created++
		}
		tasks = append(tasks, write.Task{
			WriteID:    writeID,
			DocumentID: req.DocumentID,
			LockNoNext: lockNoNext,
			TaskIndex:  i,
			TokenOperations: []write.TokenOperation{{
				Token:       token,
				NgramSize:   t.NgramSize,
				Locations:   append([]int(nil), t.Locations...),
				PartitionID: partitionID,
			}},
		})
	}
	span.SetAttr("tasks", len(tasks))
	span.SetAttr("new_partitions", created)
	span.End(nil)
	return tasks, nil
}

func (m *Master) dispatch(ctx context.Context, tasks []write.Task) error {
	ctx, span := tracing.StartChildSpan(ctx, "dispatch")
	err := m.dispatcher.Dispatch(ctx, tasks)
	span.End(err)
	if err != nil {
		return fmt.Errorf("dispatching %d tasks: %w", len(tasks), err)
	}
	if m.metrics != nil {
		m.metrics.TasksDispatched.Add(float64(len(tasks)))
	}
	return nil
}

// await blocks until every task is acknowledged. Failed tasks are reported
// as one error.
func (m *Master) await(ctx context.Context, writeID string, expected int) error {
	ctx, span := tracing.StartChildSpan(ctx, "await_acks")
	waitCtx := ctx
	if m.cfg.AckTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.AckTimeout)
		defer cancel()
	}
	failed, err := m.tracker.Wait(waitCtx, writeID)
	if err == nil && len(failed) > 0 {
		err = fmt.Errorf("%d of %d tasks failed, first task %d: %s: %w",
			len(failed), expected, failed[0].TaskIndex, failed[0].Error, apperrors.ErrInternal)
	}
	span.End(err)
	return err
}

// abort unlocks the document after a failure, recording lockNo as the last
// dispatched write, and returns cause.
func (m *Master) abort(ctx context.Context, documentID string, lockNo int64, cause error) error {
	if err := m.documents.Unlock(ctx, documentID, lockNo); err != nil {
		logger.FromContext(ctx).Error("failed to unlock document after failed write", "error", err)
	}
	return cause
}

func (m *Master) count(result string) {
	if m.metrics != nil {
		m.metrics.WritesTotal.WithLabelValues(result).Inc()
	}
}

func tokenRanges(in []write.TokenRange) []document.TokenRange {
	out := make([]document.TokenRange, len(in))
	for i, r := range in {
		out[i] = document.TokenRange{Name: r.FieldName, Start: r.RangeStart, End: r.RangeEnd}
	}
	return out
}
