package document

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/redis"
)

// Redis stores each document as a JSON value under prefix+documentID.
// Lock updates are WATCH/MULTI transactions, so a TryLock that races
// another lock loses instead of overwriting it.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) key(documentID string) string {
	return r.prefix + documentID
}

func (r *Redis) Get(ctx context.Context, documentID string) (Document, error) {
	data, err := r.client.Get(ctx, r.key(documentID))
	if redis.IsNilError(err) {
		return Document{}, notFound(documentID)
	}
	if err != nil {
		return Document{}, apperrors.Storage("redis get document", err)
	}
	doc, err := Decode(data)
	if err != nil {
		return Document{}, notFound(documentID)
	}
	return doc, nil
}

func (r *Redis) Create(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	data, err := Encode(doc)
	if err != nil {
		return apperrors.Storage("encoding document", err)
	}
	err = r.client.Update(ctx, r.key(doc.DocumentID), func([]byte) ([]byte, error) {
		return data, nil
	})
	return apperrors.Storage("redis create document", err)
}

func (r *Redis) Lock(ctx context.Context, documentID string) error {
	return r.modify(ctx, documentID, func(doc *Document) error {
		doc.Updating = true
		doc.LastUpdate = nextStamp(doc.LastUpdate, r.now())
		return nil
	})
}

func (r *Redis) TryLock(ctx context.Context, documentID string, observed time.Time) error {
	err := r.modify(ctx, documentID, func(doc *Document) error {
		if !doc.LastUpdate.Equal(observed) {
			return locked(documentID)
		}
		doc.Updating = true
		doc.LastUpdate = nextStamp(doc.LastUpdate, r.now())
		return nil
	})
	if redis.IsTxFailed(err) {
		return locked(documentID)
	}
	return err
}

func (r *Redis) Unlock(ctx context.Context, documentID string, lockNo int64) error {
	return r.modify(ctx, documentID, func(doc *Document) error {
		doc.Updating = false
		doc.LockNo = lockNo
		return nil
	})
}

func (r *Redis) Ping(ctx context.Context) error {
	return apperrors.Storage("redis ping", r.client.Ping(ctx))
}

const maxTxAttempts = 3

// modify runs fn on the current record inside an optimistic transaction,
// retrying when another client changed the key mid-transaction. fn sees the
// fresh record on every attempt.
func (r *Redis) modify(ctx context.Context, documentID string, fn func(*Document) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = r.update(ctx, documentID, fn)
		if !redis.IsTxFailed(err) {
			return err
		}
	}
	return err
}

func (r *Redis) update(ctx context.Context, documentID string, fn func(*Document) error) error {
	err := r.client.Update(ctx, r.key(documentID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, notFound(documentID)
		}
		doc, err := Decode(current)
		if err != nil {
			return nil, notFound(documentID)
		}
		if err := fn(&doc); err != nil {
			return nil, err
		}
		return Encode(doc)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrDocumentLocked), redis.IsTxFailed(err):
		return err
	default:
		return apperrors.Storage("redis update document", err)
	}
}
