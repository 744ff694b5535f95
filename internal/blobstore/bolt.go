package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
)

var partitionsBucket = []byte("partitions")

// Bolt keeps blobs in a single local bolt file. It suits a single worker
// host or development setups.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the bolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating blob directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, apperrors.Storage("opening bolt store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(partitionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apperrors.Storage("creating bolt bucket", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(partitionsBucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("blob %q: %w", key, apperrors.ErrNotFound)
		}
		// bolt values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}
		return nil, apperrors.Storage("bolt get", err)
	}
	return data, nil
}

func (b *Bolt) Put(_ context.Context, key string, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(partitionsBucket).Put([]byte(key), data)
	})
	return apperrors.Storage("bolt put", err)
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(partitionsBucket).Delete([]byte(key))
	})
	return apperrors.Storage("bolt delete", err)
}

func (b *Bolt) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(partitionsBucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Storage("bolt list", err)
	}
	return keys, nil
}

func (b *Bolt) Ping(context.Context) error {
	return apperrors.Storage("bolt ping", b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(partitionsBucket) == nil {
			return fmt.Errorf("bucket %s missing", partitionsBucket)
		}
		return nil
	}))
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
