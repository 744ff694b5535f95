package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
)

// Schema creates the partitions table. The statement is valid for both
// PostgreSQL and SQLite.
const Schema = `CREATE TABLE IF NOT EXISTS partitions (
    partition_id TEXT PRIMARY KEY,
    start_token  TEXT NOT NULL,
    end_token    TEXT NOT NULL,
    storage_key  TEXT NOT NULL,
    size         BIGINT NOT NULL,
    version      BIGINT NOT NULL,
    created_at   BIGINT NOT NULL
)`

// SQL is a Catalog on a database/sql handle (lib/pq or go-sqlite3). Range
// filtering happens in Go so that token order is byte order regardless of
// the database collation. Scan order is creation time.
type SQL struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db, now: time.Now}
}

// Migrate creates the table if it does not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return apperrors.Storage("creating partitions table", err)
	}
	return nil
}

func (s *SQL) Create(ctx context.Context, meta Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO partitions (partition_id, start_token, end_token, storage_key, size, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (partition_id) DO UPDATE SET
		   start_token = excluded.start_token,
		   end_token   = excluded.end_token,
		   storage_key = excluded.storage_key,
		   size        = excluded.size,
		   version     = excluded.version`,
		meta.PartitionID, meta.StartToken, meta.EndToken, meta.StorageKey, meta.Size, meta.Version, s.now().UnixNano(),
	)
	return apperrors.Storage("creating partition", err)
}

func (s *SQL) FindCandidate(ctx context.Context, token string) (string, bool, error) {
	rows, err := s.List(ctx)
	if err != nil {
		return "", false, err
	}
	id, ok := pickCandidate(rows, token)
	return id, ok, nil
}

func (s *SQL) ReadVersion(ctx context.Context, partitionID string) (int64, string, error) {
	var (
		version    int64
		storageKey string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, storage_key FROM partitions WHERE partition_id = $1`, partitionID,
	).Scan(&version, &storageKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", notFound(partitionID)
	}
	if err != nil {
		return 0, "", apperrors.Storage("reading partition version", err)
	}
	return version, storageKey, nil
}

func (s *SQL) Publish(ctx context.Context, meta Metadata, isNew bool) error {
	if isNew {
		return s.Create(ctx, meta)
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE partitions
		    SET start_token = $1, end_token = $2, storage_key = $3, size = $4, version = $5
		  WHERE partition_id = $6 AND version = $7`,
		meta.StartToken, meta.EndToken, meta.StorageKey, meta.Size, meta.Version+1, meta.PartitionID, meta.Version,
	)
	if err != nil {
		return apperrors.Storage("publishing partition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Storage("publishing partition", err)
	}
	if n == 1 {
		return nil
	}
	if _, _, err := s.ReadVersion(ctx, meta.PartitionID); err != nil {
		return err
	}
	return conflict(meta.PartitionID, meta.Version)
}

func (s *SQL) List(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_id, start_token, end_token, storage_key, size, version
		   FROM partitions ORDER BY created_at, partition_id`)
	if err != nil {
		return nil, apperrors.Storage("listing partitions", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.PartitionID, &m.StartToken, &m.EndToken, &m.StorageKey, &m.Size, &m.Version); err != nil {
			return nil, apperrors.Storage("scanning partition", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("listing partitions", err)
	}
	return out, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return apperrors.Storage("pinging catalog database", s.db.PingContext(ctx))
}
