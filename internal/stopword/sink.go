package stopword

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/postgres"
)

// Sink stores stopword rows, replacing any earlier row for the same token.
type Sink interface {
	Write(ctx context.Context, rows []Row) error
}

type Memory struct {
	mu   sync.Mutex
	rows map[string]Row
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Row)}
}

func (m *Memory) Write(_ context.Context, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.rows[r.Token] = r
	}
	return nil
}

func (m *Memory) Get(token string) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[token]
	return r, ok
}

// Schema creates the stopwords table on PostgreSQL or SQLite.
const Schema = `CREATE TABLE IF NOT EXISTS stopwords (
    token           TEXT PRIMARY KEY,
    frequency       BIGINT NOT NULL,
    catalog_version BIGINT NOT NULL
)`

// SQL writes rows in one transaction.
type SQL struct {
	db *sql.DB
}

func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return apperrors.Storage("creating stopwords table", err)
	}
	return nil
}

func (s *SQL) Write(ctx context.Context, rows []Row) error {
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO stopwords (token, frequency, catalog_version) VALUES ($1, $2, $3)
			 ON CONFLICT (token) DO UPDATE SET
			   frequency       = excluded.frequency,
			   catalog_version = excluded.catalog_version`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.Token, r.Frequency, r.CatalogVersion); err != nil {
				return err
			}
		}
		return nil
	})
	return apperrors.Storage("writing stopwords", err)
}

// Frequency returns the stored row for token.
func (s *SQL) Frequency(ctx context.Context, token string) (Row, error) {
	r := Row{Token: token}
	err := s.db.QueryRowContext(ctx,
		`SELECT frequency, catalog_version FROM stopwords WHERE token = $1`, token,
	).Scan(&r.Frequency, &r.CatalogVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, fmt.Errorf("stopword %s: %w", token, apperrors.ErrNotFound)
	}
	if err != nil {
		return Row{}, apperrors.Storage("reading stopword", err)
	}
	return r, nil
}
