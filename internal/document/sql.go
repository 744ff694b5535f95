package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
)

// Schema creates the documents table on PostgreSQL or SQLite. Timestamps
// are unix nanoseconds so that TryLock compares them exactly.
const Schema = `CREATE TABLE IF NOT EXISTS documents (
    document_id  TEXT PRIMARY KEY,
    token_count  BIGINT NOT NULL,
    word_count   BIGINT NOT NULL,
    last_indexed BIGINT NOT NULL,
    token_ranges TEXT NOT NULL,
    lock_no      BIGINT NOT NULL,
    updating     BOOLEAN NOT NULL,
    deleted      BOOLEAN NOT NULL,
    last_update  BIGINT NOT NULL
)`

// SQL is a Store on a database/sql handle.
type SQL struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db, now: time.Now}
}

func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return apperrors.Storage("creating documents table", err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, documentID string) (Document, error) {
	var (
		doc         Document
		ranges      string
		lastIndexed int64
		lastUpdate  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, token_count, word_count, last_indexed, token_ranges, lock_no, updating, deleted, last_update
		   FROM documents WHERE document_id = $1`, documentID,
	).Scan(&doc.DocumentID, &doc.TokenCount, &doc.WordCount, &lastIndexed, &ranges, &doc.LockNo, &doc.Updating, &doc.Delete, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, notFound(documentID)
	}
	if err != nil {
		return Document{}, apperrors.Storage("reading document", err)
	}
	if err := json.Unmarshal([]byte(ranges), &doc.TokenRanges); err != nil {
		return Document{}, apperrors.Storage("decoding token ranges", err)
	}
	doc.LastIndexed = time.Unix(0, lastIndexed).UTC()
	doc.LastUpdate = time.Unix(0, lastUpdate).UTC()
	if err := doc.Validate(); err != nil {
		return Document{}, notFound(documentID)
	}
	return doc, nil
}

func (s *SQL) Create(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	ranges, err := json.Marshal(doc.TokenRanges)
	if err != nil {
		return apperrors.Storage("encoding token ranges", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (document_id, token_count, word_count, last_indexed, token_ranges, lock_no, updating, deleted, last_update)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (document_id) DO UPDATE SET
		   token_count  = excluded.token_count,
		   word_count   = excluded.word_count,
		   last_indexed = excluded.last_indexed,
		   token_ranges = excluded.token_ranges,
		   lock_no      = excluded.lock_no,
		   updating     = excluded.updating,
		   deleted      = excluded.deleted,
		   last_update  = excluded.last_update`,
		doc.DocumentID, doc.TokenCount, doc.WordCount, doc.LastIndexed.UnixNano(), string(ranges),
		doc.LockNo, doc.Updating, doc.Delete, doc.LastUpdate.UnixNano(),
	)
	return apperrors.Storage("creating document", err)
}

func (s *SQL) Lock(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		    SET updating = TRUE,
		        last_update = CASE WHEN last_update >= $1 THEN last_update + 1 ELSE $1 END
		  WHERE document_id = $2`,
		s.now().UnixNano(), documentID,
	)
	if err != nil {
		return apperrors.Storage("locking document", err)
	}
	return s.expectOne(res, documentID, notFound)
}

func (s *SQL) TryLock(ctx context.Context, documentID string, observed time.Time) error {
	stamp := nextStamp(observed, s.now()).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET updating = TRUE, last_update = $1
		  WHERE document_id = $2 AND last_update = $3`,
		stamp, documentID, observed.UnixNano(),
	)
	if err != nil {
		return apperrors.Storage("locking document", err)
	}
	return s.expectOne(res, documentID, func(id string) error {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return locked(id)
	})
}

func (s *SQL) Unlock(ctx context.Context, documentID string, lockNo int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET updating = FALSE, lock_no = $1 WHERE document_id = $2`,
		lockNo, documentID,
	)
	if err != nil {
		return apperrors.Storage("unlocking document", err)
	}
	return s.expectOne(res, documentID, notFound)
}

func (s *SQL) Ping(ctx context.Context) error {
	return apperrors.Storage("pinging document database", s.db.PingContext(ctx))
}

func (s *SQL) expectOne(res sql.Result, documentID string, onMiss func(string) error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Storage("document update", err)
	}
	if n == 0 {
		return onMiss(documentID)
	}
	return nil
}
