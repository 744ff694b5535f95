// Package document tracks one record per indexed document and the advisory
// write lock the write master takes on it.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
)

// TokenRange marks a named span of tokens, such as a title.
type TokenRange struct {
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Document is the stored record. LockNo is the number of the last write
// whose tasks were dispatched; Delete is reserved and never acted on.
type Document struct {
	DocumentID  string       `json:"documentID"`
	TokenCount  int          `json:"tokenCount"`
	WordCount   int          `json:"wordCount"`
	LastIndexed time.Time    `json:"lastIndexed"`
	TokenRanges []TokenRange `json:"tokenRanges"`
	LockNo      int64        `json:"lockNo"`
	Updating    bool         `json:"updating"`
	Delete      bool         `json:"delete"`
	LastUpdate  time.Time    `json:"lastUpdate"`
}

// New builds the record for a document seen for the first time. It is
// created already locked at now.
func New(documentID string, tokenCount, wordCount int, ranges []TokenRange, now time.Time) Document {
	if ranges == nil {
		ranges = []TokenRange{}
	}
	return Document{
		DocumentID:  documentID,
		TokenCount:  tokenCount,
		WordCount:   wordCount,
		LastIndexed: now,
		TokenRanges: ranges,
		Updating:    true,
		LastUpdate:  now,
	}
}

// Validate checks the fields a stored record cannot do without.
func (d Document) Validate() error {
	switch {
	case d.DocumentID == "":
		return fmt.Errorf("%w: documentID is required", apperrors.ErrSchemaInvalid)
	case d.LastUpdate.IsZero():
		return fmt.Errorf("%w: lastUpdate is required", apperrors.ErrSchemaInvalid)
	case d.LastIndexed.IsZero():
		return fmt.Errorf("%w: lastIndexed is required", apperrors.ErrSchemaInvalid)
	case d.TokenRanges == nil:
		return fmt.Errorf("%w: tokenRanges is required", apperrors.ErrSchemaInvalid)
	case d.LockNo < 0 || d.TokenCount < 0 || d.WordCount < 0:
		return fmt.Errorf("%w: counters must not be negative", apperrors.ErrSchemaInvalid)
	}
	return nil
}

// LockAge is how long ago the lock was last refreshed.
func (d Document) LockAge(now time.Time) time.Duration {
	return now.Sub(d.LastUpdate)
}

// IsHeld reports whether another write still owns the document. An
// unlocked document is never held; a locked one is held until its lock is
// older than threshold. This differs on purpose from a rule that looks at
// lock age alone: a freshly unlocked document is writable immediately.
func (d Document) IsHeld(now time.Time, threshold time.Duration) bool {
	return d.Updating && d.LockAge(now) < threshold
}

// Store persists documents. Get returns an error matching errors.ErrNotFound
// for unknown documents and for stored records that fail the schema check.
type Store interface {
	Get(ctx context.Context, documentID string) (Document, error)
	// Create writes a new record; it fails with errors.ErrSchemaInvalid if
	// the record is incomplete.
	Create(ctx context.Context, doc Document) error
	// Lock sets updating and refreshes lastUpdate without any check.
	Lock(ctx context.Context, documentID string) error
	// TryLock locks only if lastUpdate still equals observed, failing with
	// errors.ErrDocumentLocked otherwise.
	TryLock(ctx context.Context, documentID string, observed time.Time) error
	// Unlock clears updating and records lockNo as the latest dispatched
	// write.
	Unlock(ctx context.Context, documentID string, lockNo int64) error
}

var (
	documentFields   = fieldSet("documentID", "tokenCount", "wordCount", "lastIndexed", "tokenRanges", "lockNo", "updating", "delete", "lastUpdate")
	tokenRangeFields = fieldSet("name", "start", "end")
)

func fieldSet(names ...string) string {
	sort.Strings(names)
	return strings.Join(names, ",")
}

func keysOf(m map[string]json.RawMessage) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return fieldSet(keys...)
}

// Decode parses a stored JSON record, requiring its field set to match the
// schema exactly.
func Decode(data []byte) (Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", apperrors.ErrSchemaInvalid, err)
	}
	if got := keysOf(raw); got != documentFields {
		return Document{}, fmt.Errorf("%w: document fields [%s], want [%s]", apperrors.ErrSchemaInvalid, got, documentFields)
	}

	var ranges []map[string]json.RawMessage
	if err := json.Unmarshal(raw["tokenRanges"], &ranges); err != nil {
		return Document{}, fmt.Errorf("%w: tokenRanges: %v", apperrors.ErrSchemaInvalid, err)
	}
	for i, r := range ranges {
		if got := keysOf(r); got != tokenRangeFields {
			return Document{}, fmt.Errorf("%w: tokenRanges[%d] fields [%s], want [%s]", apperrors.ErrSchemaInvalid, i, got, tokenRangeFields)
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", apperrors.ErrSchemaInvalid, err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Encode is the inverse of Decode.
func Encode(doc Document) ([]byte, error) {
	if doc.TokenRanges == nil {
		doc.TokenRanges = []TokenRange{}
	}
	return json.Marshal(doc)
}

// nextStamp returns the lock timestamp to store after prev. It is strictly
// later than prev so that TryLock can tell two locks apart.
func nextStamp(prev, now time.Time) time.Time {
	now = now.Round(0)
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func notFound(documentID string) error {
	return fmt.Errorf("document %s: %w", documentID, apperrors.ErrNotFound)
}

func locked(documentID string) error {
	return fmt.Errorf("document %s: %w", documentID, apperrors.ErrDocumentLocked)
}
