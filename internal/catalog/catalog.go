// Package catalog holds the metadata row of every partition: the token
// range it covers, where its current blob lives, and a version that only
// advances through compare-and-swap.
package catalog

import (
	"context"
	"fmt"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
)

// Metadata describes one partition. Version is the value the caller read
// when publishing an existing partition; the stored version becomes
// Version+1 on success.
type Metadata struct {
	PartitionID string `json:"partitionID"`
	StartToken  string `json:"startToken"`
	EndToken    string `json:"endToken"`
	StorageKey  string `json:"storageKey"`
	Size        int    `json:"size"`
	Version     int64  `json:"version"`
}

// Covers reports whether token falls inside the partition's inclusive
// range. Tokens compare byte-wise in every backend.
func (m Metadata) Covers(token string) bool {
	return m.StartToken <= token && token <= m.EndToken
}

// Validate checks that every required field is set.
func (m Metadata) Validate() error {
	switch {
	case m.PartitionID == "":
		return fmt.Errorf("%w: partitionID is required", apperrors.ErrSchemaInvalid)
	case m.StorageKey == "":
		return fmt.Errorf("%w: storageKey is required", apperrors.ErrSchemaInvalid)
	case m.Size < 0:
		return fmt.Errorf("%w: size must not be negative", apperrors.ErrSchemaInvalid)
	case m.Version < 0:
		return fmt.Errorf("%w: version must not be negative", apperrors.ErrSchemaInvalid)
	case m.StartToken > m.EndToken:
		return fmt.Errorf("%w: startToken %q is after endToken %q", apperrors.ErrSchemaInvalid, m.StartToken, m.EndToken)
	}
	return nil
}

// Catalog is the partition metadata table.
type Catalog interface {
	// Create writes meta unconditionally.
	Create(ctx context.Context, meta Metadata) error
	// FindCandidate returns the smallest partition whose range covers
	// token, ties going to the earliest in scan order. found is false when
	// nothing covers the token.
	FindCandidate(ctx context.Context, token string) (partitionID string, found bool, err error)
	// ReadVersion returns the current version and storage key, or an error
	// matching errors.ErrNotFound.
	ReadVersion(ctx context.Context, partitionID string) (version int64, storageKey string, err error)
	// Publish stores meta. New partitions are written unconditionally with
	// meta.Version. Existing partitions are updated only if the stored
	// version still equals meta.Version, in which case it becomes
	// meta.Version+1; otherwise the error matches
	// errors.ErrConcurrencyConflict and nothing changes.
	Publish(ctx context.Context, meta Metadata, isNew bool) error
	// List returns every row in scan order.
	List(ctx context.Context) ([]Metadata, error)
}

// pickCandidate applies the smallest-size rule over rows in scan order.
func pickCandidate(rows []Metadata, token string) (string, bool) {
	best := -1
	for i, row := range rows {
		if !row.Covers(token) {
			continue
		}
		if best < 0 || row.Size < rows[best].Size {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return rows[best].PartitionID, true
}

func conflict(partitionID string, read int64) error {
	return fmt.Errorf("publishing partition %s at version %d: %w", partitionID, read, apperrors.ErrConcurrencyConflict)
}

func notFound(partitionID string) error {
	return fmt.Errorf("partition %s: %w", partitionID, apperrors.ErrNotFound)
}
