package document

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	docs map[string]Document
	now  func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock uses now for lock timestamps.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{docs: make(map[string]Document), now: now}
}

func (m *Memory) Get(_ context.Context, documentID string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return Document{}, notFound(documentID)
	}
	doc.TokenRanges = append([]TokenRange{}, doc.TokenRanges...)
	return doc, nil
}

func (m *Memory) Create(_ context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.TokenRanges = append([]TokenRange{}, doc.TokenRanges...)
	m.docs[doc.DocumentID] = doc
	return nil
}

func (m *Memory) Lock(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return notFound(documentID)
	}
	doc.Updating = true
	doc.LastUpdate = nextStamp(doc.LastUpdate, m.now())
	m.docs[documentID] = doc
	return nil
}

func (m *Memory) TryLock(_ context.Context, documentID string, observed time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return notFound(documentID)
	}
	if !doc.LastUpdate.Equal(observed) {
		return locked(documentID)
	}
	doc.Updating = true
	doc.LastUpdate = nextStamp(doc.LastUpdate, m.now())
	m.docs[documentID] = doc
	return nil
}

func (m *Memory) Unlock(_ context.Context, documentID string, lockNo int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return notFound(documentID)
	}
	doc.Updating = false
	doc.LockNo = lockNo
	m.docs[documentID] = doc
	return nil
}
