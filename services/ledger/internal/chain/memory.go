package chain

import (
	"context"
	"sort"
	"sync"

	"medconsult/pkg/ledger"
)

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu        sync.Mutex
	entries   []Entry
	documents map[int64][]ledger.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{documents: make(map[int64][]ledger.Document)}
}

func (s *MemoryStore) WithChainLock(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{entries: append([]Entry(nil), s.entries...)}
	if err := fn(tx); err != nil {
		return err
	}
	s.entries = tx.entries
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, consultationID int64) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{entries: s.entries}).Get(ctx, consultationID)
}

func (s *MemoryStore) Walk(_ context.Context, fn func(Entry) error) error {
	s.mu.Lock()
	entries := append([]Entry(nil), s.entries...)
	s.mu.Unlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) AddDocument(_ context.Context, doc ledger.Document) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.documents[doc.ConsultationID] {
		if d.SHA256 == doc.SHA256 {
			return false, nil
		}
	}
	s.documents[doc.ConsultationID] = append(s.documents[doc.ConsultationID], doc)
	return true, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, consultationID int64) ([]ledger.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]ledger.Document(nil), s.documents[consultationID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AnchoredAt.Before(out[j].AnchoredAt) })
	return out, nil
}

// Tamper overwrites the record of an existing entry without rehashing.
func (s *MemoryStore) Tamper(consultationID int64, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ConsultationID == consultationID {
			mutate(&s.entries[i])
		}
	}
}

type memTx struct {
	entries []Entry
}

func (t *memTx) Head(context.Context) (Entry, bool, error) {
	if len(t.entries) == 0 {
		return Entry{}, false, nil
	}
	return t.entries[len(t.entries)-1], true, nil
}

func (t *memTx) Get(_ context.Context, consultationID int64) (Entry, bool, error) {
	for _, e := range t.entries {
		if e.ConsultationID == consultationID {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (t *memTx) Insert(_ context.Context, e *Entry) error {
	e.Seq = int64(len(t.entries)) + 1
	t.entries = append(t.entries, *e)
	return nil
}
