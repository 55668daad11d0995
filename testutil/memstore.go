package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/db"
)

// MemStore is an in-memory account and item store with the same patch
// semantics as db.Store: a patch replaces whole top-level fields only.
type MemStore struct {
	mu    sync.Mutex
	docs  map[int64]map[string]json.RawMessage
	chats map[int64]string
	items map[string]json.RawMessage
	saved []string

	// SaveErr, when set, fails every SaveAccount call.
	SaveErr error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs:  make(map[int64]map[string]json.RawMessage),
		chats: make(map[int64]string),
		items: make(map[string]json.RawMessage),
	}
}

// CreateAccount stores a full document.
func (s *MemStore) CreateAccount(_ context.Context, a *account.Account) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[a.ID]; ok {
		return fmt.Errorf("account %d exists", a.ID)
	}
	s.docs[a.ID] = doc
	s.chats[a.ID] = a.ChatID
	return nil
}

// SaveAccount merges p into the document.
func (s *MemStore) SaveAccount(_ context.Context, id int64, p account.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("account %d: %w", id, db.ErrNotFound)
	}
	for _, k := range p.Keys() {
		b, err := json.Marshal(p[k])
		if err != nil {
			return err
		}
		doc[k] = b
		s.saved = append(s.saved, k)
	}
	return nil
}

// LoadAccount decodes the stored document.
func (s *MemStore) LoadAccount(_ context.Context, id int64) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *MemStore) loadLocked(id int64) (*account.Account, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, db.ErrNotFound)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	a := account.New(id, s.chats[id])
	if err := json.Unmarshal(b, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAuthorized returns accounts holding a primary credential.
func (s *MemStore) ListAuthorized(_ context.Context) ([]*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []*account.Account
	for _, id := range ids {
		a, err := s.loadLocked(id)
		if err != nil {
			return nil, err
		}
		if a.Authorized() {
			out = append(out, a)
		}
	}
	return out, nil
}

func itemKey(kind string, id int64) string { return fmt.Sprintf("%s:%d", kind, id) }

// CreateItem caches raw and reports whether it was new.
func (s *MemStore) CreateItem(_ context.Context, _ int64, kind string, id int64, raw []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := itemKey(kind, id)
	if _, ok := s.items[k]; ok {
		return false, nil
	}
	s.items[k] = append(json.RawMessage(nil), raw...)
	return true, nil
}

// ItemExists reports whether an item is cached.
func (s *MemStore) ItemExists(_ context.Context, kind string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[itemKey(kind, id)]
	return ok, nil
}

// GetItem returns a cached item.
func (s *MemStore) GetItem(_ context.Context, kind string, id int64) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.items[itemKey(kind, id)]
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", kind, id, db.ErrNotFound)
	}
	return raw, nil
}

// SavedFields lists every field written by SaveAccount in order.
func (s *MemStore) SavedFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

// Account is LoadAccount for tests; it fails the test on error.
func (s *MemStore) Account(t interface {
	Helper()
	Fatalf(string, ...any)
}, id int64) *account.Account {
	t.Helper()
	a, err := s.LoadAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("load account %d: %v", id, err)
	}
	return a
}
