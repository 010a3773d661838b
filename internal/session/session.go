package session

import (
	"context"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
	"sync"
)

// Session is the controller's in-memory view of the active connection.
// Address and ChainID only mean something while ProviderID is set; the zero
// value is the disconnected session.
type Session struct {
	ProviderID string `json:"providerId,omitempty"`
	Address    string `json:"address,omitempty"`
	ChainID    string `json:"chainId,omitempty"`
	// ConnectedAt is a logical clock value, not wall time.
	ConnectedAt uint64 `json:"connectedAt,omitempty"`
}

func (in Session) Connected() bool {
	return in.ProviderID != ""
}

// Record returns the persisted part of the session. The address is always
// re-read from the wallet, so it is not stored.
func (in Session) Record() Record {
	return Record{ProviderID: in.ProviderID, ChainID: in.ChainID}
}

// Record is what survives a page reload, one per origin and client.
type Record struct {
	ProviderID string `json:"providerId"`
	ChainID    string `json:"chainId"`
}

// Store persists records under the key built by Key. Load returns nil, nil
// when nothing is stored.
type Store interface {
	Load(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, r Record) error
	Clear(ctx context.Context, key string) error
}

// Key scopes a record to one client of one page origin, the way browser
// local storage is. An empty client shares the origin wide record.
func Key(origin, client string) string {
	if client == "" {
		return origin
	}
	return origin + "|" + client
}

// ErrStorageUnavailable marks a failed read or write of the persisted record.
var ErrStorageUnavailable = errors.New("session storage unavailable")

// Mirror is one page's view of the store. After the first storage failure it
// keeps the record in memory only, for the rest of its lifetime.
type Mirror struct {
	key   string
	store Store

	mu          sync.Mutex
	unavailable bool
	memory      *Record
}

func NewMirror(store Store, key string) *Mirror {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Mirror{key: key, store: store}
}

func (m *Mirror) Key() string {
	return m.key
}

// Unavailable reports whether the mirror fell back to memory.
func (m *Mirror) Unavailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unavailable
}

func (m *Mirror) fallback(err error) error {
	if !m.unavailable {
		log.Warnf("session store for %s unavailable, keeping session in memory:%v", m.key, err)
	}
	m.unavailable = true
	return errors.Wrap(ErrStorageUnavailable, err.Error())
}

// Load returns the persisted record, or the in-memory one after a fallback.
func (m *Mirror) Load(ctx context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return copyRecord(m.memory), nil
	}
	r, err := m.store.Load(ctx, m.key)
	if err != nil {
		return nil, m.fallback(err)
	}
	m.memory = copyRecord(r)
	return r, nil
}

// Save writes r. The error only signals that the write was degraded to memory.
func (m *Mirror) Save(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory = &r
	if m.unavailable {
		return nil
	}
	if err := m.store.Save(ctx, m.key, r); err != nil {
		return m.fallback(err)
	}
	return nil
}

// Clear removes the record.
func (m *Mirror) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory = nil
	if m.unavailable {
		return nil
	}
	if err := m.store.Clear(ctx, m.key); err != nil {
		return m.fallback(err)
	}
	return nil
}

func copyRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// MemoryStore keeps records for the process lifetime.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, found := s.records[key]
	if !found {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = r
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
