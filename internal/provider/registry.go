package provider

import (
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"iter"
	"moff.io/moff-connect/pkg/log"
	"sync"
)

// Registry holds every wallet announced during a page lifetime, in
// announcement order. Records are never removed.
type Registry struct {
	mu       sync.RWMutex
	records  *linkedhashmap.Map
	watchers []func(*Record)
}

func NewRegistry() *Registry {
	return &Registry{
		records: linkedhashmap.New(),
	}
}

// Register inserts r if its id is unseen and reports whether it was added.
// Watchers run after insertion, outside the lock, only for new records.
func (in *Registry) Register(r *Record) bool {
	if r == nil || r.ID() == "" {
		return false
	}
	in.mu.Lock()
	if _, found := in.records.Get(r.ID()); found {
		in.mu.Unlock()
		log.Debugf("provider %v already registered, ignoring announcement", r)
		return false
	}
	in.records.Put(r.ID(), r)
	watchers := make([]func(*Record), len(in.watchers))
	copy(watchers, in.watchers)
	in.mu.Unlock()

	log.Infof("discovered provider %v", r)
	for _, w := range watchers {
		w(r)
	}
	return true
}

// OnRegister calls fn for every record added from now on.
func (in *Registry) OnRegister(fn func(*Record)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.watchers = append(in.watchers, fn)
}

func (in *Registry) Find(id string) (*Record, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	v, found := in.records.Get(id)
	if !found {
		return nil, false
	}
	return v.(*Record), true
}

// FindByName returns the first registered record with the given name.
func (in *Registry) FindByName(name string) (*Record, bool) {
	for r := range in.All() {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

func (in *Registry) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.records.Size()
}

// All yields the records known when iteration starts, in registration order.
// The sequence can be ranged over any number of times.
func (in *Registry) All() iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		in.mu.RLock()
		values := in.records.Values()
		in.mu.RUnlock()
		for _, v := range values {
			if !yield(v.(*Record)) {
				return
			}
		}
	}
}
