package connect

import (
	"encoding/json"
	"sync"
)

type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventAccountChanged   EventType = "accountChanged"
	EventChainChanged     EventType = "chainChanged"
	EventError            EventType = "error"
	EventIdentityResolved EventType = "identityResolved"
)

// Event is what the controller tells the UI. Only the fields of its type are
// set; Allowed is only carried by connected and chainChanged.
type Event struct {
	Type     EventType `json:"type"`
	Origin   string    `json:"origin,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Address  string    `json:"address,omitempty"`
	ChainID  string    `json:"chainId,omitempty"`
	Allowed  *bool     `json:"allowed,omitempty"`
	Network  string    `json:"network,omitempty"`
	Name     string    `json:"name,omitempty"`
	Avatar   string    `json:"avatar,omitempty"`
	Kind     Kind      `json:"kind,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Allow returns a value for Event.Allowed.
func Allow(allowed bool) *bool {
	return &allowed
}

func (e Event) Serialize() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Emitter receives events on the controller loop and must not block.
type Emitter interface {
	Emit(e Event)
}

type EmitterFunc func(e Event)

func (f EmitterFunc) Emit(e Event) {
	f(e)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Emitters fans an event out to every non nil emitter in order.
func Emitters(emitters ...Emitter) Emitter {
	out := make(multiEmitter, 0, len(emitters))
	for _, em := range emitters {
		if em != nil {
			out = append(out, em)
		}
	}
	return out
}

// Recorder keeps every event, for tests and debugging.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
