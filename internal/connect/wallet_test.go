package connect

import (
	"context"
	"encoding/json"
	"moff.io/moff-connect/internal/provider"
	"sync"
)

// fakeWallet is a scripted wallet handle.
type fakeWallet struct {
	mu         sync.Mutex
	accounts   []string
	authorized []string
	chainID    string
	errs       map[string]error
	gates      map[string]chan struct{}
	calls      []string
	params     map[string][]interface{}
	listeners  map[provider.EventKind][]provider.Listener
}

func newFakeWallet(accounts []string, chainID string) *fakeWallet {
	return &fakeWallet{
		accounts:   accounts,
		authorized: accounts,
		chainID:    chainID,
		errs:       make(map[string]error),
		gates:      make(map[string]chan struct{}),
		params:     make(map[string][]interface{}),
		listeners:  make(map[provider.EventKind][]provider.Listener),
	}
}

func (w *fakeWallet) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	w.mu.Lock()
	w.calls = append(w.calls, method)
	w.params[method] = params
	gate := w.gates[method]
	w.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.errs[method]; err != nil {
		return nil, err
	}
	switch method {
	case provider.MethodRequestAccounts:
		return json.Marshal(w.accounts)
	case provider.MethodAccounts:
		return json.Marshal(w.authorized)
	case provider.MethodChainID:
		return json.Marshal(w.chainID)
	}
	return json.RawMessage("null"), nil
}

func (w *fakeWallet) Subscribe(kind provider.EventKind, l provider.Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[kind] = append(w.listeners[kind], l)
}

func (w *fakeWallet) Unsubscribe(kind provider.EventKind, l provider.Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ls := w.listeners[kind]
	for i := range ls {
		if ls[i] == l {
			w.listeners[kind] = append(ls[:i], ls[i+1:]...)
			return
		}
	}
}

func (w *fakeWallet) push(kind provider.EventKind, payload string) {
	w.mu.Lock()
	ls := append([]provider.Listener(nil), w.listeners[kind]...)
	w.mu.Unlock()
	for _, l := range ls {
		l.OnProviderEvent(kind, json.RawMessage(payload))
	}
}

func (w *fakeWallet) listenerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, ls := range w.listeners {
		n += len(ls)
	}
	return n
}

func (w *fakeWallet) called(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, m := range w.calls {
		if m == method {
			n++
		}
	}
	return n
}

func (w *fakeWallet) fail(method string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs[method] = err
}

// hold blocks method until the returned func is called.
func (w *fakeWallet) hold(method string) func() {
	gate := make(chan struct{})
	w.mu.Lock()
	w.gates[method] = gate
	w.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}
