package identity

import (
	"context"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/singleflight"
	"moff.io/moff-connect/pkg/common"
	"moff.io/moff-connect/pkg/concurrent"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
	"strings"
	"sync"
	"time"
)

// Lookup is the remote name service. Both calls are best effort; an empty
// result with a nil error means no record.
type Lookup interface {
	LookupName(ctx context.Context, address string) (string, error)
	LookupAvatar(ctx context.Context, name string) (string, error)
}

type State int

const (
	Pending State = iota
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Entry is the cached identity of one lowercased address.
type Entry struct {
	Address string
	Name    string
	Avatar  string
	State   State
	// Err is why the entry failed, nil otherwise.
	Err error
}

// Empty reports whether there is nothing to display beyond the address.
func (in Entry) Empty() bool {
	return in.Name == ""
}

var ErrNoName = errors.New("no name record")

type Options struct {
	// Timeout bounds one resolution, name and avatar together.
	Timeout time.Duration
	// Concurrency caps simultaneous resolutions hitting the lookup.
	Concurrency int
	// RatePerSecond throttles upstream calls; zero disables throttling.
	RatePerSecond int
}

// Resolver caches identities and coalesces concurrent lookups per address.
type Resolver struct {
	lookup  Lookup
	timeout time.Duration
	slots   concurrent.Limiter
	rate    ratelimit.Limiter

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewResolver(lookup Lookup, opts Options) *Resolver {
	rate := ratelimit.NewUnlimited()
	if opts.RatePerSecond > 0 {
		rate = ratelimit.New(opts.RatePerSecond)
	}
	return &Resolver{
		lookup:  lookup,
		timeout: opts.Timeout,
		slots:   concurrent.NewLimiter(opts.Concurrency),
		rate:    rate,
		entries: make(map[string]*Entry),
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Peek returns the cached entry without resolving.
func (r *Resolver) Peek(address string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.entries[normalize(address)]
	if !found {
		return Entry{}, false
	}
	return *e, true
}

// Resolve returns the identity of address. Settled entries are served from
// cache; callers arriving while a lookup is pending join it. Failures end up
// as a Failed entry with no name, never as an error. If ctx ends first the
// caller gets a Pending entry and the shared lookup keeps running.
func (r *Resolver) Resolve(ctx context.Context, address string) Entry {
	key := normalize(address)
	if key == "" {
		return Entry{State: Failed, Err: errors.New("empty address")}
	}

	// The cache check and joining the flight happen under one lock; the flight
	// stores its result under the same lock, so a late caller either sees the
	// settled entry or joins the still registered flight.
	r.mu.Lock()
	if e, found := r.entries[key]; found && e.State != Pending {
		cp := *e
		r.mu.Unlock()
		return cp
	}
	if _, found := r.entries[key]; !found {
		r.entries[key] = &Entry{Address: key, State: Pending}
	}
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.resolve(key), nil
	})
	r.mu.Unlock()

	select {
	case res := <-ch:
		return res.Val.(Entry)
	case <-ctx.Done():
		return Entry{Address: key, State: Pending, Err: ctx.Err()}
	}
}

func (r *Resolver) resolve(key string) Entry {
	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	entry := r.lookupEntry(ctx, key)

	r.mu.Lock()
	r.entries[key] = &entry
	r.mu.Unlock()

	if entry.State == Failed {
		log.Debugf("identity of %s not resolved:%v", common.ShortAddress(key), entry.Err)
	} else {
		log.Debugf("identity of %s resolved to %s", common.ShortAddress(key), entry.Name)
	}
	return entry
}

func (r *Resolver) lookupEntry(ctx context.Context, key string) Entry {
	entry := Entry{Address: key, State: Failed}
	if err := r.slots.AddContext(ctx); err != nil {
		entry.Err = errors.Wrap(err, "wait lookup slot")
		return entry
	}
	defer r.slots.Done()

	r.rate.Take()
	name, err := r.lookup.LookupName(ctx, key)
	if err != nil {
		entry.Err = errors.Wrap(err, "lookup name")
		return entry
	}
	if name == "" {
		entry.Err = ErrNoName
		return entry
	}
	entry.Name = name
	entry.State = Resolved

	r.rate.Take()
	avatar, err := r.lookup.LookupAvatar(ctx, name)
	if err != nil {
		// the name alone is still worth showing
		log.Debugf("avatar of %s not resolved:%v", name, err)
		return entry
	}
	entry.Avatar = avatar
	return entry
}
