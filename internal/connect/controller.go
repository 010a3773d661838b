package connect

import (
	"context"
	"encoding/json"
	"go.uber.org/atomic"
	"moff.io/moff-connect/internal/chains"
	"moff.io/moff-connect/internal/identity"
	"moff.io/moff-connect/internal/provider"
	"moff.io/moff-connect/internal/session"
	"moff.io/moff-connect/pkg/common"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
	"strings"
	"sync"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// Error is transient, the controller settles in Disconnected right after.
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	}
	return "unknown"
}

var ErrClosed = errors.New("controller closed")

var ErrNotStarted = errors.New("controller not started")

var pushKinds = []provider.EventKind{
	provider.EventAccountsChanged,
	provider.EventChainChanged,
	provider.EventDisconnect,
}

type Options struct {
	// Origin keys the persisted session and tags every event.
	Origin    string
	Registry  *provider.Registry
	Validator *chains.Validator
	// Resolver is optional; without it no identity is looked up.
	Resolver *identity.Resolver
	Session  *session.Mirror
	Emitter  Emitter
	// RequestTimeout bounds each wallet request; zero waits forever.
	RequestTimeout time.Duration
}

// Controller drives the connection of one page. Every state change runs on a
// single loop goroutine; wallet requests and identity lookups run beside it
// and post their results back.
type Controller struct {
	origin    string
	registry  *provider.Registry
	validator *chains.Validator
	resolver  *identity.Resolver
	mirror    *session.Mirror
	emitter   Emitter
	timeout   time.Duration
	log       *log.Entry

	tasks     chan func()
	quit      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// owned by the loop
	state          State
	sess           session.Session
	active         *provider.Record
	listener       *pushListener
	generation     uint64
	clock          uint64
	reconnectTried bool
	deferred       string
}

func New(opts Options) *Controller {
	if opts.Registry == nil {
		opts.Registry = provider.NewRegistry()
	}
	if opts.Validator == nil {
		opts.Validator, _ = chains.NewValidator(chains.Defaults())
	}
	if opts.Session == nil {
		opts.Session = session.NewMirror(nil, opts.Origin)
	}
	if opts.Emitter == nil {
		opts.Emitter = EmitterFunc(func(Event) {})
	}
	c := &Controller{
		origin:    opts.Origin,
		registry:  opts.Registry,
		validator: opts.Validator,
		resolver:  opts.Resolver,
		mirror:    opts.Session,
		emitter:   opts.Emitter,
		timeout:   opts.RequestTimeout,
		log:       log.WithFields(log.Fields{"origin": opts.Origin}),
		tasks:     make(chan func(), 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.registry.OnRegister(c.onRegister)
	return c
}

// Start runs the loop until ctx ends or Close is called.
func (c *Controller) Start(ctx context.Context) {
	if !c.started.CAS(false, true) {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.loop()
	go func() {
		select {
		case <-c.ctx.Done():
			c.Close()
		case <-c.quit:
		}
	}()
}

// Close stops the loop and drops wallet subscriptions. The persisted session
// is kept.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	if c.started.Load() {
		<-c.done
	}
}

func (c *Controller) loop() {
	defer close(c.done)
	defer c.cancel()
	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.quit:
			c.unsubscribe()
			return
		}
	}
}

func (c *Controller) post(fn func()) error {
	select {
	case c.tasks <- fn:
		return nil
	case <-c.quit:
		return ErrClosed
	}
}

// await runs start on the loop and waits until it calls finish.
func (c *Controller) await(ctx context.Context, start func(finish func(error))) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	res := make(chan error, 1)
	finish := func(err error) {
		select {
		case res <- err:
		default:
		}
	}
	if err := c.post(func() { start(finish) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		<-c.done
		return ErrClosed
	}
}

// State returns the current connection state, Disconnected before Start.
func (c *Controller) State() State {
	s := Disconnected
	_ = c.await(context.Background(), func(finish func(error)) {
		s = c.state
		finish(nil)
	})
	return s
}

// Session returns a copy of the current session, empty before Start.
func (c *Controller) Session() session.Session {
	var s session.Session
	_ = c.await(context.Background(), func(finish func(error)) {
		s = c.sess
		finish(nil)
	})
	return s
}

// SelectProvider connects to the registered provider id, prompting the user.
// Selecting while connected tears the current connection down first.
func (c *Controller) SelectProvider(ctx context.Context, id string) error {
	return c.await(ctx, func(finish func(error)) {
		c.selectProvider(ctx, id, finish)
	})
}

func (c *Controller) selectProvider(ctx context.Context, id string, finish func(error)) {
	if c.state == Connecting {
		finish(newErrorf(KindAlreadyConnecting, "selection of %s ignored", id))
		return
	}
	rec, found := c.registry.Find(id)
	if !found {
		finish(newErrorf(KindProviderNotFound, "provider %s is not registered", id))
		return
	}
	c.deferred = ""
	if c.state == Connected {
		c.teardown(true)
	}
	gen := c.bump()
	c.setState(Connecting)
	c.log.Infof("connecting to %s", rec)
	go func() {
		accounts, chainID, err := c.handshake(ctx, rec, provider.MethodRequestAccounts)
		_ = c.post(func() {
			c.finishConnect(gen, rec, accounts, chainID, err, false, finish)
		})
	}()
}

// ReconnectFromSession restores the persisted connection without prompting.
// Only the first call per controller does anything. When the persisted
// provider has not announced itself yet, the attempt is deferred until it does.
func (c *Controller) ReconnectFromSession(ctx context.Context) error {
	return c.await(ctx, func(finish func(error)) {
		c.reconnectFromSession(ctx, finish)
	})
}

func (c *Controller) reconnectFromSession(ctx context.Context, finish func(error)) {
	if c.reconnectTried {
		finish(nil)
		return
	}
	c.reconnectTried = true
	if c.state != Disconnected {
		finish(nil)
		return
	}
	r, err := c.mirror.Load(ctx)
	if err != nil {
		c.emitError(newError(KindStorageUnavailable, err))
	}
	if r == nil {
		finish(nil)
		return
	}
	rec, found := c.registry.Find(r.ProviderID)
	if !found {
		c.log.Infof("provider %s of stored session not announced yet, deferring reconnection", r.ProviderID)
		c.deferred = r.ProviderID
		finish(nil)
		return
	}
	c.startReconnect(ctx, rec, finish)
}

func (c *Controller) onRegister(rec *provider.Record) {
	_ = c.post(func() {
		if c.deferred == "" || c.deferred != rec.ID() {
			return
		}
		c.deferred = ""
		if c.state != Disconnected {
			return
		}
		c.startReconnect(c.ctx, rec, func(error) {})
	})
}

func (c *Controller) startReconnect(ctx context.Context, rec *provider.Record, finish func(error)) {
	gen := c.bump()
	c.setState(Reconnecting)
	c.log.Infof("reconnecting to %s", rec)
	go func() {
		accounts, chainID, err := c.handshake(ctx, rec, provider.MethodAccounts)
		_ = c.post(func() {
			c.finishConnect(gen, rec, accounts, chainID, err, true, finish)
		})
	}()
}

// handshake reads the accounts with method and, when there is at least one,
// the chain id. An empty account list is returned without error.
func (c *Controller) handshake(ctx context.Context, rec *provider.Record, method string) ([]string, string, error) {
	raw, err := c.request(ctx, rec, method)
	if err != nil {
		return nil, "", requestError(err)
	}
	accounts, err := provider.DecodeAccounts(raw)
	if err != nil {
		return nil, "", newError(KindRequestFailed, err)
	}
	if len(accounts) == 0 {
		return accounts, "", nil
	}
	raw, err = c.request(ctx, rec, provider.MethodChainID)
	if err != nil {
		return nil, "", requestError(err)
	}
	chainID, err := provider.DecodeChainID(raw)
	if err != nil {
		return nil, "", newError(KindRequestFailed, err)
	}
	return accounts, chainID, nil
}

func (c *Controller) finishConnect(gen uint64, rec *provider.Record, accounts []string, chainID string, err error, reconnect bool, finish func(error)) {
	if gen != c.generation {
		c.log.Debugf("dropping superseded connection result of %s", rec)
		if reconnect {
			finish(nil)
		} else {
			finish(newErrorf(KindRequestFailed, "connection to %s superseded", rec))
		}
		return
	}
	if err == nil && len(accounts) == 0 {
		if reconnect {
			c.log.Infof("%s no longer authorizes this origin, clearing stored session", rec)
			if err := c.mirror.Clear(c.ctx); err != nil {
				c.emitError(newError(KindStorageUnavailable, err))
			}
			c.setState(Disconnected)
			finish(nil)
			return
		}
		err = newErrorf(KindRequestFailed, "%s returned no accounts", rec)
	}
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = newError(KindRequestFailed, err)
		}
		c.setState(Error)
		c.emitError(e)
		c.setState(Disconnected)
		finish(e)
		return
	}
	c.establish(rec, accounts[0], chainID)
	finish(nil)
}

func (c *Controller) establish(rec *provider.Record, address, chainID string) {
	c.clock++
	c.active = rec
	c.sess = session.Session{
		ProviderID:  rec.ID(),
		Address:     address,
		ChainID:     chainID,
		ConnectedAt: c.clock,
	}
	c.persist()
	c.subscribe(rec)
	cls := c.validator.Classify(chainID)
	c.setState(Connected)
	c.log.Infof("connected to %s as %s on %s", rec, common.ShortAddress(address), chainID)
	c.emit(Event{
		Type:     EventConnected,
		Provider: rec.ID(),
		Address:  address,
		ChainID:  chainID,
		Allowed:  Allow(cls.Allowed),
		Network:  networkName(cls),
	})
	c.resolveIdentity(address)
}

// Disconnect ends the connection from any state. Revocation is attempted in
// the background and its failure only reported.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.await(ctx, func(finish func(error)) {
		c.teardown(true)
		finish(nil)
	})
}

func (c *Controller) teardown(revoke bool) {
	c.bump()
	rec := c.active
	c.unsubscribe()
	c.active = nil
	c.sess = session.Session{}
	c.deferred = ""
	if err := c.mirror.Clear(c.ctx); err != nil {
		c.emitError(newError(KindStorageUnavailable, err))
	}
	c.setState(Disconnected)
	e := Event{Type: EventDisconnected}
	if rec != nil {
		e.Provider = rec.ID()
		c.log.Infof("disconnected from %s", rec)
	}
	c.emit(e)
	if revoke && rec != nil {
		go c.revoke(rec)
	}
}

func (c *Controller) revoke(rec *provider.Record) {
	_, err := c.request(c.ctx, rec, provider.MethodRevokePermissions, map[string]interface{}{
		"eth_accounts": map[string]interface{}{},
	})
	if err == nil {
		return
	}
	_ = c.post(func() {
		c.emitError(newError(KindRevocationFailed, err))
	})
}

// SwitchNetwork asks the connected wallet to move to the network under key.
// The session only changes once the wallet pushes chainChanged.
func (c *Controller) SwitchNetwork(ctx context.Context, key string) error {
	var (
		rec *provider.Record
		cfg chains.NetworkConfig
	)
	err := c.await(ctx, func(finish func(error)) {
		if c.state != Connected || c.active == nil {
			finish(newErrorf(KindProviderNotFound, "no connected provider"))
			return
		}
		network, found := c.validator.Network(key)
		if !found {
			finish(newErrorf(KindNetworkSwitchFailed, "unknown network %q", key))
			return
		}
		if !network.Allowed {
			finish(newErrorf(KindNetworkSwitchFailed, "network %q is not allowed", key))
			return
		}
		rec, cfg = c.active, network
		finish(nil)
	})
	if err != nil {
		return err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.validator.SwitchTo(ctx, rec.Handle, cfg); err != nil {
		return newError(KindNetworkSwitchFailed, err)
	}
	return nil
}

type pushListener struct {
	c *Controller
}

func (l *pushListener) OnProviderEvent(kind provider.EventKind, payload json.RawMessage) {
	_ = l.c.post(func() {
		l.c.onPush(l, kind, payload)
	})
}

func (c *Controller) subscribe(rec *provider.Record) {
	c.listener = &pushListener{c: c}
	for _, kind := range pushKinds {
		rec.Handle.Subscribe(kind, c.listener)
	}
}

func (c *Controller) unsubscribe() {
	if c.listener == nil || c.active == nil {
		return
	}
	for _, kind := range pushKinds {
		c.active.Handle.Unsubscribe(kind, c.listener)
	}
	c.listener = nil
}

func (c *Controller) onPush(l *pushListener, kind provider.EventKind, payload json.RawMessage) {
	if l != c.listener || c.state != Connected {
		c.log.Debugf("dropping %s push from a stale subscription", kind)
		return
	}
	switch kind {
	case provider.EventAccountsChanged:
		accounts, err := provider.DecodeAccounts(payload)
		if err != nil {
			c.log.Warnf("bad accountsChanged payload:%v", err)
			return
		}
		if len(accounts) == 0 {
			c.teardown(false)
			return
		}
		address := accounts[0]
		if strings.EqualFold(address, c.sess.Address) {
			return
		}
		c.sess.Address = address
		c.log.Infof("account changed to %s", common.ShortAddress(address))
		c.emit(Event{Type: EventAccountChanged, Provider: c.active.ID(), Address: address})
		c.resolveIdentity(address)
	case provider.EventChainChanged:
		chainID, err := provider.DecodeChainID(payload)
		if err != nil {
			c.log.Warnf("bad chainChanged payload:%v", err)
			return
		}
		c.sess.ChainID = chainID
		c.persist()
		cls := c.validator.Classify(chainID)
		c.log.Infof("chain changed to %s, allowed:%v", chainID, cls.Allowed)
		c.emit(Event{
			Type:     EventChainChanged,
			Provider: c.active.ID(),
			ChainID:  chainID,
			Allowed:  Allow(cls.Allowed),
			Network:  networkName(cls),
		})
	case provider.EventDisconnect:
		c.teardown(false)
	default:
		c.log.Debugf("ignoring %s push", kind)
	}
}

func (c *Controller) resolveIdentity(address string) {
	if c.resolver == nil {
		return
	}
	gen, ctx := c.generation, c.ctx
	go func() {
		entry := c.resolver.Resolve(ctx, address)
		if entry.State == identity.Pending {
			return
		}
		_ = c.post(func() {
			if gen != c.generation || !strings.EqualFold(c.sess.Address, address) {
				return
			}
			if entry.State == identity.Failed && !errors.Is(entry.Err, identity.ErrNoName) {
				c.emitError(newError(KindIdentityResolutionFailed, entry.Err))
				return
			}
			c.emit(Event{
				Type:     EventIdentityResolved,
				Provider: c.sess.ProviderID,
				Address:  address,
				Name:     entry.Name,
				Avatar:   entry.Avatar,
			})
		})
	}()
}

func (c *Controller) persist() {
	if err := c.mirror.Save(c.ctx, c.sess.Record()); err != nil {
		c.emitError(newError(KindStorageUnavailable, err))
	}
}

func (c *Controller) request(ctx context.Context, rec *provider.Record, method string, params ...interface{}) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return rec.Handle.Request(ctx, method, params...)
}

func (c *Controller) bump() uint64 {
	c.generation++
	return c.generation
}

func (c *Controller) setState(s State) {
	if c.state != s {
		c.log.Debugf("state %s -> %s", c.state, s)
	}
	c.state = s
}

func (c *Controller) emit(e Event) {
	e.Origin = c.origin
	c.emitter.Emit(e)
}

func (c *Controller) emitError(e *Error) {
	c.log.Warnf("%v", e)
	c.emit(Event{Type: EventError, Kind: e.Kind, Detail: e.Detail})
}

func networkName(cls chains.Classification) string {
	if cls.Config == nil {
		return ""
	}
	return cls.Config.Name
}
