// Package session owns one messaging client per user and tracks its
// authentication lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashureev/wa-scheduler/internal/domain"
	"github.com/ashureev/wa-scheduler/internal/lock"
	"github.com/ashureev/wa-scheduler/internal/messaging"
	"github.com/ashureev/wa-scheduler/internal/telemetry"
)

const (
	// reservedUserID is what clients fall back to when they have no identity.
	reservedUserID = "default"

	eventBuffer = 64
)

var (
	errSessionClosed = errors.New("session removed during initialization")
	errClientLost    = errors.New("client disconnected during initialization")
)

// StateStore persists the observable session state.
type StateStore interface {
	SaveSessionState(ctx context.Context, userID string, state domain.SessionState, lastActivity time.Time) error
	GetSessionState(ctx context.Context, userID string) (*domain.SessionState, error)
	DeleteSessionState(ctx context.Context, userID string) error
}

// Publisher receives every state change after it is applied.
type Publisher interface {
	Publish(userID string, state domain.SessionState)
}

// Config tunes the manager.
type Config struct {
	// InitRetries is the number of connect attempts before Ensure gives up.
	InitRetries int
	// InitTimeout bounds one whole construction, lock wait included.
	InitTimeout time.Duration
	// RetryInterval is the first delay between connect attempts.
	RetryInterval time.Duration
	// StateCacheTTL is how long store reads are served from memory.
	StateCacheTTL time.Duration
	// PersistTimeout bounds each best-effort state write.
	PersistTimeout time.Duration
	// LockTTL is the lease held while a client is constructed.
	LockTTL time.Duration
	// LockRetry bounds waiting for another process's construction.
	LockRetry lock.RetryPolicy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InitRetries:    3,
		InitTimeout:    2 * time.Minute,
		RetryInterval:  time.Second,
		StateCacheTTL:  30 * time.Second,
		PersistTimeout: 5 * time.Second,
		LockTTL:        30 * time.Second,
		LockRetry:      lock.DefaultRetryPolicy,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLocker guards client construction with l.
func WithLocker(l lock.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithPublisher forwards state changes to p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type construction struct {
	done   chan struct{}
	client messaging.Client
	err    error
}

type entry struct {
	state    domain.SessionState
	client   messaging.Client
	building *construction
}

// Manager guarantees at most one live messaging client per user. All state
// transitions happen under mu; client I/O never does.
type Manager struct {
	provider  messaging.Provider
	store     StateStore
	locker    lock.Locker
	publisher Publisher
	cfg       Config
	now       func() time.Time

	events chan messaging.Event
	cache  *stateCache

	mu       sync.Mutex
	sessions map[string]*entry
	dirty    map[string]struct{}

	// persistMu orders state writes against row deletion.
	persistMu sync.Mutex
	persistCh chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. Call Start before use.
func NewManager(provider messaging.Provider, store StateStore, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.InitRetries <= 0 {
		cfg.InitRetries = def.InitRetries
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = def.InitTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockRetry.MaxTries == 0 {
		cfg.LockRetry = def.LockRetry
	}

	m := &Manager{
		provider:  provider,
		store:     store,
		locker:    lock.Noop{},
		cfg:       cfg,
		now:       time.Now,
		events:    make(chan messaging.Event, eventBuffer),
		sessions:  make(map[string]*entry),
		dirty:     make(map[string]struct{}),
		persistCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cache = newStateCache(cfg.StateCacheTTL, m.now)
	return m
}

// Start runs the event loop and the persist worker until ctx is cancelled or
// Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.persistLoop(ctx)
	}()
	slog.Info("Session manager started", "init_retries", m.cfg.InitRetries)
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" || userID == reservedUserID {
		return domain.Invalid("userId", domain.ErrInvalidUserID)
	}
	return nil
}

// Ensure returns the user's live client, constructing and connecting one if
// needed. Concurrent callers for the same user share one construction.
func (m *Manager) Ensure(ctx context.Context, userID string) (messaging.Client, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	e, ok := m.sessions[userID]
	if ok && e.client != nil && e.state.IsInitialized {
		client := e.client
		m.mu.Unlock()
		return client, nil
	}
	if ok && e.building != nil {
		b := e.building
		m.mu.Unlock()
		return waitConstruction(ctx, b)
	}
	if !ok {
		e = &entry{state: domain.SessionState{Phase: domain.PhaseUninitialized, LastHeartbeat: m.now()}}
		m.sessions[userID] = e
		telemetry.SessionsResident.Set(float64(len(m.sessions)))
	}
	b := &construction{done: make(chan struct{})}
	e.building = b
	e.state.Phase = domain.PhaseConnecting
	e.state.LastError = ""
	state := m.touchLocked(userID, e)
	m.mu.Unlock()

	m.publish(userID, state)
	slog.Info("Creating messaging session", "user_id", userID)

	// The construction outlives an impatient caller so the waiters it serves
	// still get a result.
	go m.construct(context.WithoutCancel(ctx), userID, e, b)
	return waitConstruction(ctx, b)
}

func waitConstruction(ctx context.Context, b *construction) (messaging.Client, error) {
	select {
	case <-b.done:
		return b.client, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) construct(ctx context.Context, userID string, e *entry, b *construction) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	defer cancel()

	client, attempts, err := m.initClient(ctx, userID, e)

	var orphan messaging.Client
	m.mu.Lock()
	current := m.sessions[userID] == e
	if err == nil && (!current || e.client != client) {
		orphan = client
		client = nil
		err = errSessionClosed
		if current {
			err = errClientLost
		}
	}
	if err != nil {
		if current {
			e.state.Phase = domain.PhaseDisconnected
			e.state.IsInitialized = false
			e.state.LastError = err.Error()
		}
		err = &domain.SessionInitError{UserID: userID, Attempts: attempts, Err: err}
	} else {
		e.state.IsInitialized = true
	}
	e.building = nil
	b.client, b.err = client, err
	close(b.done)
	var state domain.SessionState
	if current {
		state = m.touchLocked(userID, e)
	}
	m.mu.Unlock()

	if orphan != nil {
		orphan.Destroy()
	}
	if err != nil {
		telemetry.SessionInitFailures.Inc()
		slog.Error("Failed to initialize messaging session", "user_id", userID, "attempts", attempts, "error", err)
	} else {
		slog.Info("Messaging session initialized", "user_id", userID, "attempts", attempts)
	}
	if current {
		m.publish(userID, state)
	}
}

// initClient builds and connects a client while holding the user's
// construction lease, renewing it until the client is connected. Losing the
// lease aborts the construction. The client is attached to e before
// connecting so that events it emits during the handshake are applied.
func (m *Manager) initClient(ctx context.Context, userID string, e *entry) (messaging.Client, int, error) {
	name := "session:" + userID
	token, err := lock.AcquireWithRetry(ctx, m.locker, name, m.cfg.LockTTL, m.cfg.LockRetry)
	if err != nil {
		return nil, 0, fmt.Errorf("acquire construction lock: %w", err)
	}
	defer func() {
		if err := m.locker.Release(context.WithoutCancel(ctx), name, token); err != nil {
			slog.Warn("Failed to release construction lock", "user_id", userID, "error", err)
		}
	}()

	leaseCtx, stopRenewal := lock.KeepAlive(ctx, m.locker, name, token, m.cfg.LockTTL)
	defer stopRenewal()
	ctx = leaseCtx

	client, err := m.provider.NewClient(ctx, userID, m.events)
	if err != nil {
		return nil, 0, fmt.Errorf("create client: %w", err)
	}

	m.mu.Lock()
	if m.sessions[userID] != e {
		m.mu.Unlock()
		client.Destroy()
		return nil, 0, errSessionClosed
	}
	e.client = client
	m.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInterval
	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := client.Connect(ctx); err != nil {
			slog.Warn("Connect attempt failed", "user_id", userID, "attempt", attempts, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(m.cfg.InitRetries)))
	// Connect may ignore ctx, so a lease lost mid-handshake is checked here.
	if cause := context.Cause(ctx); errors.Is(cause, lock.ErrLost) {
		err = fmt.Errorf("construction lock: %w", cause)
	}
	if err != nil {
		m.mu.Lock()
		if e.client == client {
			e.client = nil
		}
		m.mu.Unlock()
		client.Destroy()
		return nil, attempts, err
	}
	return client, attempts, nil
}

// State returns the user's session state from memory, then the short-lived
// cache, then the store. It returns nil when the user has no session. It
// never waits on a messaging client.
func (m *Manager) State(ctx context.Context, userID string) (*domain.SessionState, error) {
	m.mu.Lock()
	if e, ok := m.sessions[userID]; ok {
		state := e.state
		m.mu.Unlock()
		return &state, nil
	}
	m.mu.Unlock()

	if state, ok := m.cache.get(userID); ok {
		return &state, nil
	}

	state, err := m.store.GetSessionState(ctx, userID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load session state", Err: err}
	}
	if state == nil {
		return nil, nil
	}
	m.cache.put(userID, *state)
	return state, nil
}

// Heartbeat records activity for the user's resident session, if any.
func (m *Manager) Heartbeat(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[userID]
	if !ok {
		return
	}
	e.state.LastHeartbeat = m.now()
	m.markDirtyLocked(userID)
}

// Remove tears down the user's client and deletes the in-memory and
// persisted state. Removing an unknown user only clears the stored row.
func (m *Manager) Remove(ctx context.Context, userID string) error {
	_, err := m.remove(ctx, userID, nil)
	return err
}

// EvictIf removes the user's session only if it is still resident and its
// heartbeat equals observedHeartbeat. The check and the removal from the map
// happen under one lock, so a heartbeat that lands after the caller's
// snapshot keeps the session alive. It reports whether the session was
// removed.
func (m *Manager) EvictIf(ctx context.Context, userID string, observedHeartbeat time.Time) (bool, error) {
	return m.remove(ctx, userID, func(e *entry) bool {
		return e.state.LastHeartbeat.Equal(observedHeartbeat)
	})
}

// remove deletes the user's session. A nil cond removes unconditionally and
// clears the stored row even when nothing is resident; otherwise the entry
// must exist and satisfy cond.
func (m *Manager) remove(ctx context.Context, userID string, cond func(*entry) bool) (bool, error) {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	if cond != nil && (!ok || !cond(e)) {
		m.mu.Unlock()
		return false, nil
	}
	var client messaging.Client
	var state domain.SessionState
	if ok {
		client = e.client
		e.client = nil
		e.state.Phase = domain.PhaseDestroyed
		e.state.IsInitialized = false
		e.state.IsAuthenticated = false
		e.state.PairingChallenge = ""
		state = e.state
		delete(m.sessions, userID)
		delete(m.dirty, userID)
		telemetry.SessionsResident.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	m.cache.delete(userID)
	if client != nil {
		client.Destroy()
	}

	m.persistMu.Lock()
	err := m.store.DeleteSessionState(ctx, userID)
	m.persistMu.Unlock()

	if ok {
		slog.Info("Session removed", "user_id", userID)
		m.publish(userID, state)
	}
	if err != nil {
		return ok, &domain.PersistenceError{Op: "delete session state", Err: err}
	}
	return ok, nil
}

// Logout unlinks the user's device, when a client is live, and removes the
// session.
func (m *Manager) Logout(ctx context.Context, userID string) error {
	m.mu.Lock()
	var client messaging.Client
	if e, ok := m.sessions[userID]; ok {
		client = e.client
	}
	m.mu.Unlock()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			slog.Warn("Logout failed, removing session anyway", "user_id", userID, "error", err)
		}
	}
	return m.Remove(ctx, userID)
}

// Snapshot returns a copy of every resident session.
func (m *Manager) Snapshot() []domain.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SessionInfo, 0, len(m.sessions))
	for id, e := range m.sessions {
		out = append(out, domain.SessionInfo{UserID: id, State: e.state})
	}
	return out
}

// Shutdown disconnects every client, writes the final states and stops the
// background loops. Stored rows are kept so state survives a restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	clients := make([]messaging.Client, 0, len(m.sessions))
	for id, e := range m.sessions {
		if e.client != nil {
			clients = append(clients, e.client)
			e.client = nil
		}
		e.state.IsInitialized = false
		if e.state.Phase != domain.PhaseUninitialized {
			e.state.Phase = domain.PhaseDisconnected
		}
		m.dirty[id] = struct{}{}
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.Destroy()
	}
	m.flush(ctx)

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("Session manager stopped", "clients_closed", len(clients))
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.apply(ev)
		}
	}
}

// apply performs one event transition. Events from a client that is no longer
// the user's current client, including clients of removed sessions, are
// dropped.
func (m *Manager) apply(ev messaging.Event) {
	var challenge string
	if ev.Kind == messaging.EventPairingChallenge {
		rendered, err := RenderChallenge(ev.Challenge)
		if err != nil {
			slog.Error("Failed to render pairing challenge", "user_id", ev.UserID, "error", err)
			return
		}
		challenge = rendered
	}

	m.mu.Lock()
	e, ok := m.sessions[ev.UserID]
	if !ok || e.client == nil || e.client != ev.Client {
		m.mu.Unlock()
		slog.Debug("Dropping event from stale client", "user_id", ev.UserID, "kind", ev.Kind)
		return
	}

	var teardown messaging.Client
	s := &e.state
	switch ev.Kind {
	case messaging.EventPairingChallenge:
		if s.Phase != domain.PhaseReady {
			s.Phase = domain.PhaseAwaitingPairing
		}
		s.PairingChallenge = challenge
	case messaging.EventAuthenticated:
		s.IsAuthenticated = true
		s.PairingChallenge = ""
		if s.Phase != domain.PhaseReady {
			s.Phase = domain.PhaseAuthenticating
		}
	case messaging.EventReady:
		s.IsAuthenticated = true
		s.PairingChallenge = ""
		s.LastError = ""
		s.Phase = domain.PhaseReady
	case messaging.EventAuthFailure, messaging.EventDisconnected:
		s.IsAuthenticated = false
		s.IsInitialized = false
		s.PairingChallenge = ""
		s.LastError = ev.Reason
		s.Phase = domain.PhaseDisconnected
		teardown = e.client
		e.client = nil
	default:
		m.mu.Unlock()
		slog.Warn("Ignoring unknown session event", "user_id", ev.UserID, "kind", ev.Kind)
		return
	}
	state := m.touchLocked(ev.UserID, e)
	m.mu.Unlock()

	telemetry.SessionEvents.WithLabelValues(string(ev.Kind)).Inc()
	slog.Info("Session event applied", "user_id", ev.UserID, "kind", ev.Kind, "phase", state.Phase)
	if teardown != nil {
		teardown.Destroy()
	}
	m.publish(ev.UserID, state)
}

// touchLocked marks the entry for persistence and returns a copy of its
// state. m.mu must be held.
func (m *Manager) touchLocked(userID string, e *entry) domain.SessionState {
	m.markDirtyLocked(userID)
	return e.state
}

func (m *Manager) markDirtyLocked(userID string) {
	m.dirty[userID] = struct{}{}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.persistCh:
			m.flush(ctx)
		}
	}
}

// flush writes every dirty state. Failures are logged and counted; memory
// stays authoritative.
func (m *Manager) flush(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	batch := make(map[string]domain.SessionState, len(m.dirty))
	for id := range m.dirty {
		if e, ok := m.sessions[id]; ok {
			batch[id] = e.state
		}
	}
	clear(m.dirty)
	m.mu.Unlock()

	for id, state := range batch {
		lastActivity := state.LastHeartbeat
		if lastActivity.IsZero() {
			lastActivity = m.now()
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PersistTimeout)
		err := m.store.SaveSessionState(writeCtx, id, state, lastActivity)
		cancel()
		if err != nil {
			telemetry.PersistFailures.Inc()
			slog.Warn("Failed to persist session state", "user_id", id, "error", err)
		}
	}
}

func (m *Manager) publish(userID string, state domain.SessionState) {
	if m.publisher != nil {
		m.publisher.Publish(userID, state)
	}
}
