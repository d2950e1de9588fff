package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ernie/squad-tracker/internal/config"
	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/metrics"
	"github.com/ernie/squad-tracker/internal/notify"
	"github.com/ernie/squad-tracker/internal/verify"
)

// EventHandler observes every accepted event
type EventHandler func(domain.RawEvent)

// StateHandler observes connection state transitions
type StateHandler func(domain.StateChange)

// EventSink receives events for persistence
type EventSink interface {
	AddEvent(ev domain.RawEvent)
}

// ChatMatcher completes account links from in-game chat
type ChatMatcher interface {
	Match(ctx context.Context, code, serverID string, speaker domain.PlayerRef) (*domain.LinkedIdentity, error)
}

// Options wires a ServerManager
type Options struct {
	Servers   []config.ServerConfig
	Reconnect config.ReconnectConfig
	Buffer    EventSink
	Relay     ChatMatcher
	Publisher *notify.Publisher
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// ServerManager keeps one Socket.IO session per configured game server
type ServerManager struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	mu    sync.RWMutex
	base  context.Context
	conns map[string]*Connection
	order []string

	handlerMu     sync.RWMutex
	eventHandlers []EventHandler
	stateHandlers []StateHandler

	wg sync.WaitGroup
}

// NewServerManager creates a manager. Reconnect defaults match the config loader.
func NewServerManager(opts Options) *ServerManager {
	if opts.Reconnect.Delay == 0 {
		opts.Reconnect.Delay = 30 * time.Second
	}
	if opts.Reconnect.MaxAttempts == 0 {
		opts.Reconnect.MaxAttempts = 10
	}
	if opts.Reconnect.HandshakeTimeout == 0 {
		opts.Reconnect.HandshakeTimeout = 20 * time.Second
	}
	m := &ServerManager{
		opts:  opts,
		log:   opts.Logger,
		now:   opts.Now,
		base:  context.Background(),
		conns: make(map[string]*Connection),
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// OnEvent registers a handler called on the server's read goroutine
func (m *ServerManager) OnEvent(h EventHandler) {
	m.handlerMu.Lock()
	m.eventHandlers = append(m.eventHandlers, h)
	m.handlerMu.Unlock()
}

// OnStateChange registers a handler for connected, disconnected and pending transitions
func (m *ServerManager) OnStateChange(h StateHandler) {
	m.handlerMu.Lock()
	m.stateHandlers = append(m.stateHandlers, h)
	m.handlerMu.Unlock()
}

// Start connects every configured server concurrently. Servers that fail
// their first attempt keep retrying in the background.
func (m *ServerManager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	var g errgroup.Group
	for _, srv := range m.opts.Servers {
		g.Go(func() error {
			if _, err := m.Connect(ctx, srv); err != nil {
				m.log.Error().Err(err).Str("server", srv.ID).Msg("initial connection failed, will retry")
			}
			return nil
		})
	}
	g.Wait()

	connected := 0
	for _, st := range m.Status() {
		if st.State == domain.StateConnected {
			connected++
		}
	}
	m.log.Info().Msgf("%d/%d servers connected", connected, len(m.opts.Servers))
	return nil
}

// Connect opens a session to srv and returns once the first attempt has
// succeeded or failed. On failure the connection keeps retrying and the
// returned error describes the first attempt. An already connected server
// is returned as is.
func (m *ServerManager) Connect(ctx context.Context, srv config.ServerConfig) (*Connection, error) {
	if srv.ID == "" {
		return nil, errors.New("server id is required")
	}
	if u, err := url.Parse(srv.URL); err != nil || u.Host == "" {
		return nil, fmt.Errorf("server %s: invalid url %q", srv.ID, srv.URL)
	}

	m.mu.Lock()
	existing := m.conns[srv.ID]
	if existing != nil && existing.State() == domain.StateConnected {
		m.mu.Unlock()
		m.log.Warn().Str("server", srv.ID).Msg("server already connected")
		return existing, nil
	}
	conn := newConnection(m, srv)
	cctx, cancel := context.WithCancel(m.base)
	conn.cancel = cancel
	if existing == nil {
		m.order = append(m.order, srv.ID)
	}
	m.conns[srv.ID] = conn
	m.mu.Unlock()

	if existing != nil {
		existing.shutdown()
	}

	m.wg.Add(1)
	go conn.run(cctx)

	select {
	case err := <-conn.first:
		return conn, err
	case <-ctx.Done():
		return conn, ctx.Err()
	}
}

// DisconnectAll closes every session and stops all reconnects
func (m *ServerManager) DisconnectAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, id := range m.order {
		conns = append(conns, m.conns[id])
	}
	m.conns = make(map[string]*Connection)
	m.order = nil
	m.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	m.wg.Wait()
	m.log.Info().Int("servers", len(conns)).Msg("disconnected from all servers")
}

// Stop is DisconnectAll, for symmetry with the other components
func (m *ServerManager) Stop() {
	m.DisconnectAll()
}

// Status returns the live view of every server, in configuration order
func (m *ServerManager) Status() []domain.ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]domain.ServerStatus, 0, len(m.order))
	for _, id := range m.order {
		statuses = append(statuses, m.conns[id].Status())
	}
	return statuses
}

func (m *ServerManager) emitState(sc domain.StateChange) {
	m.opts.Metrics.ServerConnected(sc.ServerID, sc.State == domain.StateConnected)
	m.opts.Publisher.StateChanged(sc)

	m.handlerMu.RLock()
	handlers := m.stateHandlers
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(sc)
	}
}

// dispatch tags an inbound event and routes it. Runs on the server's read goroutine.
func (m *ServerManager) dispatch(ctx context.Context, c *Connection, name string, data json.RawMessage) {
	kind, ok := domain.ParseEventKind(name)
	if !ok {
		c.log.Debug().Str("event", name).Msg("ignoring unknown event")
		return
	}

	now := m.now()
	ev := domain.NewRawEvent(kind, c.cfg.ID, data, now)
	c.touch(now)
	m.opts.Metrics.EventReceived(c.cfg.ID, string(kind))
	c.log.Debug().Str("kind", string(kind)).Str("event_id", ev.ID).Msg("event received")

	if kind == domain.KindChatMessage {
		m.routeChat(ctx, c, ev)
	}

	switch {
	case c.cfg.LogStatsEnabled():
		if m.opts.Buffer != nil {
			m.opts.Buffer.AddEvent(ev)
		}
	case kind != domain.KindChatMessage:
		return
	}

	m.handlerMu.RLock()
	handlers := m.eventHandlers
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// routeChat hands a possible verification code straight to the relay so
// links complete without waiting for a buffer flush
func (m *ServerManager) routeChat(ctx context.Context, c *Connection, ev domain.RawEvent) {
	if m.opts.Relay == nil {
		return
	}
	var p domain.ChatPayload
	if err := domain.Decode(ev, &p); err != nil {
		c.log.Debug().Err(err).Msg("undecodable chat message")
		return
	}
	c.log.Info().Str("chat", p.Chat).Str("name", p.Name).Str("message", p.Message).Msg("chat message")

	code, ok := verify.ExtractCode(p.Message)
	if !ok {
		return
	}
	link, err := m.opts.Relay.Match(ctx, code, c.cfg.ID, p.SpeakerRef())
	switch {
	case err == nil:
		c.log.Info().Str("requester", link.RequesterID).Str("steam_id", link.SteamID).Msg("verification code matched")
	case errors.Is(err, verify.ErrNotFound), errors.Is(err, verify.ErrExpired), errors.Is(err, verify.ErrInvalidCode):
		c.log.Debug().Err(err).Str("code", code).Msg("verification code not matched")
	default:
		c.log.Warn().Err(err).Str("code", code).Msg("matching verification code")
	}
}

// Connection is one server's session and reconnect loop
type Connection struct {
	m   *ServerManager
	cfg config.ServerConfig
	log zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	first  chan error
	once   sync.Once

	mu     sync.Mutex
	status domain.ServerStatus
}

func newConnection(m *ServerManager, srv config.ServerConfig) *Connection {
	return &Connection{
		m:     m,
		cfg:   srv,
		log:   m.log.With().Str("server", srv.ID).Logger(),
		done:  make(chan struct{}),
		first: make(chan error, 1),
		status: domain.ServerStatus{
			ID:       srv.ID,
			URL:      srv.URL,
			State:    domain.StateDisconnected,
			LogStats: srv.LogStatsEnabled(),
		},
	}
}

// ID is the configured server id
func (c *Connection) ID() string { return c.cfg.ID }

// State is the current connection state
func (c *Connection) State() domain.ServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

// Status returns a snapshot of the connection
func (c *Connection) Status() domain.ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Connection) reportFirst(err error) {
	c.once.Do(func() { c.first <- err })
}

func (c *Connection) run(ctx context.Context) {
	defer c.m.wg.Done()
	defer close(c.done)
	defer c.reportFirst(context.Canceled)

	cfg := c.m.opts.Reconnect
	attempts := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(domain.StateDisconnected, attempts, nil)
			c.log.Info().Msg("disconnected")
			return
		}
		if connected {
			attempts = 0
		}

		attempts++
		if attempts > cfg.MaxAttempts {
			c.setState(domain.StatePending, attempts-1, err)
			c.log.Error().Err(err).Int("attempts", attempts-1).Msg("max reconnection attempts reached, server pending")
			return
		}

		c.setState(domain.StateDisconnected, attempts, err)
		c.m.opts.Metrics.ReconnectAttempt(c.cfg.ID)
		c.log.Warn().Err(err).
			Int("attempt", attempts).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("delay", cfg.Delay).
			Msg("reconnecting")

		timer := time.NewTimer(cfg.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.setState(domain.StateDisconnected, attempts, nil)
			return
		}
	}
}

// session dials and reads until the session ends, reporting whether it got connected
func (c *Connection) session(ctx context.Context) (bool, error) {
	client, err := dialSocket(ctx, c.cfg.URL, c.cfg.Token, c.m.opts.Reconnect.HandshakeTimeout)
	if err != nil {
		c.reportFirst(err)
		return false, err
	}

	now := c.m.now()
	c.mu.Lock()
	c.status.ConnectedAt = &now
	c.status.LastError = ""
	c.mu.Unlock()
	c.setState(domain.StateConnected, 0, nil)
	c.log.Info().Str("url", c.cfg.URL).Str("sid", client.sid).Msg("connected")
	c.reportFirst(nil)

	stop := context.AfterFunc(ctx, func() { client.close() })
	defer stop()

	for {
		name, data, err := client.readEvent()
		if errors.Is(err, ErrMalformedFrame) {
			c.m.opts.Metrics.MalformedFrame(c.cfg.ID)
			c.log.Warn().Err(err).Msg("skipping malformed event frame")
			continue
		}
		if err != nil {
			client.conn.Close()
			return true, err
		}
		c.m.dispatch(ctx, c, name, data)
	}
}

func (c *Connection) setState(state domain.ServerState, attempt int, cause error) {
	c.mu.Lock()
	prev := c.status.State
	c.status.State = state
	c.status.Attempts = attempt
	if cause != nil {
		c.status.LastError = cause.Error()
	}
	if state != domain.StateConnected {
		c.status.ConnectedAt = nil
	}
	c.mu.Unlock()

	if prev == state {
		return
	}
	sc := domain.StateChange{ServerID: c.cfg.ID, State: state, Attempt: attempt, At: c.m.now().UTC()}
	if cause != nil {
		sc.Error = cause.Error()
	}
	c.m.emitState(sc)
}

func (c *Connection) touch(at time.Time) {
	c.mu.Lock()
	c.status.LastEventAt = &at
	c.status.Events++
	c.mu.Unlock()
}
