package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ernie/squad-tracker/internal/config"
	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/verify"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeServer speaks enough Socket.IO v4 to stand in for SquadJS
type fakeServer struct {
	srv    *httptest.Server
	token  string
	reject string // body of the 44 packet

	mu       sync.Mutex
	dials    int
	accepted int
	conns    []*websocket.Conn
	received []string
}

func newFakeServer(t *testing.T, token string) *fakeServer {
	t.Helper()
	fs := &fakeServer{token: token, reject: `{"message":"Invalid token"}`}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.NotFound(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	fs.mu.Lock()
	fs.dials++
	fs.mu.Unlock()

	conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"eio1","upgrades":[],"pingInterval":25000,"pingTimeout":20000}`))
	_, msg, err := conn.ReadMessage()
	if err != nil || !strings.HasPrefix(string(msg), "40") {
		return
	}
	var auth struct {
		Token string `json:"token"`
	}
	json.Unmarshal(msg[2:], &auth)
	if auth.Token != fs.token {
		fs.mu.Lock()
		reject := fs.reject
		fs.mu.Unlock()
		conn.WriteMessage(websocket.TextMessage, []byte("44"+reject))
		return
	}
	// registered before the ack so tests can send as soon as Connect returns
	fs.mu.Lock()
	fs.accepted++
	fs.conns = append(fs.conns, conn)
	conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"sio1"}`))
	fs.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.received = append(fs.received, string(msg))
		fs.mu.Unlock()
	}
}

// send writes a raw frame to the newest session
func (fs *fakeServer) send(t *testing.T, frame string) {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(t, fs.conns)
	require.NoError(t, fs.conns[len(fs.conns)-1].WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (fs *fakeServer) emit(t *testing.T, name, data string) {
	fs.send(t, `42["`+name+`",`+data+`]`)
}

func (fs *fakeServer) drop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n := len(fs.conns); n > 0 {
		fs.conns[n-1].Close()
	}
}

func (fs *fakeServer) counts() (dials, accepted int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dials, fs.accepted
}

func (fs *fakeServer) got(frame string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, m := range fs.received {
		if m == frame {
			return true
		}
	}
	return false
}

func (fs *fakeServer) Close() {
	fs.mu.Lock()
	for _, c := range fs.conns {
		c.Close()
	}
	fs.mu.Unlock()
	fs.srv.Close()
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.RawEvent
}

func (s *fakeSink) AddEvent(ev domain.RawEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *fakeSink) all() []domain.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RawEvent(nil), s.events...)
}

type matchCall struct {
	code, serverID string
	speaker        domain.PlayerRef
}

type fakeMatcher struct {
	mu    sync.Mutex
	calls []matchCall
}

func (f *fakeMatcher) Match(_ context.Context, code, serverID string, speaker domain.PlayerRef) (*domain.LinkedIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, matchCall{code, serverID, speaker})
	if code == "ZZZZZZ" {
		return nil, verify.ErrNotFound
	}
	return &domain.LinkedIdentity{RequesterID: "d1", SteamID: speaker.SteamID}, nil
}

func (f *fakeMatcher) all() []matchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]matchCall(nil), f.calls...)
}

type stateLog struct {
	mu     sync.Mutex
	states []domain.ServerState
}

func (l *stateLog) record(sc domain.StateChange) {
	l.mu.Lock()
	l.states = append(l.states, sc.State)
	l.mu.Unlock()
}

func (l *stateLog) all() []domain.ServerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ServerState(nil), l.states...)
}

func newTestManager(sink EventSink, relay ChatMatcher, reconnect config.ReconnectConfig) *ServerManager {
	if reconnect.Delay == 0 {
		reconnect.Delay = time.Hour
	}
	if reconnect.HandshakeTimeout == 0 {
		reconnect.HandshakeTimeout = 2 * time.Second
	}
	return NewServerManager(Options{
		Reconnect: reconnect,
		Buffer:    sink,
		Relay:     relay,
		Logger:    zerolog.Nop(),
	})
}

func boolPtr(b bool) *bool { return &b }

func TestSocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://host:3000", want: "ws://host:3000/socket.io/?EIO=4&transport=websocket"},
		{in: "wss://host/", want: "wss://host/socket.io/?EIO=4&transport=websocket"},
		{in: "http://host:3000/squad", want: "ws://host:3000/squad/socket.io/?EIO=4&transport=websocket"},
		{in: "https://host", want: "wss://host/socket.io/?EIO=4&transport=websocket"},
		{in: "ftp://host", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := socketURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	name, data, err := decodeEvent([]byte(`["PLAYER_DIED",{"victimName":"V"}]`))
	require.NoError(t, err)
	assert.Equal(t, "PLAYER_DIED", name)
	assert.JSONEq(t, `{"victimName":"V"}`, string(data))

	name, _, err = decodeEvent([]byte(`17["CHAT_MESSAGE",{}]`))
	require.NoError(t, err)
	assert.Equal(t, "CHAT_MESSAGE", name, "ack id is skipped")

	_, data, err = decodeEvent([]byte(`["NEW_GAME"]`))
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	_, _, err = decodeEvent([]byte(`{"not":"an array"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, _, err = decodeEvent([]byte(`[42,{}]`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEventsAreTaggedAndBuffered(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()

	sink := &fakeSink{}
	states := &stateLog{}
	m := newTestManager(sink, nil, config.ReconnectConfig{})
	m.OnStateChange(states.record)
	var observed []string
	var obsMu sync.Mutex
	m.OnEvent(func(ev domain.RawEvent) {
		obsMu.Lock()
		observed = append(observed, ev.ID)
		obsMu.Unlock()
	})
	defer m.Stop()

	conn, err := m.Connect(context.Background(), config.ServerConfig{ID: "7", URL: fs.srv.URL, Token: "secret"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, conn.State())

	payload := `{"victim":{"steamID":"7656","name":"Victor"},"weapon":"BP_M4","damage":42.5}`
	fs.emit(t, "NOT_A_SQUAD_EVENT", `{}`)
	fs.emit(t, "PLAYER_WOUNDED", payload)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, time.Millisecond)
	ev := sink.all()[0]
	assert.Equal(t, domain.KindPlayerWounded, ev.Kind)
	assert.Equal(t, "7", ev.ServerID)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.ArrivalTime.IsZero())
	assert.Equal(t, payload, string(ev.Payload), "payload bytes are preserved")

	obsMu.Lock()
	assert.Equal(t, []string{ev.ID}, observed)
	obsMu.Unlock()

	st := m.Status()
	require.Len(t, st, 1)
	assert.Equal(t, domain.StateConnected, st[0].State)
	assert.EqualValues(t, 1, st[0].Events)
	assert.Equal(t, []domain.ServerState{domain.StateConnected}, states.all())

	m.DisconnectAll()
	assert.Empty(t, m.Status())
	assert.Equal(t, []domain.ServerState{domain.StateConnected, domain.StateDisconnected}, states.all())
}

func TestChatRoutedWhenStatsDisabled(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()

	sink, relay := &fakeSink{}, &fakeMatcher{}
	m := newTestManager(sink, relay, config.ReconnectConfig{})
	defer m.Stop()

	_, err := m.Connect(context.Background(), config.ServerConfig{ID: "2", URL: fs.srv.URL, Token: "secret", LogStats: boolPtr(false)})
	require.NoError(t, err)

	fs.emit(t, "PLAYER_DIED", `{"victim":{"steamID":"1"}}`)
	fs.emit(t, "CHAT_MESSAGE", `{"chat":"ChatAll","message":"gg","steamID":"1","name":"A"}`)
	fs.emit(t, "CHAT_MESSAGE", `{"chat":"ChatAll","message":"!link abc123","steamID":"7656","eosID":"e1","name":"B"}`)

	require.Eventually(t, func() bool { return len(relay.all()) == 1 }, time.Second, time.Millisecond)
	call := relay.all()[0]
	assert.Equal(t, "ABC123", call.code)
	assert.Equal(t, "2", call.serverID)
	assert.Equal(t, "7656", call.speaker.SteamID)
	assert.Equal(t, "e1", call.speaker.EOSID)

	// events before the code were read first, so nothing was buffered
	assert.Empty(t, sink.all())
}

func TestChatBufferedAndRouted(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()

	sink, relay := &fakeSink{}, &fakeMatcher{}
	m := newTestManager(sink, relay, config.ReconnectConfig{})
	defer m.Stop()

	_, err := m.Connect(context.Background(), config.ServerConfig{ID: "1", URL: fs.srv.URL, Token: "secret"})
	require.NoError(t, err)

	fs.emit(t, "CHAT_MESSAGE", `{"message":"ZZZZZZ","steamID":"1","name":"A"}`)
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, time.Millisecond)
	assert.Len(t, relay.all(), 1)
}

func TestAuthRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()

	m := newTestManager(&fakeSink{}, nil, config.ReconnectConfig{})
	defer m.Stop()

	conn, err := m.Connect(context.Background(), config.ServerConfig{ID: "1", URL: fs.srv.URL, Token: "wrong"})
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Contains(t, err.Error(), "Invalid token")
	require.NotNil(t, conn)

	require.Eventually(t, func() bool { return conn.Status().Attempts == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.StateDisconnected, conn.State())
	assert.NotEmpty(t, conn.Status().LastError)
}

func TestUnparseableRejectionIsReported(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()
	fs.mu.Lock()
	fs.reject = `token expired`
	fs.mu.Unlock()

	m := newTestManager(&fakeSink{}, nil, config.ReconnectConfig{})
	defer m.Stop()

	_, err := m.Connect(context.Background(), config.ServerConfig{ID: "1", URL: fs.srv.URL, Token: "wrong"})
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Contains(t, err.Error(), "token expired")
}

func TestMalformedFrameKeepsSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()

	sink := &fakeSink{}
	states := &stateLog{}
	m := newTestManager(sink, nil, config.ReconnectConfig{Delay: 10 * time.Millisecond, MaxAttempts: 3})
	m.OnStateChange(states.record)
	defer m.Stop()

	_, err := m.Connect(context.Background(), config.ServerConfig{ID: "1", URL: fs.srv.URL, Token: "secret"})
	require.NoError(t, err)

	fs.send(t, `42["PLAYER_WOUNDED",{"victim":`)
	fs.send(t, `42[17,{}]`)
	fs.emit(t, "PLAYER_WOUNDED", `{"victim":{"steamID":"1"}}`)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	dials, accepted := fs.counts()
	assert.Equal(t, 1, dials, "bad frames do not end the session")
	assert.Equal(t, 1, accepted)
	assert.Equal(t, []domain.ServerState{domain.StateConnected}, states.all())
	assert.EqualValues(t, 1, m.Status()[0].Events)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()

	states := &stateLog{}
	m := newTestManager(&fakeSink{}, nil, config.ReconnectConfig{Delay: 5 * time.Millisecond, MaxAttempts: 2})
	m.OnStateChange(states.record)
	defer m.Stop()

	conn, err := m.Connect(context.Background(), config.ServerConfig{ID: "1", URL: fs.srv.URL, Token: "wrong"})
	require.Error(t, err)

	require.Eventually(t, func() bool { return conn.State() == domain.StatePending }, 2*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	dials, _ := fs.counts()
	assert.Equal(t, 3, dials, "first attempt plus two reconnects")
	assert.Equal(t, []domain.ServerState{domain.StatePending}, states.all())

	// connecting again, here with a fixed token, leaves pending
	conn, err = m.Connect(context.Background(), config.ServerConfig{ID: "1", URL: fs.srv.URL, Token: "secret"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, conn.State())
}

func TestReconnectsAfterDrop(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()

	states := &stateLog{}
	m := newTestManager(&fakeSink{}, nil, config.ReconnectConfig{Delay: 5 * time.Millisecond, MaxAttempts: 3})
	m.OnStateChange(states.record)
	defer m.Stop()

	_, err := m.Connect(context.Background(), config.ServerConfig{ID: "1", URL: fs.srv.URL, Token: "secret"})
	require.NoError(t, err)

	fs.drop()
	require.Eventually(t, func() bool {
		_, accepted := fs.counts()
		return accepted == 2 && len(states.all()) == 3
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []domain.ServerState{domain.StateConnected, domain.StateDisconnected, domain.StateConnected}, states.all())
	assert.Zero(t, m.Status()[0].Attempts, "a successful connect resets the attempt count")
}

func TestPingIsAnswered(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()

	m := newTestManager(&fakeSink{}, nil, config.ReconnectConfig{})
	defer m.Stop()

	_, err := m.Connect(context.Background(), config.ServerConfig{ID: "1", URL: fs.srv.URL, Token: "secret"})
	require.NoError(t, err)

	fs.send(t, "2")
	require.Eventually(t, func() bool { return fs.got("3") }, time.Second, time.Millisecond)
}

func TestConnectTwiceReturnsExisting(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeServer(t, "secret")
	defer fs.Close()

	m := newTestManager(&fakeSink{}, nil, config.ReconnectConfig{})
	defer m.Stop()

	srv := config.ServerConfig{ID: "1", URL: fs.srv.URL, Token: "secret"}
	first, err := m.Connect(context.Background(), srv)
	require.NoError(t, err)
	second, err := m.Connect(context.Background(), srv)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, accepted := fs.counts()
	assert.Equal(t, 1, accepted)
}

func TestStartConnectsAllServers(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := newFakeServer(t, "ta"), newFakeServer(t, "tb")
	defer a.Close()
	defer b.Close()

	m := NewServerManager(Options{
		Servers: []config.ServerConfig{
			{ID: "a", URL: a.srv.URL, Token: "ta"},
			{ID: "b", URL: b.srv.URL, Token: "bad"},
		},
		Reconnect: config.ReconnectConfig{Delay: time.Hour, HandshakeTimeout: 2 * time.Second},
		Logger:    zerolog.Nop(),
	})
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	st := m.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "a", st[0].ID)
	assert.Equal(t, domain.StateConnected, st[0].State)
	assert.Equal(t, domain.StateDisconnected, st[1].State)
}

func TestConnectValidatesConfig(t *testing.T) {
	m := newTestManager(&fakeSink{}, nil, config.ReconnectConfig{})
	_, err := m.Connect(context.Background(), config.ServerConfig{URL: "ws://host"})
	assert.Error(t, err)
	_, err = m.Connect(context.Background(), config.ServerConfig{ID: "1", URL: "::bad"})
	assert.Error(t, err)
}
