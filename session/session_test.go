package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/STNx99/webbuilderver2-sub001/document"
	"github.com/STNx99/webbuilderver2-sub001/presence"
	"github.com/STNx99/webbuilderver2-sub001/transport"
	"github.com/STNx99/webbuilderver2-sub001/wire"
)

// scriptServer is a hand-driven coordination server: it sends a sync on
// join and lets the test push arbitrary frames and inspect received ones.
type scriptServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	initial  document.Snapshot

	mu       sync.Mutex
	conn     *websocket.Conn
	received []wire.Message
}

func newScriptServer(t *testing.T, initial document.Snapshot) (*scriptServer, *httptest.Server) {
	s := &scriptServer{t: t, initial: initial}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *scriptServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.push(wire.SyncMessage{Elements: s.initial})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
	}
}

func (s *scriptServer) push(msg wire.Message) {
	data, err := wire.Encode(msg)
	require.NoError(s.t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		require.NoError(s.t, s.conn.WriteMessage(websocket.TextMessage, data))
	}
}

func (s *scriptServer) updates() []wire.UpdateMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.UpdateMessage
	for _, m := range s.received {
		if u, ok := m.(wire.UpdateMessage); ok {
			out = append(out, u)
		}
	}
	return out
}

func testSessionSettings(srv *httptest.Server) *Settings {
	settings := DefaultSettings("ws" + strings.TrimPrefix(srv.URL, "http"))
	settings.Debounce = 10 * time.Millisecond
	settings.GuardWindow = 30 * time.Millisecond
	settings.Transport.BackoffBase = 10 * time.Millisecond
	settings.Transport.JitterMax = 5 * time.Millisecond
	settings.Transport.RecycleInterval = 0
	settings.Presence.CursorThrottle = 0
	settings.Presence.CursorThreshold = 0
	return settings
}

func newTestSession(t *testing.T, srv *httptest.Server, callbacks Callbacks) *Session {
	t.Helper()
	token := func(context.Context) (string, error) { return "tok", nil }
	s, err := NewSession("r1", Identity{UserID: "u1", Name: "Ann"},
		token, transport.NewRegistry(), nil, testSessionSettings(srv), callbacks, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRequiresPrerequisites(t *testing.T) {
	token := func(context.Context) (string, error) { return "tok", nil }
	registry := transport.NewRegistry()
	settings := DefaultSettings("ws://example.invalid")

	_, err := NewSession("", Identity{UserID: "u1"}, token, registry, nil, settings, Callbacks{}, nil)
	assert.Error(t, err, "room id is a local prerequisite for connecting")

	_, err = NewSession("r1", Identity{}, token, registry, nil, settings, Callbacks{}, nil)
	assert.Error(t, err, "resolved user identity is a local prerequisite")
}

func TestSessionJoinSync(t *testing.T) {
	initial := document.Snapshot{{ID: "a", Type: document.TypeSection}}
	_, srv := newScriptServer(t, initial)

	var mu sync.Mutex
	var states []State
	s := newTestSession(t, srv, Callbacks{OnState: func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}})

	assert.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateSynced, s.State())

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID)

	wantFP, err := initial.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, wantFP, s.Fingerprint())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateSynced}, states)
}

func TestSessionBroadcastsLocalEdit(t *testing.T) {
	server, srv := newScriptServer(t, document.Snapshot{})
	s := newTestSession(t, srv, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Insert(context.Background(), "", document.Element{ID: "sec-1", Type: document.TypeSection}))

	require.Eventually(t, func() bool { return len(server.updates()) == 1 },
		time.Second, 5*time.Millisecond)
	got := server.updates()[0].Elements
	require.Len(t, got, 1)
	assert.Equal(t, "sec-1", got[0].ID)
}

func TestSessionNoSelfEcho(t *testing.T) {
	server, srv := newScriptServer(t, document.Snapshot{})
	s := newTestSession(t, srv, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Insert(context.Background(), "", document.Element{ID: "sec-1", Type: document.TypeSection}))
	require.Eventually(t, func() bool { return len(server.updates()) == 1 },
		time.Second, 5*time.Millisecond)

	// The server relays the client's own update back; the client must not
	// re-apply it or re-broadcast it.
	fpBefore := s.Fingerprint()
	server.push(wire.UpdateMessage{Elements: server.updates()[0].Elements})

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, server.updates(), 1, "echo must not trigger another outbound update")
	assert.Equal(t, fpBefore, s.Fingerprint())
}

func TestSessionAppliesRemoteUpdate(t *testing.T) {
	server, srv := newScriptServer(t, document.Snapshot{})

	var mu sync.Mutex
	var remoteSnaps []document.Snapshot
	s := newTestSession(t, srv, Callbacks{OnSnapshot: func(snap document.Snapshot, remote bool) {
		if remote {
			mu.Lock()
			remoteSnaps = append(remoteSnaps, snap)
			mu.Unlock()
		}
	}})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	incoming := document.Snapshot{{ID: "b", Type: document.TypeContainer}}
	server.push(wire.UpdateMessage{Elements: incoming})

	require.Eventually(t, func() bool {
		return s.Snapshot().FindElement("b") != nil
	}, time.Second, 5*time.Millisecond)

	// The remote apply reaches the host but never the change detector.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, server.updates())
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(remoteSnaps), 2, "sync and update both notify the host")
}

func TestSessionLastWriteWins(t *testing.T) {
	server, srv := newScriptServer(t, document.Snapshot{})
	s := newTestSession(t, srv, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	// The client produces S1 concurrently with another participant's S2;
	// the server sequences S2 last, so S2 is the final state everywhere.
	require.NoError(t, s.Insert(context.Background(), "", document.Element{ID: "s1", Type: document.TypeSection}))
	require.Eventually(t, func() bool { return len(server.updates()) == 1 },
		time.Second, 5*time.Millisecond)

	s2 := document.Snapshot{{ID: "s2", Type: document.TypeSection}}
	server.push(wire.UpdateMessage{Elements: s2})

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.FindElement("s2") != nil && snap.FindElement("s1") == nil
	}, time.Second, 5*time.Millisecond)

	wantFP, err := s2.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, wantFP, s.Fingerprint())
}

// flakyBackend fails a configurable number of writes, standing in for a
// persistence error in the document backend.
type flakyBackend struct {
	mu    sync.Mutex
	fails int
	inner *document.MemoryBackend
}

func (b *flakyBackend) failNext() {
	b.mu.Lock()
	b.fails++
	b.mu.Unlock()
}

func (b *flakyBackend) Load(ctx context.Context, snap document.Snapshot) error {
	b.mu.Lock()
	if b.fails > 0 {
		b.fails--
		b.mu.Unlock()
		return errors.New("write failed")
	}
	b.mu.Unlock()
	return b.inner.Load(ctx, snap)
}

func (b *flakyBackend) Snapshot(ctx context.Context) (document.Snapshot, error) {
	return b.inner.Snapshot(ctx)
}

func (b *flakyBackend) Close() error { return b.inner.Close() }

func TestSessionRetransmitAfterFailedApply(t *testing.T) {
	server, srv := newScriptServer(t, document.Snapshot{})
	backend := &flakyBackend{inner: document.NewMemoryBackend()}

	token := func(context.Context) (string, error) { return "tok", nil }
	s, err := NewSession("r1", Identity{UserID: "u1", Name: "Ann"},
		token, transport.NewRegistry(), backend, testSessionSettings(srv), Callbacks{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	incoming := document.Snapshot{{ID: "b", Type: document.TypeContainer}}
	backend.failNext()
	server.push(wire.UpdateMessage{Elements: incoming})

	time.Sleep(100 * time.Millisecond)
	require.Nil(t, s.Snapshot().FindElement("b"), "a failed write must not surface")

	// The identical snapshot arrives again; it must apply now instead of
	// being discarded as an echo of the failed attempt.
	server.push(wire.UpdateMessage{Elements: incoming})
	require.Eventually(t, func() bool {
		return s.Snapshot().FindElement("b") != nil
	}, time.Second, 5*time.Millisecond)
}

func TestSessionRejectsInvalidRemoteSnapshot(t *testing.T) {
	initial := document.Snapshot{{ID: "a", Type: document.TypeSection}}
	server, srv := newScriptServer(t, initial)
	s := newTestSession(t, srv, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	// Duplicate ids fail validation; the local tree keeps its last good
	// state instead of corrupting.
	bad := document.Snapshot{
		{ID: "x", Type: document.TypeSection},
		{ID: "x", Type: document.TypeSection},
	}
	server.push(wire.UpdateMessage{Elements: bad})

	time.Sleep(100 * time.Millisecond)
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID)
}

func TestSessionPresenceFlow(t *testing.T) {
	server, srv := newScriptServer(t, document.Snapshot{})

	var mu sync.Mutex
	var rosterSizes []int
	s := newTestSession(t, srv, Callbacks{OnPresence: func(others []presence.Entry) {
		mu.Lock()
		rosterSizes = append(rosterSizes, len(others))
		mu.Unlock()
	}})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	server.push(wire.CursorMoveMessage{UserID: "u2", X: 7, Y: 8})
	require.Eventually(t, func() bool { return len(s.Others()) == 1 },
		time.Second, 5*time.Millisecond)
	require.NotNil(t, s.Others()[0].Cursor)
	assert.Equal(t, 7.0, s.Others()[0].Cursor.X)

	server.push(wire.UserDisconnectMessage{UserID: "u2"})
	require.Eventually(t, func() bool { return len(s.Others()) == 0 },
		time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, rosterSizes)
}

func TestSessionPresenceSendsWhileSynced(t *testing.T) {
	server, srv := newScriptServer(t, document.Snapshot{})
	s := newTestSession(t, srv, Callbacks{})

	// Before connecting, presence frames are dropped, not queued.
	s.SetCursor(1, 1)
	s.SetSelection("el-1")

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	s.SetCursor(5, 5)
	s.SetSelection("el-2")

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		moves, selects := 0, 0
		for _, m := range server.received {
			switch m.(type) {
			case wire.CursorMoveMessage:
				moves++
			case wire.ElementSelectedMessage:
				selects++
			}
		}
		return moves == 1 && selects == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSessionServerError(t *testing.T) {
	server, srv := newScriptServer(t, document.Snapshot{})

	var mu sync.Mutex
	var errs []error
	s := newTestSession(t, srv, Callbacks{OnError: func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	server.push(wire.ErrorMessage{Error: "room is over capacity"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, transport.CodeServerError, transport.CodeOf(errs[0]))
	assert.True(t, s.Synced(), "a soft server error keeps the connection")
}

func TestSessionDisconnectReturnsToIdle(t *testing.T) {
	_, srv := newScriptServer(t, document.Snapshot{})
	s := newTestSession(t, srv, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)

	s.Disconnect()
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.Synced())

	// Local editing keeps working offline.
	require.NoError(t, s.Insert(context.Background(), "", document.Element{ID: "off-1", Type: document.TypeSection}))
	assert.NotNil(t, s.Snapshot().FindElement("off-1"))
}
