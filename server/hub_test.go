package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/STNx99/webbuilderver2-sub001/document"
	"github.com/STNx99/webbuilderver2-sub001/server"
	"github.com/STNx99/webbuilderver2-sub001/session"
	"github.com/STNx99/webbuilderver2-sub001/transport"
	"github.com/STNx99/webbuilderver2-sub001/wire"
)

func startHub(t *testing.T, settings *server.Settings) (*server.Hub, string) {
	t.Helper()
	hub := server.NewHub(settings, nil)
	srv := httptest.NewServer(server.NewHandler(hub, nil).Router())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab"
}

// dialSession connects a full client engine to the hub. The raw token doubles
// as the user id in unauthenticated mode.
func dialSession(t *testing.T, baseURL, roomID, userID string, registry *transport.Registry, callbacks session.Callbacks) *session.Session {
	t.Helper()
	settings := session.DefaultSettings(baseURL)
	settings.Debounce = 10 * time.Millisecond
	settings.GuardWindow = 30 * time.Millisecond
	settings.Transport.BackoffBase = 10 * time.Millisecond
	settings.Transport.JitterMax = 5 * time.Millisecond
	settings.Transport.RecycleInterval = 0
	settings.Presence.CursorThrottle = 0
	settings.Presence.CursorThreshold = 0

	token := func(context.Context) (string, error) { return userID, nil }
	s, err := session.NewSession(roomID, session.Identity{UserID: userID, Name: userID},
		token, registry, nil, settings, callbacks, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.Synced, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestHubTwoSessionsConverge(t *testing.T) {
	_, baseURL := startHub(t, nil)
	registry := transport.NewRegistry()

	alice := dialSession(t, baseURL, "room-1", "alice", registry, session.Callbacks{})
	bob := dialSession(t, baseURL, "room-1", "bob", registry, session.Callbacks{})

	require.NoError(t, alice.Insert(context.Background(), "", document.Element{ID: "sec-1", Type: document.TypeSection}))

	require.Eventually(t, func() bool {
		return bob.Snapshot().FindElement("sec-1") != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, alice.Fingerprint(), bob.Fingerprint())

	// And back the other way.
	require.NoError(t, bob.Insert(context.Background(), "sec-1", document.Element{
		ID: "txt-1", Type: document.TypeText, ParentID: "sec-1",
	}))
	require.Eventually(t, func() bool {
		return alice.Snapshot().FindElement("txt-1") != nil &&
			alice.Fingerprint() == bob.Fingerprint()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubConcurrentEditsConverge(t *testing.T) {
	_, baseURL := startHub(t, nil)
	registry := transport.NewRegistry()

	alice := dialSession(t, baseURL, "room-1", "alice", registry, session.Callbacks{})
	bob := dialSession(t, baseURL, "room-1", "bob", registry, session.Callbacks{})

	// Both edit before seeing each other's change. Whole-snapshot broadcast
	// means the later-sequenced update wins; both replicas must still agree.
	require.NoError(t, alice.Insert(context.Background(), "", document.Element{ID: "a-1", Type: document.TypeSection}))
	require.NoError(t, bob.Insert(context.Background(), "", document.Element{ID: "b-1", Type: document.TypeSection}))

	require.Eventually(t, func() bool {
		fp := alice.Fingerprint()
		return fp == bob.Fingerprint() && fp != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubLateJoinerGetsSnapshot(t *testing.T) {
	_, baseURL := startHub(t, nil)
	registry := transport.NewRegistry()

	alice := dialSession(t, baseURL, "room-1", "alice", registry, session.Callbacks{})
	require.NoError(t, alice.Insert(context.Background(), "", document.Element{ID: "sec-1", Type: document.TypeSection}))
	require.Eventually(t, func() bool {
		return alice.Snapshot().FindElement("sec-1") != nil
	}, time.Second, 10*time.Millisecond)

	// Give the broadcast a moment to be sequenced before the join.
	time.Sleep(100 * time.Millisecond)

	bob := dialSession(t, baseURL, "room-1", "bob", registry, session.Callbacks{})
	require.Eventually(t, func() bool {
		return bob.Snapshot().FindElement("sec-1") != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubPresenceRelay(t *testing.T) {
	_, baseURL := startHub(t, nil)
	registry := transport.NewRegistry()

	alice := dialSession(t, baseURL, "room-1", "alice", registry, session.Callbacks{})
	bob := dialSession(t, baseURL, "room-1", "bob", registry, session.Callbacks{})

	// The join roster reaches both sides.
	require.Eventually(t, func() bool {
		return len(alice.Others()) == 1 && len(bob.Others()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "bob", alice.Others()[0].UserID)

	alice.SetCursor(42, 17)
	require.Eventually(t, func() bool {
		others := bob.Others()
		return len(others) == 1 && others[0].Cursor != nil && others[0].Cursor.X == 42
	}, 2*time.Second, 10*time.Millisecond)

	alice.SetSelection("sec-1")
	require.Eventually(t, func() bool {
		others := bob.Others()
		return len(others) == 1 && others[0].SelectedID == "sec-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubUserDisconnectCleanup(t *testing.T) {
	_, baseURL := startHub(t, nil)
	registry := transport.NewRegistry()

	alice := dialSession(t, baseURL, "room-1", "alice", registry, session.Callbacks{})
	bob := dialSession(t, baseURL, "room-1", "bob", registry, session.Callbacks{})
	require.Eventually(t, func() bool { return len(bob.Others()) == 1 },
		2*time.Second, 10*time.Millisecond)

	alice.Disconnect()

	require.Eventually(t, func() bool { return len(bob.Others()) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHubRoomIsolation(t *testing.T) {
	_, baseURL := startHub(t, nil)
	registry := transport.NewRegistry()

	alice := dialSession(t, baseURL, "room-1", "alice", registry, session.Callbacks{})
	carol := dialSession(t, baseURL, "room-2", "carol", registry, session.Callbacks{})

	require.NoError(t, alice.Insert(context.Background(), "", document.Element{ID: "sec-1", Type: document.TypeSection}))

	time.Sleep(200 * time.Millisecond)
	assert.Nil(t, carol.Snapshot().FindElement("sec-1"), "updates must not cross rooms")
	assert.Empty(t, carol.Others())
}

func TestHubRejectsInvalidUpdate(t *testing.T) {
	_, baseURL := startHub(t, nil)
	conn := dialRaw(t, baseURL, "room-1", "mallory")

	readSync(t, conn)

	bad := document.Snapshot{
		{ID: "x", Type: document.TypeSection},
		{ID: "x", Type: document.TypeSection},
	}
	writeMessage(t, conn, wire.UpdateMessage{Elements: bad})

	msg := readUntil(t, conn, wire.KindError)
	assert.Contains(t, msg.(wire.ErrorMessage).Error, "invalid update")
}

func TestHubRejectsUnexpectedKind(t *testing.T) {
	_, baseURL := startHub(t, nil)
	conn := dialRaw(t, baseURL, "room-1", "mallory")

	readSync(t, conn)

	// sync is server-to-client only.
	writeMessage(t, conn, wire.SyncMessage{Elements: document.Snapshot{}})
	msg := readUntil(t, conn, wire.KindError)
	assert.Contains(t, msg.(wire.ErrorMessage).Error, "unexpected message type")
}

func TestHubIgnoresSpoofedPresence(t *testing.T) {
	_, baseURL := startHub(t, nil)
	registry := transport.NewRegistry()
	bob := dialSession(t, baseURL, "room-1", "bob", registry, session.Callbacks{})

	conn := dialRaw(t, baseURL, "room-1", "mallory")
	readSync(t, conn)

	// A cursor frame claiming another user's id is dropped, not relayed.
	writeMessage(t, conn, wire.CursorMoveMessage{UserID: "bob", X: 1, Y: 1})

	time.Sleep(200 * time.Millisecond)
	for _, other := range bob.Others() {
		if other.UserID == "mallory" {
			assert.Nil(t, other.Cursor)
		}
	}
	assert.Nil(t, bob.Snapshot().FindElement("spoof"))
}

func TestHubJWTAuth(t *testing.T) {
	secret := []byte("test-secret")
	settings := server.DefaultSettings()
	settings.JWTSecret = secret
	_, baseURL := startHub(t, settings)

	t.Run("missing token rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(baseURL+"/room/room-1", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(baseURL+"/room/room-1?token=not-a-jwt", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		tok, err := server.MintToken([]byte("other-secret"), "alice", "", "", time.Minute)
		require.NoError(t, err)
		_, resp, err := websocket.DefaultDialer.Dial(baseURL+"/room/room-1?token="+tok, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("minted token accepted", func(t *testing.T) {
		tok, err := server.MintToken(secret, "alice", "Alice", "#ff0000", time.Minute)
		require.NoError(t, err)
		conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/room/room-1?token="+tok, nil)
		require.NoError(t, err)
		defer conn.Close()

		readSync(t, conn)
		state := readUntil(t, conn, wire.KindCurrentState).(wire.CurrentStateMessage)
		require.Contains(t, state.Users, "alice")
		assert.Equal(t, "Alice", state.Users["alice"].Name)
		assert.Equal(t, "#ff0000", state.Users["alice"].Color)
	})
}

func TestHubBridgeFanOut(t *testing.T) {
	hub, baseURL := startHub(t, nil)
	registry := transport.NewRegistry()
	alice := dialSession(t, baseURL, "room-1", "alice", registry, session.Callbacks{})

	// An update sequenced by another node reaches local clients unchanged.
	remote := document.Snapshot{{ID: "from-peer", Type: document.TypeSection}}
	hub.InjectRemote("room-1", remote)

	require.Eventually(t, func() bool {
		return alice.Snapshot().FindElement("from-peer") != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func dialRaw(t *testing.T, baseURL, roomID, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/room/"+roomID+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readSync(t *testing.T, conn *websocket.Conn) wire.SyncMessage {
	t.Helper()
	return readUntil(t, conn, wire.KindSync).(wire.SyncMessage)
}

// readUntil discards frames until one of the wanted kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind wire.Kind) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		if msg.Kind() == kind {
			return msg
		}
	}
}
