package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ConderL/conder-blog-sub001/internal/geo"
	"github.com/ConderL/conder-blog-sub001/internal/moderation"
	"github.com/ConderL/conder-blog-sub001/internal/presence"
	"github.com/ConderL/conder-blog-sub001/internal/protocol"
	"github.com/ConderL/conder-blog-sub001/internal/ratelimit"
	"github.com/ConderL/conder-blog-sub001/internal/segment"
	"github.com/ConderL/conder-blog-sub001/internal/settings"
	"github.com/ConderL/conder-blog-sub001/internal/ws"

	"github.com/gobwas/ws/wsutil"
)

// memStore is an in-memory Store for coordinator tests.
type memStore struct {
	mu      sync.Mutex
	seq     int
	msgs    []*Message
	saveErr error
}

func (s *memStore) Save(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.seq++
	msg.ID = fmt.Sprintf("m%d", s.seq)
	msg.CreatedAt = time.Now()
	stored := *msg
	s.msgs = append(s.msgs, &stored)
	return nil
}

func (s *memStore) FindRecent(ctx context.Context, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for i := len(s.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.msgs[i].Pending {
			continue
		}
		out = append(out, *s.msgs[i])
	}
	return out, nil
}

func (s *memStore) FindByID(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == id {
			copied := *m
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.msgs {
		if m.ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// testClient pairs a registered connection with the decoded frames its
// client end receives.
type testClient struct {
	conn   *ws.Connection
	frames <-chan map[string]interface{}
}

func newTestClient(t *testing.T, registry *ws.Registry, id, ip string) *testClient {
	t.Helper()

	server, client := net.Pipe()
	conn := &ws.Connection{
		ID:          id,
		Conn:        server,
		RemoteIP:    ip,
		ConnectedAt: time.Now(),
		LastActive:  time.Now(),
	}
	registry.Add(conn)

	frames := make(chan map[string]interface{}, 64)
	go func() {
		defer close(frames)
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				frames <- m
			}
		}
	}()

	return &testClient{conn: conn, frames: frames}
}

// await reads frames until one matches the wanted type and predicate, or
// fails the test after a timeout. Non-matching frames are discarded.
func (c *testClient) await(t *testing.T, msgType string, pred func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-c.frames:
			if !ok {
				t.Fatalf("connection %s closed while waiting for %q", c.conn.ID, msgType)
			}
			if m["type"] == msgType && (pred == nil || pred(m)) {
				return m
			}
		case <-deadline:
			t.Fatalf("connection %s timed out waiting for %q", c.conn.ID, msgType)
		}
	}
}

// awaitNone asserts that no frame of the given type arrives within the
// window.
func (c *testClient) awaitNone(t *testing.T, msgType string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case m, ok := <-c.frames:
			if !ok {
				return
			}
			if m["type"] == msgType {
				t.Fatalf("connection %s unexpectedly received %q: %v", c.conn.ID, msgType, m)
			}
		case <-deadline:
			return
		}
	}
}

type coordFixture struct {
	coordinator *Coordinator
	registry    *ws.Registry
	store       *memStore
}

func newCoordFixture(t *testing.T, defaults settings.Settings, store *memStore, adminIDs ...int64) *coordFixture {
	t.Helper()

	seg := segment.New([]string{"img.example.com"})
	filter, err := moderation.NewLocalFilter([]string{"badword"}, seg)
	require.NoError(t, err)

	// Unconfigured breaker keeps the pipeline on the local filter.
	breaker := moderation.NewBreaker(moderation.DefaultBreakerConfig(), false)
	settingsStore := settings.NewStore(nil, defaults)
	pipeline := moderation.NewPipeline(filter, nil, breaker, settingsStore)

	registry := ws.NewRegistry()
	if store == nil {
		store = &memStore{}
	}

	coordinator := NewCoordinator(
		registry,
		presence.NewTracker(nil, "https://img.example.com/default.png"),
		pipeline,
		store,
		settingsStore,
		geo.NewResolver("", 0),
		ratelimit.NewLimiter(nil),
		nil,
		adminIDs,
	)
	return &coordFixture{coordinator: coordinator, registry: registry, store: store}
}

func (f *coordFixture) connect(t *testing.T, client *testClient, h ws.Handshake) {
	t.Helper()
	f.coordinator.HandleConnect(client.conn, h)
	client.await(t, "init", nil)
	client.await(t, "history", nil)
}

func TestCoordinator_BroadcastConsistency(t *testing.T) {
	f := newCoordFixture(t, settings.Settings{}, nil)

	a := newTestClient(t, f.registry, "a", "1.1.1.1")
	b := newTestClient(t, f.registry, "b", "2.2.2.2")
	c := newTestClient(t, f.registry, "c", "3.3.3.3")
	f.connect(t, a, ws.Handshake{Nickname: "alice"})
	f.connect(t, b, ws.Handshake{Nickname: "bob"})
	f.connect(t, c, ws.Handshake{Nickname: "carol"})

	content := `hello [smile] <img src='https://img.example.com/x.png'>`
	f.coordinator.HandleChatMessage(a.conn, protocol.ChatMessageMsg{
		Type:    protocol.TypeChatMessage,
		Content: content,
	})

	gotB := b.await(t, "chat-message", nil)
	gotC := c.await(t, "chat-message", nil)

	require.Equal(t, content, gotB["content"])
	require.Equal(t, gotB["content"], gotC["content"])
	require.Equal(t, "alice", gotB["nickname"])
	require.Equal(t, "a", gotB["senderConnId"])

	f.coordinator.HandleOnlineCount(c.conn)
	online := c.await(t, "online", nil)
	require.EqualValues(t, 3, online["count"])
}

func TestCoordinator_MasksAndNotifiesSender(t *testing.T) {
	f := newCoordFixture(t, settings.Settings{}, nil)

	a := newTestClient(t, f.registry, "a", "1.1.1.1")
	b := newTestClient(t, f.registry, "b", "2.2.2.2")
	f.connect(t, a, ws.Handshake{})
	f.connect(t, b, ws.Handshake{})

	f.coordinator.HandleChatMessage(a.conn, protocol.ChatMessageMsg{
		Type:    protocol.TypeChatMessage,
		Content: "badword hi",
	})

	got := b.await(t, "chat-message", nil)
	require.Equal(t, "******* hi", got["content"])

	// The sender still gets the broadcast plus a private notice.
	a.await(t, "chat-message", nil)
	a.await(t, "message", func(m map[string]interface{}) bool {
		content, _ := m["content"].(string)
		return strings.Contains(content, "敏感")
	})
}

func TestCoordinator_RecallScenario(t *testing.T) {
	f := newCoordFixture(t, settings.Settings{}, nil)

	a := newTestClient(t, f.registry, "a", "1.1.1.1")
	b := newTestClient(t, f.registry, "b", "2.2.2.2")
	c := newTestClient(t, f.registry, "c", "3.3.3.3")
	f.connect(t, a, ws.Handshake{})
	f.connect(t, b, ws.Handshake{})
	f.connect(t, c, ws.Handshake{})

	f.coordinator.HandleChatMessage(a.conn, protocol.ChatMessageMsg{
		Type:    protocol.TypeChatMessage,
		Content: "first message",
	})
	sent := b.await(t, "chat-message", nil)
	id, _ := sent["id"].(string)
	require.NotEmpty(t, id)

	// B is not the sender: error to B only, no recall broadcast.
	f.coordinator.HandleRecall(b.conn, protocol.RecallMsg{MessageID: id})
	errMsg := b.await(t, "error", nil)
	require.Equal(t, "not_authorized", errMsg["code"])
	c.awaitNone(t, "recall", 200*time.Millisecond)

	// A recalls its own message: broadcast to everyone, gone from storage.
	f.coordinator.HandleRecall(a.conn, protocol.RecallMsg{MessageID: id})
	for _, client := range []*testClient{a, b, c} {
		got := client.await(t, "recall", nil)
		require.Equal(t, id, got["messageId"])
	}

	_, err := f.store.FindByID(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_AdminRecall(t *testing.T) {
	f := newCoordFixture(t, settings.Settings{}, nil, 99)

	a := newTestClient(t, f.registry, "a", "1.1.1.1")
	admin := newTestClient(t, f.registry, "adm", "2.2.2.2")
	f.connect(t, a, ws.Handshake{})
	f.connect(t, admin, ws.Handshake{UserID: 99})

	f.coordinator.HandleChatMessage(a.conn, protocol.ChatMessageMsg{
		Type:    protocol.TypeChatMessage,
		Content: "to be moderated away",
	})
	sent := a.await(t, "chat-message", nil)
	id, _ := sent["id"].(string)

	f.coordinator.HandleRecall(admin.conn, protocol.RecallMsg{MessageID: id})
	got := a.await(t, "recall", nil)
	require.Equal(t, id, got["messageId"])
}

func TestCoordinator_StorageFailureAbortsSend(t *testing.T) {
	store := &memStore{saveErr: errors.New("db down")}
	f := newCoordFixture(t, settings.Settings{}, store)

	a := newTestClient(t, f.registry, "a", "1.1.1.1")
	b := newTestClient(t, f.registry, "b", "2.2.2.2")
	f.connect(t, a, ws.Handshake{})
	f.connect(t, b, ws.Handshake{})

	f.coordinator.HandleChatMessage(a.conn, protocol.ChatMessageMsg{
		Type:    protocol.TypeChatMessage,
		Content: "hello",
	})

	errMsg := a.await(t, "error", nil)
	require.Equal(t, "storage_error", errMsg["code"])
	b.awaitNone(t, "chat-message", 200*time.Millisecond)
}

func TestCoordinator_ManualReviewHoldsMessage(t *testing.T) {
	f := newCoordFixture(t, settings.Settings{ManualReview: true}, nil)

	a := newTestClient(t, f.registry, "a", "1.1.1.1")
	b := newTestClient(t, f.registry, "b", "2.2.2.2")
	f.connect(t, a, ws.Handshake{})
	f.connect(t, b, ws.Handshake{})

	f.coordinator.HandleChatMessage(a.conn, protocol.ChatMessageMsg{
		Type:    protocol.TypeChatMessage,
		Content: "needs a human look",
	})

	a.await(t, "message", func(m map[string]interface{}) bool {
		content, _ := m["content"].(string)
		return strings.Contains(content, "审核")
	})
	b.awaitNone(t, "chat-message", 200*time.Millisecond)

	// Persisted as pending, excluded from history replay.
	recent, err := f.store.FindRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, recent)
	require.Len(t, f.store.msgs, 1)
	require.True(t, f.store.msgs[0].Pending)
}

func TestCoordinator_HistoryOldestFirst(t *testing.T) {
	f := newCoordFixture(t, settings.Settings{}, nil)

	a := newTestClient(t, f.registry, "a", "1.1.1.1")
	f.connect(t, a, ws.Handshake{})

	for i := 1; i <= 3; i++ {
		f.coordinator.HandleChatMessage(a.conn, protocol.ChatMessageMsg{
			Type:    protocol.TypeChatMessage,
			Content: fmt.Sprintf("message %d", i),
		})
		a.await(t, "chat-message", nil)
	}

	f.coordinator.HandleHistory(a.conn, protocol.GetHistoryMsg{Limit: 10})
	history := a.await(t, "history", nil)

	entries, ok := history["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, entries, 3)

	var contents []string
	for _, e := range entries {
		m := e.(map[string]interface{})
		contents = append(contents, m["content"].(string))
	}
	require.True(t, sort.StringsAreSorted(contents))
	require.Equal(t, "message 1", contents[0])
	require.Equal(t, "message 3", contents[2])
}

func TestCoordinator_DisconnectBroadcastsOnline(t *testing.T) {
	f := newCoordFixture(t, settings.Settings{}, nil)

	a := newTestClient(t, f.registry, "a", "1.1.1.1")
	b := newTestClient(t, f.registry, "b", "2.2.2.2")
	f.connect(t, a, ws.Handshake{})
	f.connect(t, b, ws.Handshake{})

	f.registry.Remove(b.conn.ID)
	f.coordinator.HandleDisconnect(b.conn)

	got := a.await(t, "online", func(m map[string]interface{}) bool {
		count, _ := m["count"].(float64)
		return int(count) == 1
	})
	require.EqualValues(t, 1, got["count"])
}
