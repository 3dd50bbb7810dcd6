package chat

import (
	"context"
	"log"
	"time"

	"github.com/ConderL/conder-blog-sub001/internal/geo"
	"github.com/ConderL/conder-blog-sub001/internal/messaging"
	"github.com/ConderL/conder-blog-sub001/internal/metrics"
	"github.com/ConderL/conder-blog-sub001/internal/moderation"
	"github.com/ConderL/conder-blog-sub001/internal/presence"
	"github.com/ConderL/conder-blog-sub001/internal/protocol"
	"github.com/ConderL/conder-blog-sub001/internal/ratelimit"
	"github.com/ConderL/conder-blog-sub001/internal/settings"
	"github.com/ConderL/conder-blog-sub001/internal/ws"
)

// defaultHistoryLimit is how many messages are replayed when the client does
// not ask for a specific amount.
const defaultHistoryLimit = 50

// maxHistoryLimit caps a client-requested history size.
const maxHistoryLimit = 200

// AuditPublisher publishes audit events for the moderation team. Implemented
// by messaging.NATSClient; a nil publisher disables auditing.
type AuditPublisher interface {
	PublishJSON(subject string, v interface{}) error
}

// Coordinator ties the transport, moderation, and storage layers together.
// All Handle methods are invoked from the sending connection's reader
// goroutine, so events from one client are processed strictly in order.
type Coordinator struct {
	registry *ws.Registry
	presence *presence.Tracker
	pipeline *moderation.Pipeline
	store    Store
	settings *settings.Store
	geo      *geo.Resolver
	limiter  *ratelimit.Limiter
	audit    AuditPublisher
	admins   map[int64]bool
}

// NewCoordinator wires the chat room's collaborators. audit may be nil.
func NewCoordinator(
	registry *ws.Registry,
	tracker *presence.Tracker,
	pipeline *moderation.Pipeline,
	store Store,
	settingsStore *settings.Store,
	resolver *geo.Resolver,
	limiter *ratelimit.Limiter,
	audit AuditPublisher,
	adminUserIDs []int64,
) *Coordinator {
	admins := make(map[int64]bool, len(adminUserIDs))
	for _, id := range adminUserIDs {
		if id > 0 {
			admins[id] = true
		}
	}
	return &Coordinator{
		registry: registry,
		presence: tracker,
		pipeline: pipeline,
		store:    store,
		settings: settingsStore,
		geo:      resolver,
		limiter:  limiter,
		audit:    audit,
		admins:   admins,
	}
}

// Bind registers the coordinator's handlers on the dispatcher.
func (c *Coordinator) Bind(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeChatMessage, func(conn *ws.Connection, msg interface{}) {
		c.HandleChatMessage(conn, msg.(protocol.ChatMessageMsg))
	})
	d.Register(protocol.TypeRecall, func(conn *ws.Connection, msg interface{}) {
		c.HandleRecall(conn, msg.(protocol.RecallMsg))
	})
	d.Register(protocol.TypeHeartbeat, func(conn *ws.Connection, msg interface{}) {
		c.HandleHeartbeat(conn)
	})
	d.Register(protocol.TypeGetHistory, func(conn *ws.Connection, msg interface{}) {
		c.HandleHistory(conn, msg.(protocol.GetHistoryMsg))
	})
	d.Register(protocol.TypeGetOnlineCount, func(conn *ws.Connection, msg interface{}) {
		c.HandleOnlineCount(conn)
	})
}

// HandleConnect finishes connection setup after the WebSocket upgrade: it
// seeds the presence identity, resolves the client's geolocation, sends the
// init payload and recent history to the new client, and broadcasts the
// updated online count to everyone.
func (c *Coordinator) HandleConnect(conn *ws.Connection, h ws.Handshake) {
	if allowed, _ := c.limiter.Allow(context.Background(), conn.RemoteIP, ratelimit.RuleConnect); !allowed {
		c.sendErr(conn, "rate_limited", "too many connections, try again later")
		c.registry.Remove(conn.ID)
		return
	}

	conn.UserID = h.UserID
	c.presence.Seed(conn, h.Nickname, h.Avatar)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	conn.IPSource = c.geo.Resolve(ctx, conn.RemoteIP)
	cancel()

	c.send(conn, protocol.TypeInit, protocol.InitMsg{
		IP:        conn.RemoteIP,
		Nickname:  conn.Nickname,
		AvatarURL: conn.AvatarURL,
	})
	c.notify(conn, "欢迎来到聊天室")

	c.sendHistory(conn, defaultHistoryLimit)
	c.broadcastOnline()
}

// HandleDisconnect broadcasts the updated online count after a connection
// left the registry.
func (c *Coordinator) HandleDisconnect(conn *ws.Connection) {
	c.broadcastOnline()
}

// HandleChatMessage runs a submitted message through rate limiting,
// validation, moderation, and persistence, then broadcasts it. The work uses
// a background context so that a mid-flight disconnect does not abort
// persistence for the other viewers.
func (c *Coordinator) HandleChatMessage(conn *ws.Connection, msg protocol.ChatMessageMsg) {
	ctx := context.Background()

	if allowed, _ := c.limiter.Allow(ctx, conn.RemoteIP, ratelimit.RuleMessage); !allowed {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		c.sendErr(conn, "rate_limited", "发送太频繁，请稍后再试")
		return
	}

	if res := ValidateContent(msg.Content); res.Rejected {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		c.sendErr(conn, "invalid_message", res.Reason)
		return
	}

	// Client-supplied identity on the message wins over the seeded identity,
	// mirroring the handshake rules.
	if msg.Nickname != "" {
		conn.Nickname = msg.Nickname
	}
	if msg.Avatar != "" {
		conn.AvatarURL = msg.Avatar
	}
	if msg.IPSource != "" {
		conn.IPSource = msg.IPSource
	}

	// Moderation launders rather than rejects: the verdict's filtered text is
	// always deliverable, with flagged words already masked out.
	verdict := c.pipeline.Moderate(ctx, msg.Content)
	current := c.settings.Current(ctx)

	stored := &Message{
		Nickname:  conn.Nickname,
		AvatarURL: conn.AvatarURL,
		Content:   verdict.FilteredText,
		IPAddress: conn.RemoteIP,
		IPSource:  conn.IPSource,
		UserID:    conn.UserID,
		Pending:   current.ManualReview,
	}
	if err := c.store.Save(ctx, stored); err != nil {
		log.Printf("chat: persist message failed conn=%s: %v", conn.ID, err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		c.sendErr(conn, "storage_error", "消息发送失败，请重试")
		return
	}

	if current.ManualReview {
		metrics.MessagesTotal.WithLabelValues("pending").Inc()
		c.notify(conn, "消息已提交审核")
		c.publishFlagged(stored.ID, conn, verdict, true)
		return
	}

	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	c.broadcast(protocol.TypeChatMessage, protocol.ServerChatMsg{
		ID:           stored.ID,
		Nickname:     stored.Nickname,
		Avatar:       stored.AvatarURL,
		Content:      stored.Content,
		Time:         stored.CreatedAt.UnixMilli(),
		SenderConnID: conn.ID,
	})

	// An unsafe verdict still delivers the masked text; only the sender gets
	// told that something was filtered out.
	if !verdict.Safe {
		metrics.MessagesTotal.WithLabelValues("flagged").Inc()
		c.notify(conn, "消息包含敏感内容，已自动屏蔽")
		c.publishFlagged(stored.ID, conn, verdict, false)
	}
}

// HandleRecall withdraws a previously sent message. Only the original sender
// (matched by user id for logged-in users, by IP for visitors) or an admin
// may recall a message. On success the message is deleted from storage and a
// recall notice is broadcast so every client removes it.
func (c *Coordinator) HandleRecall(conn *ws.Connection, msg protocol.RecallMsg) {
	ctx := context.Background()

	stored, err := c.store.FindByID(ctx, msg.MessageID)
	if err == ErrNotFound {
		c.sendErr(conn, "not_found", "message not found")
		return
	}
	if err != nil {
		log.Printf("chat: recall lookup failed id=%s: %v", msg.MessageID, err)
		c.sendErr(conn, "internal_error", "recall failed")
		return
	}

	if !c.canRecall(conn, stored) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		c.sendErr(conn, "not_authorized", "cannot recall this message")
		return
	}

	if err := c.store.DeleteByID(ctx, stored.ID); err != nil && err != ErrNotFound {
		log.Printf("chat: recall delete failed id=%s: %v", stored.ID, err)
		c.sendErr(conn, "internal_error", "recall failed")
		return
	}

	metrics.MessagesTotal.WithLabelValues("recalled").Inc()
	c.broadcast(protocol.TypeRecall, protocol.RecallMsg{MessageID: stored.ID})

	if c.audit != nil {
		event := messaging.RecallEvent{
			MessageID: stored.ID,
			IPAddress: conn.RemoteIP,
			UserID:    conn.UserID,
			Ts:        time.Now().UnixMilli(),
		}
		if err := c.audit.PublishJSON(messaging.SubjectRecalled, event); err != nil {
			log.Printf("chat: publish recall event failed: %v", err)
		}
	}
}

// HandleHeartbeat records client activity and acks with the same type.
func (c *Coordinator) HandleHeartbeat(conn *ws.Connection) {
	c.presence.Touch(conn)
	c.send(conn, protocol.TypeHeartbeat, protocol.HeartbeatMsg{})
}

// HandleHistory replays recent messages to the requesting client.
func (c *Coordinator) HandleHistory(conn *ws.Connection, msg protocol.GetHistoryMsg) {
	limit := msg.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	c.sendHistory(conn, limit)
}

// HandleOnlineCount reports the current connection count to the requesting
// client.
func (c *Coordinator) HandleOnlineCount(conn *ws.Connection) {
	c.send(conn, protocol.TypeOnline, protocol.OnlineMsg{Count: c.registry.Count()})
}

// canRecall reports whether conn may recall the stored message. Logged-in
// users match on user id, visitors match on IP, and admins may recall
// anything.
func (c *Coordinator) canRecall(conn *ws.Connection, stored *Message) bool {
	if conn.UserID > 0 && c.admins[conn.UserID] {
		return true
	}
	if stored.UserID > 0 {
		return conn.UserID == stored.UserID
	}
	return conn.RemoteIP == stored.IPAddress
}

// sendHistory sends up to limit recent messages, oldest first, to conn.
func (c *Coordinator) sendHistory(conn *ws.Connection, limit int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recent, err := c.store.FindRecent(ctx, limit)
	if err != nil {
		log.Printf("chat: load history failed conn=%s: %v", conn.ID, err)
		c.sendErr(conn, "internal_error", "failed to load history")
		return
	}

	// FindRecent returns newest first; clients render chronologically.
	entries := make([]protocol.HistoryEntry, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		entries = append(entries, protocol.HistoryEntry{
			ID:       m.ID,
			Nickname: m.Nickname,
			Avatar:   m.AvatarURL,
			Content:  m.Content,
			Time:     m.CreatedAt.UnixMilli(),
		})
	}

	c.send(conn, protocol.TypeHistory, protocol.HistoryMsg{Messages: entries})
}

// broadcastOnline pushes the current connection count to every client.
func (c *Coordinator) broadcastOnline() {
	c.broadcast(protocol.TypeOnline, protocol.OnlineMsg{Count: c.registry.Count()})
}

// publishFlagged emits an audit event for a blocked or review-held message.
func (c *Coordinator) publishFlagged(messageID string, conn *ws.Connection, verdict moderation.Verdict, pending bool) {
	if c.audit == nil {
		return
	}
	event := messaging.FlaggedEvent{
		MessageID:    messageID,
		Nickname:     conn.Nickname,
		IPAddress:    conn.RemoteIP,
		Reasons:      verdict.Reasons,
		UsedFallback: verdict.UsedFallback,
		Pending:      pending,
		Ts:           time.Now().UnixMilli(),
	}
	if err := c.audit.PublishJSON(messaging.SubjectFlagged, event); err != nil {
		log.Printf("chat: publish flagged event failed: %v", err)
	}
}

// notify sends a system notice to a single client.
func (c *Coordinator) notify(conn *ws.Connection, content string) {
	c.send(conn, protocol.TypeSystemMessage, protocol.SystemMsg{Content: content})
}

func (c *Coordinator) sendErr(conn *ws.Connection, code, message string) {
	c.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (c *Coordinator) send(conn *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("chat: build %s message failed: %v", msgType, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("chat: write %s to conn=%s failed: %v", msgType, conn.ID, err)
	}
}

func (c *Coordinator) broadcast(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("chat: build %s broadcast failed: %v", msgType, err)
		return
	}
	c.registry.Broadcast(data)
}
