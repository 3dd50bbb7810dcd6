// Package presence assigns and tracks the display identity of chat
// connections: nickname, avatar, and activity timestamps.
package presence

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ConderL/conder-blog-sub001/internal/ws"
)

// NicknameFunc produces a visitor nickname for an IP address that did not
// supply one at handshake time.
type NicknameFunc func(ip string) string

// Tracker seeds connections with their display identity and keeps the
// generated visitor nicknames stable per IP, so a visitor who reconnects
// from the same address keeps the same name.
type Tracker struct {
	mu            sync.Mutex
	nickname      NicknameFunc
	defaultAvatar string
	nickByIP      map[string]string
}

// NewTracker creates a Tracker. If nickname is nil, DefaultNickname is used.
func NewTracker(nickname NicknameFunc, defaultAvatar string) *Tracker {
	if nickname == nil {
		nickname = DefaultNickname
	}
	return &Tracker{
		nickname:      nickname,
		defaultAvatar: defaultAvatar,
		nickByIP:      make(map[string]string),
	}
}

// Seed fills in the connection's nickname and avatar. Client-supplied values
// win; missing values fall back to a generated visitor nickname (stable per
// IP) and the configured default avatar.
func (t *Tracker) Seed(conn *ws.Connection, nickname, avatar string) {
	if nickname == "" {
		nickname = t.NicknameFor(conn.RemoteIP)
	}
	if avatar == "" {
		avatar = t.defaultAvatar
	}
	conn.Nickname = nickname
	conn.AvatarURL = avatar
}

// NicknameFor returns the generated visitor nickname for an IP, creating and
// caching one on first use.
func (t *Tracker) NicknameFor(ip string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if nick, ok := t.nickByIP[ip]; ok {
		return nick
	}
	nick := t.nickname(ip)
	t.nickByIP[ip] = nick
	return nick
}

// Touch records activity on the connection for heartbeat bookkeeping.
func (t *Tracker) Touch(conn *ws.Connection) {
	conn.LastActive = time.Now()
}

// DefaultNickname derives a short visitor name from the IP address. The same
// IP always yields the same name.
func DefaultNickname(ip string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return fmt.Sprintf("游客%04d", h.Sum32()%10000)
}
