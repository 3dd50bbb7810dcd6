package presence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ConderL/conder-blog-sub001/internal/ws"
)

func TestTracker_SeedVisitorDefaults(t *testing.T) {
	tr := NewTracker(nil, "https://img.example.com/default.png")

	conn := &ws.Connection{ID: "a", RemoteIP: "1.2.3.4"}
	tr.Seed(conn, "", "")

	require.NotEmpty(t, conn.Nickname)
	require.Contains(t, conn.Nickname, "游客")
	require.Equal(t, "https://img.example.com/default.png", conn.AvatarURL)
}

func TestTracker_SeedClientValuesWin(t *testing.T) {
	tr := NewTracker(nil, "https://img.example.com/default.png")

	conn := &ws.Connection{ID: "a", RemoteIP: "1.2.3.4"}
	tr.Seed(conn, "alice", "https://img.example.com/alice.png")

	require.Equal(t, "alice", conn.Nickname)
	require.Equal(t, "https://img.example.com/alice.png", conn.AvatarURL)
}

func TestTracker_NicknameStablePerIP(t *testing.T) {
	tr := NewTracker(nil, "")

	first := tr.NicknameFor("1.2.3.4")
	second := tr.NicknameFor("1.2.3.4")
	other := tr.NicknameFor("5.6.7.8")

	require.Equal(t, first, second)
	require.NotEqual(t, first, other)

	// A reconnect from the same IP must get the cached name back.
	conn := &ws.Connection{ID: "b", RemoteIP: "1.2.3.4"}
	tr.Seed(conn, "", "")
	require.Equal(t, first, conn.Nickname)
}

func TestDefaultNickname_Deterministic(t *testing.T) {
	require.Equal(t, DefaultNickname("10.0.0.1"), DefaultNickname("10.0.0.1"))
}
