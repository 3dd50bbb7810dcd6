// Package chat implements the chat room's application logic: message
// validation, persistence, moderation orchestration, broadcast, recall, and
// history replay.
package chat

import "time"

// Message is a persisted chat message. Content holds the moderated text that
// was (or would be) broadcast; the raw submission is never stored.
type Message struct {
	ID        string    // UUID assigned at persist time
	Nickname  string    // sender display name at send time
	AvatarURL string    // sender avatar at send time
	Content   string    // moderated message text
	IPAddress string    // sender IP, used for recall authorization
	IPSource  string    // geolocation of IPAddress at send time
	UserID    int64     // authenticated sender, 0 for visitors
	Pending   bool      // held for manual review, excluded from history
	CreatedAt time.Time // persist timestamp
}
