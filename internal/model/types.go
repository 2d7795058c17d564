package model

import (
	"strings"
	"time"
)

// Tombstone replaces the body of a soft-deleted message.
const Tombstone = "This message was deleted"

// Identity is the authenticated user as reported by the backend.
type Identity struct {
	UserID string
	Email  string
}

// User is a profile row.
type User struct {
	ID        string
	Email     string
	Username  string
	Name      string
	Phone     string
	AvatarURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName returns name, falling back to username and then the local part of email.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return u.Username
	}
	local, _, _ := strings.Cut(u.Email, "@")
	return local
}

// ProfilePatch holds optional profile changes. Nil fields are left untouched.
type ProfilePatch struct {
	Name      *string
	Username  *string
	Phone     *string
	AvatarURL *string
}

// Empty reports whether the patch changes nothing.
func (p ProfilePatch) Empty() bool {
	return p.Name == nil && p.Username == nil && p.Phone == nil && p.AvatarURL == nil
}

// Chat is a direct or group conversation.
type Chat struct {
	ID            string
	Name          string
	CreatedBy     string
	IsGroup       bool
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// Membership links a user to a chat.
type Membership struct {
	ChatID   string
	UserID   string
	IsAdmin  bool
	JoinedAt time.Time
}

// ChatSummary is a chat with its most recent message, if any.
type ChatSummary struct {
	Chat
	LastMessage *Message
}

// Activity returns the most recent activity time known for the chat.
func (s ChatSummary) Activity() time.Time {
	t := s.CreatedAt
	if s.LastMessageAt.After(t) {
		t = s.LastMessageAt
	}
	if s.LastMessage != nil && s.LastMessage.CreatedAt.After(t) {
		t = s.LastMessage.CreatedAt
	}
	return t
}

// Message is a chat message. Deleted messages keep their row and position.
type Message struct {
	ID           string
	ChatID       string
	SenderID     string
	Body         string
	ReplyToID    string
	ForwardCount int
	IsDeleted    bool
	CreatedAt    time.Time
}

// Before reports whether m sorts before o: creation time first, id on ties.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// CompareMessages orders messages for slices.SortFunc and binary search.
func CompareMessages(a, b Message) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	default:
		return 0
	}
}
