package store

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry represents an outgoing message owned by one local user.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	OwnerID      string
	ChatID       string
	Body         string
	ReplyTo      string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	MessageID    string
	CreatedAt    int64
}
