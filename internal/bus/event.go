package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the chat core.
const (
	KindTransportStatus = "transport.status_changed"
	KindTransportResync = "transport.resync"
	KindAuthChanged     = "auth.changed"
	KindSendAck         = "outbox.send_ack"
	KindSendFailed      = "outbox.send_failed"
)

// RowKind is the kind of a row change event, e.g. "row.messages.insert".
func RowKind(table, op string) string {
	return "row." + table + "." + op
}
