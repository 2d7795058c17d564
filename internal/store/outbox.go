package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/simplechat/internal/backend"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(clientMsgID, ownerID, chatID, body, replyTo string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, owner_id, chat_id, body, reply_to, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, ownerID, chatID, body, replyTo, now, now)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the backend message ID.
func (db *DB) MarkOutboxSent(clientMsgID, messageID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', message_id = ?, error_message = '', updated_at = ? WHERE client_msg_id = ?`, messageID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// FailInterrupted marks entries left in 'sending' by a previous run as failed.
// Whether they reached the backend is unknown, so they are not resent automatically.
func (db *DB) FailInterrupted(ownerID string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = 'interrupted while sending', updated_at = ?
		WHERE owner_id = ? AND status = 'sending'`, now, ownerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueOutbox moves a failed entry back to 'queued'.
func (db *DB) RequeueOutbox(clientMsgID string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'queued', error_message = '', updated_at = ?
		WHERE client_msg_id = ? AND status = 'failed'`, now, clientMsgID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("failed outbox entry %s: %w", clientMsgID, backend.ErrNotFound)
	}
	return nil
}

// GetOutbox returns one entry, or nil when it does not exist.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_msg_id, owner_id, chat_id, body, reply_to, status, error_message, message_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.OwnerID, &e.ChatID, &e.Body, &e.ReplyTo, &e.Status, &e.ErrorMessage, &e.MessageID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingOutbox returns the owner's entries that are still queued.
func (db *DB) PendingOutbox(ownerID string) ([]OutboxEntry, error) {
	return db.listOutbox(ownerID, OutboxQueued)
}

// FailedOutbox returns the owner's failed entries.
func (db *DB) FailedOutbox(ownerID string) ([]OutboxEntry, error) {
	return db.listOutbox(ownerID, OutboxFailed)
}

func (db *DB) listOutbox(ownerID, status string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, owner_id, chat_id, body, reply_to, status, error_message, message_id, created_at
		FROM outbox WHERE owner_id = ? AND status = ? ORDER BY created_at ASC, id ASC`, ownerID, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.OwnerID, &e.ChatID, &e.Body, &e.ReplyTo, &e.Status, &e.ErrorMessage, &e.MessageID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
