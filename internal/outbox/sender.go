// Package outbox persists outgoing messages and sends them in the background.
package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/simplechat/internal/apperr"
	"github.com/matheus3301/simplechat/internal/bus"
	"github.com/matheus3301/simplechat/internal/model"
	"github.com/matheus3301/simplechat/internal/store"
)

// MessageSender posts a message to a chat.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, body, replyTo string) (model.Message, error)
}

// Owner names the user whose outbox is drained.
type Owner interface {
	UserID() string
}

// Ack is the payload of a bus.KindSendAck event.
type Ack struct {
	ClientMsgID string
	Message     model.Message
}

// Failure is the payload of a bus.KindSendFailed event.
type Failure struct {
	ClientMsgID string
	Err         *apperr.SendError
}

// Sender drains the outbox of the signed-in user.
type Sender struct {
	db      *store.DB
	sender  MessageSender
	owner   Owner
	bus     *bus.Bus
	limiter *rate.Limiter
	logger  *zap.Logger
	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates an outbox sender. A nil limiter sends without limit.
func NewSender(db *store.DB, sender MessageSender, owner Owner, b *bus.Bus, limiter *rate.Limiter, logger *zap.Logger) *Sender {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:      db,
		sender:  sender,
		owner:   owner,
		bus:     b,
		limiter: limiter,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
}

// Queue validates and persists a message for sending. It returns the client
// message id used to track it.
func (s *Sender) Queue(chatID, body, replyTo string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", apperr.Invalid("message", "message is empty")
	}
	if strings.TrimSpace(chatID) == "" {
		return "", apperr.Invalid("chat", "must not be empty")
	}
	owner := s.owner.UserID()
	if owner == "" {
		return "", &apperr.AuthorizationError{Op: "send", Resource: "chat " + chatID}
	}

	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, owner, chatID, body, replyTo); err != nil {
		return "", apperr.Backend("queue message", err)
	}
	s.logger.Debug("message queued", zap.String("client_msg_id", clientMsgID), zap.String("chat_id", chatID))
	s.wake()
	return clientMsgID, nil
}

// Failed returns the signed-in user's failed entries, bodies intact.
func (s *Sender) Failed() ([]store.OutboxEntry, error) {
	entries, err := s.db.FailedOutbox(s.owner.UserID())
	if err != nil {
		return nil, apperr.Backend("list failed messages", err)
	}
	return entries, nil
}

// Pending returns the signed-in user's queued entries.
func (s *Sender) Pending() ([]store.OutboxEntry, error) {
	entries, err := s.db.PendingOutbox(s.owner.UserID())
	if err != nil {
		return nil, apperr.Backend("list queued messages", err)
	}
	return entries, nil
}

// Retry queues a failed entry again.
func (s *Sender) Retry(clientMsgID string) error {
	e, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return apperr.Backend("retry message", err)
	}
	if e != nil && e.OwnerID != s.owner.UserID() {
		return &apperr.AuthorizationError{Op: "retry", UserID: s.owner.UserID(), Resource: "message " + clientMsgID}
	}
	if err := s.db.RequeueOutbox(clientMsgID); err != nil {
		return apperr.Backend("retry message", err)
	}
	s.wake()
	return nil
}

// Start fails entries a previous run left mid-send, then begins draining.
func (s *Sender) Start(ctx context.Context) {
	if owner := s.owner.UserID(); owner != "" {
		n, err := s.db.FailInterrupted(owner)
		if err != nil {
			s.logger.Error("failed to reset interrupted sends", zap.Error(err))
		} else if n > 0 {
			s.logger.Warn("interrupted sends marked failed", zap.Int64("count", n))
		}
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop stops the sender loop and waits for the current send.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}

func (s *Sender) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.kick:
		case <-ctx.Done():
			return
		}
		s.processPending(ctx)
	}
}

func (s *Sender) processPending(ctx context.Context) {
	owner := s.owner.UserID()
	if owner == "" {
		return
	}
	pending, err := s.db.PendingOutbox(owner)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		msg, err := s.sender.SendMessage(ctx, entry.ChatID, entry.Body, entry.ReplyTo)
		if err != nil {
			s.fail(entry, err)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, msg.ID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("message_id", msg.ID))
		s.bus.Publish(bus.Event{
			Kind:    bus.KindSendAck,
			Payload: Ack{ClientMsgID: entry.ClientMsgID, Message: msg},
		})
	}
}

func (s *Sender) fail(entry store.OutboxEntry, err error) {
	s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); err != nil {
		s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	var se *apperr.SendError
	if !errors.As(err, &se) {
		se = &apperr.SendError{ChatID: entry.ChatID, Body: entry.Body, Err: err}
	}
	s.bus.Publish(bus.Event{
		Kind:    bus.KindSendFailed,
		Payload: Failure{ClientMsgID: entry.ClientMsgID, Err: se},
	})
}
