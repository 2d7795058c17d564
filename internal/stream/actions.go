package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/apperr"
	"github.com/matheus3301/simplechat/internal/model"
)

// SendMessage posts body to chatID as the local user. On success the pending
// reply is cleared and the message is shown if chatID is open. A backend
// failure returns a *apperr.SendError holding body unchanged.
func (c *Coordinator) SendMessage(ctx context.Context, chatID, body, replyTo string) (model.Message, error) {
	text := strings.TrimSpace(body)
	if text == "" {
		return model.Message{}, apperr.Invalid("message", "message is empty")
	}
	if chatID == "" {
		return model.Message{}, apperr.Invalid("chat", "must not be empty")
	}
	uid, err := c.userID()
	if err != nil {
		return model.Message{}, err
	}

	m, err := c.facade.InsertMessage(ctx, model.Message{
		ChatID:    chatID,
		SenderID:  uid,
		Body:      text,
		ReplyToID: replyTo,
	})
	if err != nil {
		c.logger.Error("send failed", zap.String("chat_id", chatID), zap.Error(err))
		return model.Message{}, &apperr.SendError{ChatID: chatID, Body: body, Err: apperr.Backend("insert message", err)}
	}
	c.touch(ctx, chatID, m)

	c.mu.Lock()
	c.replyTo = ""
	c.mu.Unlock()
	if !c.ReceiveInsert(m) {
		c.notify()
	}
	return m, nil
}

// Reply sends body to the open chat, replying to the pending reply target if
// one is set.
func (c *Coordinator) Reply(ctx context.Context, body string) (model.Message, error) {
	c.mu.Lock()
	chatID, replyTo := c.chatID, c.replyTo
	c.mu.Unlock()
	if chatID == "" {
		return model.Message{}, apperr.Invalid("chat", "no chat is open")
	}
	return c.SendMessage(ctx, chatID, body, replyTo)
}

// SetReplyTarget makes messageID of the open chat the pending reply target,
// replacing any previous one.
func (c *Coordinator) SetReplyTarget(messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.tl.get(messageID)
	if !ok {
		return apperr.Invalid("reply", fmt.Sprintf("message %s is not in the open chat", messageID))
	}
	if m.IsDeleted {
		return apperr.Invalid("reply", "cannot reply to a deleted message")
	}
	c.replyTo = messageID
	return nil
}

// CancelReply clears the pending reply target.
func (c *Coordinator) CancelReply() {
	c.mu.Lock()
	c.replyTo = ""
	c.mu.Unlock()
}

// ReplyTarget returns the pending reply target, or nil.
func (c *Coordinator) ReplyTarget() *model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.tl.get(c.replyTo); ok {
		return &m
	}
	return nil
}

// SoftDelete replaces a message's body with the tombstone. Only the sender
// may delete; deleting twice is a no-op.
func (c *Coordinator) SoftDelete(ctx context.Context, messageID string) error {
	uid, err := c.userID()
	if err != nil {
		return err
	}
	m, err := c.lookup(ctx, "delete message", messageID)
	if err != nil {
		return err
	}
	if m.SenderID != uid {
		return &apperr.AuthorizationError{Op: "delete", UserID: uid, Resource: messageResource(messageID)}
	}
	if m.IsDeleted {
		return nil
	}

	deleted, err := c.facade.MarkMessageDeleted(ctx, messageID)
	if err != nil {
		c.logger.Error("delete failed", zap.String("message_id", messageID), zap.Error(err))
		return apperr.Backend("delete message", err)
	}
	c.ReceiveUpdate(deleted)
	return nil
}

// EditMessage replaces the body of one of the local user's messages.
func (c *Coordinator) EditMessage(ctx context.Context, messageID, body string) (model.Message, error) {
	text := strings.TrimSpace(body)
	if text == "" {
		return model.Message{}, apperr.Invalid("message", "message is empty")
	}
	uid, err := c.userID()
	if err != nil {
		return model.Message{}, err
	}
	m, err := c.lookup(ctx, "edit message", messageID)
	if err != nil {
		return model.Message{}, err
	}
	if m.SenderID != uid {
		return model.Message{}, &apperr.AuthorizationError{Op: "edit", UserID: uid, Resource: messageResource(messageID)}
	}
	if m.IsDeleted {
		return model.Message{}, apperr.Invalid("message", "deleted messages cannot be edited")
	}

	edited, err := c.facade.SetMessageContent(ctx, messageID, text)
	if err != nil {
		return model.Message{}, apperr.Backend("edit message", err)
	}
	c.ReceiveUpdate(edited)
	return edited, nil
}

// ResolveReply returns the message m replies to, or nil when m is not a
// reply. A deleted target resolves to its tombstone.
func (c *Coordinator) ResolveReply(ctx context.Context, m model.Message) (*model.Message, error) {
	if m.ReplyToID == "" {
		return nil, nil
	}
	target, err := c.lookup(ctx, "resolve reply", m.ReplyToID)
	if err != nil {
		return nil, err
	}
	return &target, nil
}

// ForwardFailure is one (message, chat) copy that was not created.
type ForwardFailure struct {
	MessageID string
	ChatID    string
	Err       error
}

// ForwardReport lists the copies made and the ones that failed.
type ForwardReport struct {
	Sent   []model.Message
	Failed []ForwardFailure
}

// ForwardError is returned alongside a report with failures.
type ForwardError struct {
	Failed []ForwardFailure
	Total  int
}

func (e *ForwardError) Error() string {
	chats := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		if !slices.Contains(chats, f.ChatID) {
			chats = append(chats, f.ChatID)
		}
	}
	return fmt.Sprintf("forward: %d of %d copies failed (chats %s)", len(e.Failed), e.Total, strings.Join(chats, ", "))
}

func (e *ForwardError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f.Err
	}
	return errs
}

// Forward copies every message into every target chat with its forward
// count incremented. Originals are untouched. Copies already made stay made
// when others fail.
func (c *Coordinator) Forward(ctx context.Context, messageIDs, targetChatIDs []string) (ForwardReport, error) {
	messageIDs, targetChatIDs = dedupe(messageIDs), dedupe(targetChatIDs)
	if len(messageIDs) == 0 {
		return ForwardReport{}, apperr.Invalid("messages", "nothing to forward")
	}
	if len(targetChatIDs) == 0 {
		return ForwardReport{}, apperr.Invalid("chats", "no target chats")
	}
	uid, err := c.userID()
	if err != nil {
		return ForwardReport{}, err
	}

	var report ForwardReport
	failAll := func(messageID string, err error) {
		for _, chatID := range targetChatIDs {
			report.Failed = append(report.Failed, ForwardFailure{MessageID: messageID, ChatID: chatID, Err: err})
		}
	}

	for _, id := range messageIDs {
		orig, err := c.lookup(ctx, "forward message", id)
		if err != nil {
			failAll(id, err)
			continue
		}
		if orig.IsDeleted {
			failAll(id, apperr.Invalid("message", "deleted messages cannot be forwarded"))
			continue
		}
		for _, chatID := range targetChatIDs {
			copied, err := c.facade.InsertMessage(ctx, model.Message{
				ChatID:       chatID,
				SenderID:     uid,
				Body:         orig.Body,
				ForwardCount: orig.ForwardCount + 1,
			})
			if err != nil {
				c.logger.Warn("forward failed", zap.String("message_id", id), zap.String("chat_id", chatID), zap.Error(err))
				report.Failed = append(report.Failed, ForwardFailure{
					MessageID: id,
					ChatID:    chatID,
					Err:       &apperr.SendError{ChatID: chatID, Body: orig.Body, Err: apperr.Backend("forward message", err)},
				})
				continue
			}
			c.touch(ctx, chatID, copied)
			c.ReceiveInsert(copied)
			report.Sent = append(report.Sent, copied)
		}
	}

	if len(report.Failed) > 0 {
		return report, &ForwardError{Failed: report.Failed, Total: len(messageIDs) * len(targetChatIDs)}
	}
	return report, nil
}

// touch bumps the chat's last activity, logging failures.
func (c *Coordinator) touch(ctx context.Context, chatID string, m model.Message) {
	if err := c.facade.TouchChat(ctx, chatID, m.CreatedAt); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("failed to bump chat activity", zap.String("chat_id", chatID), zap.Error(err))
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
