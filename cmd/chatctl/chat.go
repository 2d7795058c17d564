package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/matheus3301/simplechat/internal/app"
	"github.com/matheus3301/simplechat/internal/bus"
	"github.com/matheus3301/simplechat/internal/model"
	"github.com/matheus3301/simplechat/internal/outbox"
	"github.com/matheus3301/simplechat/internal/stream"
)

// nameCache resolves sender ids to display names.
type nameCache struct {
	app   app.App
	mu    sync.Mutex
	names map[string]string
}

func newNameCache(a app.App) *nameCache {
	return &nameCache{app: a, names: make(map[string]string)}
}

func (n *nameCache) get(ctx context.Context, id string) string {
	n.mu.Lock()
	name, ok := n.names[id]
	n.mu.Unlock()
	if ok {
		return name
	}
	name = shortID(id)
	if u, err := n.app.Facade.GetProfile(ctx, id); err == nil && u != nil {
		name = u.DisplayName()
	}
	n.mu.Lock()
	n.names[id] = name
	n.mu.Unlock()
	return name
}

func formatMessage(ctx context.Context, names *nameCache, me string, m model.Message) string {
	who := "you"
	if m.SenderID != me {
		who = names.get(ctx, m.SenderID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s: ", shortID(m.ID), m.CreatedAt.Local().Format("15:04"), who)
	if m.ForwardCount > 0 {
		b.WriteString("(forwarded) ")
	}
	b.WriteString(m.Body)
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// cmdChat runs an interactive session on one chat. Lines are sent as
// messages; lines starting with "/" are commands.
func (c *cli) cmdChat(chatID string) error {
	uid, err := c.requireUser("open")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chat, err := c.app.Directory.Chat(ctx, chatID, uid)
	if err != nil {
		return err
	}
	if chat.Name != "" {
		fmt.Printf("== %s ==\n", chat.Name)
	}

	coord := c.app.Coordinator
	names := newNameCache(c.app)
	r := &renderer{names: names, me: c.app.Session.UserID(), seen: make(map[string]string)}

	if err := coord.OpenChat(ctx, chatID); err != nil && !errors.Is(err, stream.ErrSuperseded) {
		return err
	}
	r.render(ctx, coord.Snapshot())

	failures := c.app.Bus.Subscribe(bus.KindSendFailed, 16)
	defer failures.Close()

	go func() {
		for {
			select {
			case <-coord.Updates():
				r.render(ctx, coord.Snapshot())
			case evt := <-failures.C:
				if f, ok := evt.Payload.(outbox.Failure); ok {
					fmt.Printf("! not sent: %v (/retry %s)\n", f.Err, f.ClientMsgID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Println("Type a message, or /help.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			var replyTo string
			if m := coord.ReplyTarget(); m != nil {
				replyTo = m.ID
			}
			if _, err := c.app.Sender.Queue(coord.OpenChatID(), line, replyTo); err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			coord.CancelReply()
			continue
		}
		quit, err := c.chatCommand(ctx, r, line)
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
		if quit {
			break
		}
	}
	return scanner.Err()
}

func (c *cli) chatCommand(ctx context.Context, r *renderer, line string) (quit bool, err error) {
	coord := c.app.Coordinator
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/q":
		return true, nil
	case "/help":
		fmt.Println("/reply <id>  /cancel  /delete <id>  /edit <id> <text>  /forward <id> <chat-id>...")
		fmt.Println("/open <chat-id>  /reload  /retry <client-msg-id>  /quit")
	case "/reply":
		if len(rest) != 1 {
			return false, errors.New("usage: /reply <message-id>")
		}
		id, err := r.resolve(rest[0])
		if err != nil {
			return false, err
		}
		if err := coord.SetReplyTarget(id); err != nil {
			return false, err
		}
		fmt.Printf("Replying to %s. /cancel to stop.\n", rest[0])
	case "/cancel":
		coord.CancelReply()
	case "/delete":
		if len(rest) != 1 {
			return false, errors.New("usage: /delete <message-id>")
		}
		id, err := r.resolve(rest[0])
		if err != nil {
			return false, err
		}
		return false, coord.SoftDelete(ctx, id)
	case "/edit":
		if len(rest) < 2 {
			return false, errors.New("usage: /edit <message-id> <text>")
		}
		id, err := r.resolve(rest[0])
		if err != nil {
			return false, err
		}
		_, err = coord.EditMessage(ctx, id, strings.Join(rest[1:], " "))
		return false, err
	case "/forward":
		if len(rest) < 2 {
			return false, errors.New("usage: /forward <message-id> <chat-id>...")
		}
		id, err := r.resolve(rest[0])
		if err != nil {
			return false, err
		}
		report, err := coord.Forward(ctx, []string{id}, rest[1:])
		fmt.Printf("Forwarded %d copies.\n", len(report.Sent))
		return false, err
	case "/open":
		if len(rest) != 1 {
			return false, errors.New("usage: /open <chat-id>")
		}
		if _, err := c.app.Directory.Chat(ctx, rest[0], c.app.Session.UserID()); err != nil {
			return false, err
		}
		r.reset()
		err := coord.OpenChat(ctx, rest[0])
		if errors.Is(err, stream.ErrSuperseded) {
			return false, nil
		}
		return false, err
	case "/reload":
		r.reset()
		return false, coord.Reload(ctx)
	case "/retry":
		if len(rest) != 1 {
			return false, errors.New("usage: /retry <client-msg-id>")
		}
		return false, c.app.Sender.Retry(rest[0])
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

// renderer prints new and changed messages as the view evolves.
type renderer struct {
	names *nameCache
	me    string

	mu    sync.Mutex
	chat  string
	state stream.LoadState
	// seen maps message id to the last printed line.
	seen map[string]string
}

func (r *renderer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = make(map[string]string)
	r.chat = ""
}

func (r *renderer) render(ctx context.Context, v stream.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.ChatID != r.chat {
		r.chat = v.ChatID
		r.seen = make(map[string]string)
		fmt.Printf("-- chat %s --\n", v.ChatID)
	}
	if v.State != r.state {
		r.state = v.State
		switch v.State {
		case stream.LoadFailed:
			fmt.Printf("! could not load messages: %v (/reload to retry)\n", v.Err)
		case stream.LoadLoaded:
			if len(v.Messages) == 0 {
				fmt.Println("No messages yet.")
			}
		}
	}
	for _, m := range v.Messages {
		line := formatMessage(ctx, r.names, r.me, m)
		prev, ok := r.seen[m.ID]
		if ok && prev == line {
			continue
		}
		r.seen[m.ID] = line
		if ok {
			fmt.Printf("~ %s\n", line)
		} else {
			fmt.Println(line)
		}
	}
}

// resolve expands a short message id printed by the renderer.
func (r *renderer) resolve(short string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var match string
	for id := range r.seen {
		if strings.HasPrefix(id, short) {
			if match != "" {
				return "", fmt.Errorf("message id %s is ambiguous", short)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("no message %s in this chat", short)
	}
	return match, nil
}
