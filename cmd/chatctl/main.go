package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"

	"github.com/matheus3301/simplechat/internal/app"
	"github.com/matheus3301/simplechat/internal/apperr"
	"github.com/matheus3301/simplechat/internal/bus"
	"github.com/matheus3301/simplechat/internal/lock"
	"github.com/matheus3301/simplechat/internal/model"
	"github.com/matheus3301/simplechat/internal/outbox"
	"github.com/matheus3301/simplechat/internal/workspace"
)

const commandTimeout = 15 * time.Second

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	verbose := flag.Bool("v", false, "log to stderr at debug level")
	flag.Parse()

	layout := workspace.Default()
	profile := layout.Resolve(*profileFlag)
	if err := workspace.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	params := app.Params{Profile: profile, Layout: layout}
	if *verbose {
		params.ConsoleLevel = "debug"
	}

	var a app.App
	fxApp := fx.New(fx.NopLogger, app.Module(params), fx.Populate(&a))
	if err := fxApp.Err(); err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "error: %v\n", held)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	err := fxApp.Start(startCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	c := &cli{app: a, json: *jsonFlag}
	err = c.run(args)

	stopCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	_ = fxApp.Stop(stopCtx)
	cancel()

	if err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(os.Stderr, "usage: chatctl %s\n", string(usage))
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return "usage: chatctl " + string(e) }

type cli struct {
	app  app.App
	json bool
}

func (c *cli) run(args []string) error {
	if args[0] == "chat" {
		if len(args) != 2 {
			return usageError("chat <chat-id>")
		}
		return c.cmdChat(args[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch args[0] {
	case "signup":
		if len(args) < 2 || len(args) > 4 {
			return usageError("signup <email> [username] [name]")
		}
		return c.cmdSignUp(ctx, args[1], arg(args, 2), arg(args, 3))
	case "login":
		if len(args) != 2 {
			return usageError("login <username|email|phone>")
		}
		return c.cmdLogin(ctx, args[1])
	case "logout":
		return c.app.Session.SignOut(ctx)
	case "whoami":
		return c.cmdWhoami()
	case "profile":
		if len(args) != 3 {
			return usageError("profile <name|username|phone> <value>")
		}
		return c.cmdProfile(ctx, args[1], args[2])
	case "avatar":
		if len(args) != 2 {
			return usageError("avatar <image-file>")
		}
		return c.cmdAvatar(ctx, args[1])
	case "users":
		return c.cmdUsers(ctx, strings.Join(args[1:], " "))
	case "chats":
		return c.cmdChats(ctx)
	case "dm":
		if len(args) != 2 {
			return usageError("dm <username|email|phone>")
		}
		return c.cmdDM(ctx, args[1])
	case "group":
		if len(args) < 3 {
			return usageError("group <name> <member>...")
		}
		return c.cmdGroup(ctx, args[1], args[2:])
	case "history":
		if len(args) != 2 {
			return usageError("history <chat-id>")
		}
		return c.cmdHistory(ctx, args[1])
	case "send":
		if len(args) < 3 {
			return usageError("send <chat-id> <text>...")
		}
		return c.cmdSend(ctx, args[1], strings.Join(args[2:], " "))
	case "outbox":
		return c.cmdOutbox()
	case "retry":
		if len(args) != 2 {
			return usageError("retry <client-msg-id>")
		}
		return c.cmdRetry(ctx, args[1])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] [-v] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  signup <email> [username] [name]   Create an account and sign in")
	fmt.Fprintln(os.Stderr, "  login <identifier>                 Sign in by username, email or phone")
	fmt.Fprintln(os.Stderr, "  logout                             Sign out")
	fmt.Fprintln(os.Stderr, "  whoami                             Show the signed-in profile")
	fmt.Fprintln(os.Stderr, "  profile <field> <value>            Update name, username or phone")
	fmt.Fprintln(os.Stderr, "  avatar <image-file>                Upload a profile picture")
	fmt.Fprintln(os.Stderr, "  users [query]                      List or search users")
	fmt.Fprintln(os.Stderr, "  chats                              List chats by recent activity")
	fmt.Fprintln(os.Stderr, "  dm <identifier>                    Open (or create) a direct chat")
	fmt.Fprintln(os.Stderr, "  group <name> <member>...           Create a group chat")
	fmt.Fprintln(os.Stderr, "  history <chat-id>                  Show recent messages")
	fmt.Fprintln(os.Stderr, "  send <chat-id> <text>              Queue a message and wait for delivery")
	fmt.Fprintln(os.Stderr, "  chat <chat-id>                     Interactive chat")
	fmt.Fprintln(os.Stderr, "  outbox                             Show queued and failed messages")
	fmt.Fprintln(os.Stderr, "  retry <client-msg-id>              Retry a failed message")
}

func (c *cli) cmdSignUp(ctx context.Context, email, username, name string) error {
	id, err := c.app.Backend.SignUp(ctx, email, username, name)
	if err != nil {
		return err
	}
	return c.printProfile(id.UserID)
}

func (c *cli) cmdLogin(ctx context.Context, identifier string) error {
	id, err := c.app.Backend.SignIn(ctx, identifier)
	if err != nil {
		return err
	}
	return c.printProfile(id.UserID)
}

func (c *cli) cmdWhoami() error {
	uid := c.app.Session.UserID()
	if uid == "" {
		fmt.Println("Not signed in.")
		return nil
	}
	return c.printProfile(uid)
}

func (c *cli) printProfile(uid string) error {
	p := c.app.Session.Profile()
	if p == nil {
		return fmt.Errorf("profile for %s not loaded", uid)
	}
	if c.json {
		outputJSON(p)
		return nil
	}
	fmt.Printf("ID:       %s\n", p.ID)
	fmt.Printf("Name:     %s\n", p.DisplayName())
	fmt.Printf("Username: %s\n", p.Username)
	fmt.Printf("Email:    %s\n", p.Email)
	if p.Phone != "" {
		fmt.Printf("Phone:    %s\n", p.Phone)
	}
	if p.AvatarURL != "" {
		fmt.Printf("Avatar:   %s\n", p.AvatarURL)
	}
	return nil
}

func (c *cli) cmdProfile(ctx context.Context, field, value string) error {
	var patch model.ProfilePatch
	switch field {
	case "name":
		patch.Name = &value
	case "username":
		patch.Username = &value
	case "phone":
		patch.Phone = &value
	default:
		return usageError("profile <name|username|phone> <value>")
	}
	u, err := c.app.Session.UpdateProfile(ctx, patch)
	if err != nil {
		return err
	}
	return c.printProfile(u.ID)
}

func (c *cli) cmdAvatar(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	u, err := c.app.Session.UploadAvatar(ctx, path, data)
	if err != nil {
		return err
	}
	return c.printProfile(u.ID)
}

func (c *cli) cmdUsers(ctx context.Context, query string) error {
	var (
		users []model.User
		err   error
	)
	if query == "" {
		users, err = c.app.Directory.ListUsers(ctx, c.app.Session.UserID())
	} else {
		users, err = c.app.Directory.SearchUsers(ctx, query, c.app.Session.UserID())
	}
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(users)
		return nil
	}
	for _, u := range users {
		fmt.Printf("%-20s %-24s %s\n", u.Username, u.DisplayName(), u.ID)
	}
	return nil
}

func (c *cli) cmdChats(ctx context.Context) error {
	uid, err := c.requireUser("list")
	if err != nil {
		return err
	}
	chats, err := c.app.Directory.ListChatsForUser(ctx, uid)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(chats)
		return nil
	}
	if len(chats) == 0 {
		fmt.Println("No chats.")
		return nil
	}
	for _, s := range chats {
		kind := "dm"
		if s.IsGroup {
			kind = "group"
		}
		last := ""
		if s.LastMessage != nil {
			last = truncate(s.LastMessage.Body, 40)
		}
		fmt.Printf("%s  %-5s %-20s %s  %s\n", s.ID, kind, s.Name, s.Activity().Local().Format("Jan 02 15:04"), last)
	}
	return nil
}

func (c *cli) cmdDM(ctx context.Context, identifier string) error {
	uid, err := c.requireUser("create")
	if err != nil {
		return err
	}
	other, err := c.app.Directory.FindUser(ctx, identifier)
	if err != nil {
		return err
	}
	chat, err := c.app.Directory.FindOrCreateDirectChat(ctx, uid, other.ID)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(chat)
		return nil
	}
	fmt.Printf("Direct chat with %s: %s\n", other.DisplayName(), chat.ID)
	return nil
}

func (c *cli) cmdGroup(ctx context.Context, name string, identifiers []string) error {
	uid, err := c.requireUser("create")
	if err != nil {
		return err
	}
	members := []string{uid}
	for _, ident := range identifiers {
		u, err := c.app.Directory.FindUser(ctx, ident)
		if err != nil {
			return err
		}
		members = append(members, u.ID)
	}
	chat, err := c.app.Directory.CreateGroupChat(ctx, name, members)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(chat)
		return nil
	}
	fmt.Printf("Group %q created: %s\n", chat.Name, chat.ID)
	return nil
}

func (c *cli) cmdHistory(ctx context.Context, chatID string) error {
	uid, err := c.requireUser("read")
	if err != nil {
		return err
	}
	if _, err := c.app.Directory.Chat(ctx, chatID, uid); err != nil {
		return err
	}
	if err := c.app.Coordinator.OpenChat(ctx, chatID); err != nil {
		return err
	}
	v := c.app.Coordinator.Snapshot()
	if v.Err != nil {
		return v.Err
	}
	if c.json {
		outputJSON(v.Messages)
		return nil
	}
	names := newNameCache(c.app)
	for _, m := range v.Messages {
		fmt.Println(formatMessage(ctx, names, c.app.Session.UserID(), m))
	}
	return nil
}

func (c *cli) cmdSend(ctx context.Context, chatID, body string) error {
	acks := c.app.Bus.Subscribe(bus.KindSendAck, 8)
	defer acks.Close()
	failures := c.app.Bus.Subscribe(bus.KindSendFailed, 8)
	defer failures.Close()

	id, err := c.app.Sender.Queue(chatID, body, "")
	if err != nil {
		return err
	}
	for {
		select {
		case evt := <-acks.C:
			if ack, ok := evt.Payload.(outbox.Ack); ok && ack.ClientMsgID == id {
				if c.json {
					outputJSON(ack.Message)
				} else {
					fmt.Printf("Sent: %s\n", ack.Message.ID)
				}
				return nil
			}
		case evt := <-failures.C:
			if f, ok := evt.Payload.(outbox.Failure); ok && f.ClientMsgID == id {
				return fmt.Errorf("%w (retry with: chatctl retry %s)", f.Err, id)
			}
		case <-ctx.Done():
			return fmt.Errorf("message %s still queued: %w", id, ctx.Err())
		}
	}
}

func (c *cli) cmdOutbox() error {
	pending, err := c.app.Sender.Pending()
	if err != nil {
		return err
	}
	failed, err := c.app.Sender.Failed()
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(map[string]any{"pending": pending, "failed": failed})
		return nil
	}
	for _, e := range pending {
		fmt.Printf("queued  %s  %s  %s\n", e.ClientMsgID, e.ChatID, truncate(e.Body, 40))
	}
	for _, e := range failed {
		fmt.Printf("failed  %s  %s  %s  (%s)\n", e.ClientMsgID, e.ChatID, truncate(e.Body, 40), e.ErrorMessage)
	}
	if len(pending)+len(failed) == 0 {
		fmt.Println("Outbox empty.")
	}
	return nil
}

func (c *cli) cmdRetry(ctx context.Context, clientMsgID string) error {
	acks := c.app.Bus.Subscribe(bus.KindSendAck, 8)
	defer acks.Close()
	if err := c.app.Sender.Retry(clientMsgID); err != nil {
		return err
	}
	for {
		select {
		case evt := <-acks.C:
			if ack, ok := evt.Payload.(outbox.Ack); ok && ack.ClientMsgID == clientMsgID {
				fmt.Printf("Sent: %s\n", ack.Message.ID)
				return nil
			}
		case <-ctx.Done():
			fmt.Println("Requeued.")
			return nil
		}
	}
}

func (c *cli) requireUser(op string) (string, error) {
	uid := c.app.Session.UserID()
	if uid == "" {
		return "", &apperr.AuthorizationError{Op: op, Resource: "chats"}
	}
	return uid, nil
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
