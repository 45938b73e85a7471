package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/lock"
	"github.com/matheus3301/rtchat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Commands that only read the session directory.
	switch args[0] {
	case "sessions":
		cmdSessions(*jsonFlag)
		return
	case "lock":
		cmdLock(sessionName, *jsonFlag)
		return
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fatal(fmt.Errorf("cannot connect to daemon for session %q: %w", sessionName, err))
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := &printer{json: *jsonFlag}
	if err := run(ctx, c, out, args); err != nil {
		cancel()
		fatal(err)
	}
}

type printer struct {
	json bool
}

// result prints v as JSON or calls text.
func (p *printer) result(v any, text func()) {
	if p.json {
		outputJSON(v)
		return
	}
	text()
}

func run(ctx context.Context, c *api.Client, out *printer, args []string) error {
	need := func(n int, usage string) error {
		if len(args) < n+1 {
			return fmt.Errorf("usage: rtchatctl %s", usage)
		}
		return nil
	}

	switch args[0] {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		out.result(st, func() { printStatus(st) })
	case "snapshot":
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		outputJSON(snap)
	case "chats":
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		out.result(snap.Conversations, func() { printChats(snap.Conversations, snap.ActiveConversationID) })
	case "open":
		if err := need(1, "open <user-id>"); err != nil {
			return err
		}
		id, err := c.CreateConversation(ctx, args[1])
		if err != nil {
			return err
		}
		out.result(api.ConversationReply{ConversationID: id}, func() { fmt.Println(id) })
	case "messages":
		if err := need(1, "messages <conversation-id>"); err != nil {
			return err
		}
		if err := c.SelectConversation(ctx, args[1]); err != nil {
			return err
		}
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		out.result(snap.Messages, func() { printMessages(snap) })
	case "send":
		if err := need(2, "send <conversation-id> <text>"); err != nil {
			return err
		}
		m, err := c.SendMessage(ctx, api.SendRequest{ConversationID: args[1], Text: strings.Join(args[2:], " ")})
		if err != nil {
			return err
		}
		out.result(m, func() { fmt.Printf("Sent (%s)\n", m.ID) })
	case "typing":
		if err := need(1, "typing <on|off>"); err != nil {
			return err
		}
		return c.SetTyping(ctx, args[1] == "on")
	case "call":
		if err := need(1, "call <user-id> [video]"); err != nil {
			return err
		}
		call, err := c.StartCall(ctx, args[1], len(args) > 2 && args[2] == "video")
		if err != nil {
			return err
		}
		out.result(call, func() { fmt.Printf("Calling... (%s)\n", call.ID) })
	case "accept":
		return c.AcceptCall(ctx)
	case "reject":
		return c.RejectCall(ctx)
	case "hangup":
		return c.EndCall(ctx)
	case "mute":
		muted, err := c.ToggleMute(ctx)
		if err != nil {
			return err
		}
		out.result(api.ToggleReply{On: muted}, func() { fmt.Printf("Muted: %v\n", muted) })
	case "video":
		off, err := c.ToggleVideo(ctx)
		if err != nil {
			return err
		}
		out.result(api.ToggleReply{On: off}, func() { fmt.Printf("Video off: %v\n", off) })
	case "story":
		if err := need(1, "story <list|post|view|delete|reply>"); err != nil {
			return err
		}
		return runStory(ctx, c, out, args[1:])
	case "users":
		if err := need(1, "users <query>"); err != nil {
			return err
		}
		users, err := c.SearchUsers(ctx, args[1])
		if err != nil {
			return err
		}
		out.result(users, func() { printUsers(users) })
	case "friends":
		return runFriends(ctx, c, out, args[1:])
	case "block":
		if err := need(1, "block <user-id>"); err != nil {
			return err
		}
		return c.Block(ctx, args[1])
	case "unblock":
		if err := need(1, "unblock <user-id>"); err != nil {
			return err
		}
		return c.Unblock(ctx, args[1])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return nil
}

func runStory(ctx context.Context, c *api.Client, out *printer, args []string) error {
	switch args[0] {
	case "list":
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		out.result(snap.Stories, func() { printStories(snap.Stories) })
	case "post":
		if len(args) < 2 {
			return errors.New("usage: rtchatctl story post <text>")
		}
		st, err := c.PostStory(ctx, domain.Story{MediaType: domain.StoryText, TextContent: strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}
		out.result(st, func() { fmt.Printf("Posted (%s)\n", st.ID) })
	case "view":
		if len(args) < 2 {
			return errors.New("usage: rtchatctl story view <story-id>")
		}
		return c.ViewStory(ctx, args[1])
	case "delete":
		if len(args) < 2 {
			return errors.New("usage: rtchatctl story delete <story-id>")
		}
		return c.DeleteStory(ctx, args[1])
	case "reply":
		if len(args) < 3 {
			return errors.New("usage: rtchatctl story reply <story-id> <text>")
		}
		m, err := c.ReplyToStory(ctx, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		out.result(m, func() { fmt.Println("Sent!") })
	default:
		return fmt.Errorf("unknown story subcommand: %s", args[0])
	}
	return nil
}

func runFriends(ctx context.Context, c *api.Client, out *printer, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		out.result(snap.Friends, func() { printUsers(snap.Friends) })
	case "pending":
		users, err := c.PendingRequests(ctx)
		if err != nil {
			return err
		}
		out.result(users, func() { printUsers(users) })
	case "add":
		if len(args) < 2 {
			return errors.New("usage: rtchatctl friends add <user-id>")
		}
		st, err := c.SendFriendRequest(ctx, args[1])
		if err != nil {
			return err
		}
		out.result(api.FriendshipReply{Status: st}, func() { fmt.Printf("Friendship: %s\n", st) })
	case "accept":
		if len(args) < 2 {
			return errors.New("usage: rtchatctl friends accept <user-id>")
		}
		return c.AcceptFriendRequest(ctx, args[1])
	default:
		return fmt.Errorf("unknown friends subcommand: %s", sub)
	}
	return nil
}

func cmdWatch(c *api.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.Watch(ctx, prefix, func(e api.Event) bool {
		if jsonOut {
			outputJSON(e)
			return true
		}
		fmt.Printf("%s  %-28s %s\n", e.Timestamp.Local().Format("15:04:05"), e.Kind, e.Payload)
		return true
	})
	if err != nil {
		fatal(err)
	}
}

type sessionInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Running bool      `json:"running"`
	User    string    `json:"user,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Since   time.Time `json:"since,omitempty"`
}

func cmdSessions(jsonOut bool) {
	names, err := session.List()
	if err != nil {
		fatal(err)
	}
	var infos []sessionInfo
	for _, name := range names {
		info := sessionInfo{Name: name, Path: session.Dir(name)}
		if h, err := lock.Read(info.Path); err == nil {
			info.Running, info.User, info.PID, info.Since = true, h.User, h.PID, h.Since
		}
		infos = append(infos, info)
	}
	if jsonOut {
		outputJSON(infos)
		return
	}
	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range infos {
		state := "stopped"
		if s.Running {
			state = fmt.Sprintf("running as %s since %s", s.User, humanize.Time(s.Since))
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, state)
	}
}

func cmdLock(sessionName string, jsonOut bool) {
	h, err := lock.Read(session.Dir(sessionName))
	if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Session %q is not running.\n", sessionName)
		return
	}
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(h)
		return
	}
	fmt.Printf("Session %q held by PID %d (%s) since %s\n", sessionName, h.PID, h.User, humanize.Time(h.Since))
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: rtchatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show session status")
	fmt.Fprintln(os.Stderr, "  snapshot                    Dump the full session state as JSON")
	fmt.Fprintln(os.Stderr, "  chats                       List conversations")
	fmt.Fprintln(os.Stderr, "  open <user-id>              Open the conversation with a user")
	fmt.Fprintln(os.Stderr, "  messages <conversation-id>  Select a conversation and show its messages")
	fmt.Fprintln(os.Stderr, "  send <conversation-id> <text>")
	fmt.Fprintln(os.Stderr, "  typing <on|off>             Broadcast typing in the active conversation")
	fmt.Fprintln(os.Stderr, "  call <user-id> [video]      Start a call")
	fmt.Fprintln(os.Stderr, "  accept | reject | hangup    Answer, decline or end the call")
	fmt.Fprintln(os.Stderr, "  mute | video                Toggle microphone or camera")
	fmt.Fprintln(os.Stderr, "  story list|post|view|delete|reply")
	fmt.Fprintln(os.Stderr, "  users <query>               Search users")
	fmt.Fprintln(os.Stderr, "  friends [list|pending|add|accept]")
	fmt.Fprintln(os.Stderr, "  block | unblock <user-id>")
	fmt.Fprintln(os.Stderr, "  watch [prefix]              Stream engine events")
	fmt.Fprintln(os.Stderr, "  sessions                    List known sessions")
	fmt.Fprintln(os.Stderr, "  lock                        Show which process holds the session")
}

func fatal(err error) {
	if st, ok := grpcstatus.FromError(err); ok && st != nil {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", st.Code(), st.Message())
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
