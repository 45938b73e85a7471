package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/realtime"
)

func printStatus(st api.StatusReply) {
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("User:    %s (%s)\n", st.Username, st.UserID)
	fmt.Printf("Status:  %s (%s)\n", st.Status, humanize.Time(st.StatusSince))
	fmt.Printf("Up:      since %s\n", humanize.Time(time.Now().Add(-time.Duration(st.UptimeMs)*time.Millisecond)))
	fmt.Printf("Chats:   %d  Friends: %d  Stories: %d\n", st.Chats, st.Friends, st.Stories)
	if st.CallStatus != "" {
		fmt.Printf("Call:    %s\n", st.CallStatus)
	}
}

func userLabel(u domain.User) string {
	var tags []string
	if u.Online {
		tags = append(tags, "online")
	}
	if u.IsBot {
		tags = append(tags, "bot")
	}
	if u.Blocked() {
		tags = append(tags, "blocked")
	}
	if len(tags) == 0 {
		return u.Username
	}
	return fmt.Sprintf("%s [%s]", u.Username, strings.Join(tags, ","))
}

func printChats(convs []domain.Conversation, active string) {
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		name := "(note to self)"
		if p, ok := c.Counterpart(); ok {
			name = userLabel(p)
		}
		last, when := "", ""
		if c.LastMessage != nil {
			last = c.LastMessage.Text
			when = humanize.Time(c.LastMessage.CreatedAt)
		}
		if c.IsTyping {
			last = "typing..."
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		fmt.Printf("%s %-20s %-32s%s  %s  %s\n", marker, c.ID, name, unread, when, last)
	}
}

func printMessages(snap realtime.Snapshot) {
	names := map[string]string{snap.Self.ID: "you"}
	for _, c := range snap.Conversations {
		for _, p := range c.Participants {
			names[p.ID] = p.Username
		}
	}
	for _, m := range snap.Messages {
		fmt.Printf("%s  %-12s %s  [%s]\n", m.CreatedAt.Local().Format("Jan 2 15:04"), names[m.SenderID], m.Text, m.Status)
		for _, a := range m.Attachments {
			fmt.Printf("    %s: %s\n", a.Type, a.Name)
		}
	}
}

func printUsers(users []domain.User) {
	if len(users) == 0 {
		fmt.Println("No users.")
		return
	}
	for _, u := range users {
		seen := ""
		if !u.Online && !u.LastActive.IsZero() {
			seen = "last seen " + humanize.Time(u.LastActive)
		}
		fmt.Printf("%-20s %-32s %-16s %s\n", u.ID, userLabel(u), u.FriendshipStatus, seen)
	}
}

func printStories(stories []domain.Story) {
	if len(stories) == 0 {
		fmt.Println("No stories.")
		return
	}
	for _, s := range stories {
		viewed := ""
		if s.IsViewed {
			viewed = "(viewed)"
		}
		content := s.TextContent
		if content == "" {
			content = s.MediaURL
		}
		fmt.Printf("%-20s %-16s %-6s %s  %s %s\n", s.ID, s.Username, s.MediaType, humanize.Time(s.CreatedAt), content, viewed)
	}
}
