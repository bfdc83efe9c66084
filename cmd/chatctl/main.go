package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/confessr/chatd/internal/ctl"
	"github.com/confessr/chatd/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := ctl.New(profileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "groups":
		cmdGroups(ctx, c, *jsonFlag)
	case "outbox":
		cmdOutbox(ctx, c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl messages <group-id>")
			os.Exit(1)
		}
		cmdMessages(ctx, c, args[1], *jsonFlag)
	case "rename":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatctl rename <group-id> <name>")
			os.Exit(1)
		}
		run(c.Rename(ctx, args[1], args[2]))
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatctl send <group-id> <content>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], args[2], *jsonFlag)
	case "login":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatctl login <email> <password>")
			os.Exit(1)
		}
		cmdLogin(ctx, c, args[1], args[2])
	case "activate":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl activate <group-id>")
			os.Exit(1)
		}
		run(c.Activate(ctx, args[1]))
	case "purge":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl purge <group-id>")
			os.Exit(1)
		}
		run(c.PurgeGroup(ctx, args[1]))
	case "platform":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl platform <online|resumed|paused>")
			os.Exit(1)
		}
		run(c.Platform(ctx, args[1]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show daemon status")
	fmt.Fprintln(os.Stderr, "  groups                     List known groups")
	fmt.Fprintln(os.Stderr, "  outbox                     List pending outbox entries")
	fmt.Fprintln(os.Stderr, "  messages <group-id>        List recent messages in a group")
	fmt.Fprintln(os.Stderr, "  rename <group-id> <name>   Rename a group")
	fmt.Fprintln(os.Stderr, "  send <group-id> <content>  Send a text message")
	fmt.Fprintln(os.Stderr, "  login <email> <password>   Authenticate the daemon")
	fmt.Fprintln(os.Stderr, "  activate <group-id>        Mark a group as the active view")
	fmt.Fprintln(os.Stderr, "  purge <group-id>           Remove a group and its local data")
	fmt.Fprintln(os.Stderr, "  platform <event>           Report online/resumed/paused")
}

func run(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func cmdStatus(ctx context.Context, c *ctl.Client, jsonOut bool) {
	resp, err := c.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile: %s (pid %d)\n", resp.Profile, resp.PID)
	healthy := "unhealthy"
	if resp.Health.Healthy {
		healthy = "healthy"
	}
	fmt.Printf("Health:  %s", healthy)
	if resp.Health.BreakerOpen {
		fmt.Printf(" (breaker open, %d consecutive failures)", resp.Health.Failures)
	}
	fmt.Println()
	fmt.Printf("Groups:  %d known, %d outbox pending\n", resp.Groups, resp.OutboxPending)
	if resp.ActiveGroup != "" {
		fmt.Printf("Active:  %s\n", resp.ActiveGroup)
	}
	for id, state := range resp.Realtime {
		fmt.Printf("  %-36s %s\n", id, state)
	}
}

func cmdGroups(ctx context.Context, c *ctl.Client, jsonOut bool) {
	groups, err := c.Groups(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(groups)
		return
	}
	if len(groups) == 0 {
		fmt.Println("No groups found.")
		return
	}
	for _, g := range groups {
		name := g.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%-36s %-24s unread=%d\n", g.ID, name, g.UnreadCount)
	}
}

func cmdOutbox(ctx context.Context, c *ctl.Client, jsonOut bool) {
	entries, err := c.Outbox(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Outbox empty.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%-36s group=%s retries=%d next=%s\n",
			e.ClientKey, e.GroupID, e.RetryCount,
			time.UnixMilli(e.NextRetryAt).Format(time.RFC3339))
	}
}

func cmdMessages(ctx context.Context, c *ctl.Client, groupID string, jsonOut bool) {
	msgs, err := c.Messages(ctx, groupID, 0, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		fmt.Printf("%s %-9s %s\n",
			time.UnixMilli(m.CreatedAt).Format(time.RFC3339), m.Status, m.Content)
	}
}

func cmdSend(ctx context.Context, c *ctl.Client, groupID, content string, jsonOut bool) {
	resp, err := c.Send(ctx, &ctl.SendRequest{GroupID: groupID, Content: content})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("%s (msg %s)\n", resp.Result, resp.MsgID)
}

func cmdLogin(ctx context.Context, c *ctl.Client, email, password string) {
	resp, err := c.Login(ctx, email, password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Logged in. Session valid until %s\n", resp.ExpiresAt.Format(time.RFC3339))
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
