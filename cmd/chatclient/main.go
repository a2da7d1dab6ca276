// Command chatclient is an interactive terminal client. Lines typed on stdin
// are sent to the current conversation; lines starting with "/" are
// commands:
//
//	/join <conversation>   join a room and make it current
//	/leave                 leave the current room
//	/retry <temp id>       re-send a failed message
//	/show                  print the current conversation
//	/quit
//
// Usage:
//
//	go run ./cmd/chatclient -token $TOKEN [-url ws://localhost:8080/ws] [-join general]
//
// With -secret instead of -token, a development token is minted for -user.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/whisper/convo/internal/auth"
	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/client"
	"github.com/whisper/convo/internal/protocol"
	"github.com/whisper/convo/internal/reconcile"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
	token := flag.String("token", os.Getenv("CONVO_TOKEN"), "bearer token")
	secret := flag.String("secret", "", "mint a development token with this JWT secret")
	user := flag.String("user", "", "user id for a minted token")
	name := flag.String("name", "", "display name")
	join := flag.String("join", "", "conversation to join on start")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *secret != "" {
		t, err := mintToken(*secret, *user, *name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)
			os.Exit(1)
		}
		*token = t
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *url, *token, *name, *join, os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)
		os.Exit(1)
	}
}

func mintToken(secret, userID, username string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("-user is required with -secret")
	}
	a, err := auth.NewAuthenticator(secret)
	if err != nil {
		return "", err
	}
	return a.GenerateToken(chat.Identity{UserID: userID, Username: username}, 24*time.Hour)
}

func run(ctx context.Context, url, token, name, join string, in io.Reader, out io.Writer, log *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.Dial(dialCtx, url, token, client.WithUsername(name), client.WithLogger(log))
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Fprintf(out, "connected as %s (%s)\n", c.Self().UserID, c.ConnectionID())

	current := join
	if current != "" {
		if err := c.Join(current); err != nil {
			return err
		}
	}

	reported := make(map[string]int) // temp id -> attempts reported failed
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		case ev := <-c.Events():
			printEvent(out, c.Self().UserID, ev)
		case <-c.Engine().Changes():
			// Pending and failed states only show up on the engine.
			printFailures(out, c.Engine().Entries(current), reported)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(c, &current, line, out)
			if err != nil {
				fmt.Fprintf(out, "! %s\n", chat.ReasonOf(err))
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(c *client.Client, current *string, line string, out io.Writer) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if *current == "" {
			return false, fmt.Errorf("join a conversation first")
		}
		_, err := c.Send(*current, line, "")
		return false, err
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "join":
		if arg == "" {
			return false, fmt.Errorf("usage: /join <conversation>")
		}
		*current = arg
		return false, c.Join(arg)
	case "leave":
		if *current == "" {
			return false, nil
		}
		err := c.Leave(*current)
		*current = ""
		return false, err
	case "retry":
		_, err := c.Retry(arg)
		return false, err
	case "show":
		for _, e := range c.Engine().Entries(*current) {
			fmt.Fprintf(out, "  [%s] %s: %s\n", e.State, e.Message.Author.Username, e.Message.Content)
		}
		return false, nil
	case "quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command /%s", cmd)
	}
}

func printEvent(out io.Writer, self string, ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.JoinedConversation:
		if e.Success {
			fmt.Fprintf(out, "* joined %s\n", e.ConversationID)
		}
	case protocol.LeftConversation:
		fmt.Fprintf(out, "* left %s\n", e.ConversationID)
	case protocol.NewMessage:
		if e.Message.AuthorID == self {
			return
		}
		fmt.Fprintf(out, "%s %s: %s\n", e.Message.CreatedAt.Local().Format("15:04"), authorName(e.Message), e.Message.Content)
	case protocol.MessageUpdated:
		fmt.Fprintf(out, "* %s edited: %s\n", authorName(e.Message), e.Message.Content)
	case protocol.MessageDeleted:
		fmt.Fprintf(out, "* message %s deleted\n", e.MessageID)
	case protocol.UserTyping:
		if e.UserID != self && e.IsTyping {
			fmt.Fprintf(out, "* %s is typing...\n", e.Username)
		}
	case protocol.ParticipantAdded:
		fmt.Fprintf(out, "* %s was added to %s\n", e.UserID, e.ConversationID)
	case protocol.ParticipantLeft:
		fmt.Fprintf(out, "* %s left %s\n", e.UserID, e.ConversationID)
	case protocol.Error:
		if e.ClientMsgID == "" {
			fmt.Fprintf(out, "! %s (%s)\n", e.Error, e.Code)
		}
	}
}

func printFailures(out io.Writer, entries []reconcile.Entry, reported map[string]int) {
	for _, e := range entries {
		if e.State != reconcile.StateFailed {
			continue
		}
		if n, ok := reported[e.TempID]; ok && n == e.RetryCount {
			continue
		}
		reported[e.TempID] = e.RetryCount
		hint := ""
		if e.CanRetry {
			hint = fmt.Sprintf(", /retry %s", e.TempID)
		}
		fmt.Fprintf(out, "! not sent: %q (%s%s)\n", e.Message.Content, e.Error, hint)
	}
}

func authorName(m chat.Message) string {
	if m.Author.Username != "" {
		return m.Author.Username
	}
	return m.AuthorID
}
