// Command chat is a line based terminal client. Plain lines are sent to the
// open conversation; commands start with a slash:
//
//	/open global | /open project <id> | /open dm <user id>
//	/users  /projects  /retry <key>  /quit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/boardchat/internal/chatclient"
	"github.com/npezzotti/boardchat/internal/logging"
	"github.com/npezzotti/boardchat/internal/reconcile"
	"github.com/npezzotti/boardchat/internal/types"
)

var (
	serverURL string
	email     string
	password  string
	logLevel  string
)

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "chat service base URL")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", os.Getenv("BOARDCHAT_PASSWORD"), "account password (default $BOARDCHAT_PASSWORD)")
	flag.StringVar(&logLevel, "log-level", "warn", "log level")
	flag.Parse()

	logger := logging.NewWithWriter(logging.Config{Level: logLevel, Pretty: true}, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	login, err := chatclient.Login(ctx, serverURL, email, password)
	if err != nil {
		logger.Fatal().Err(err).Msg("login")
	}

	client, err := chatclient.New(chatclient.Config{
		ServerURL: serverURL,
		Token:     login.Token,
		UserId:    login.User.Id,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("client")
	}
	if err := client.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("connect")
	}
	defer client.Close()

	if err := client.Open(ctx, types.GlobalConversation()); err != nil {
		logger.Fatal().Err(err).Msg("open global")
	}
	fmt.Printf("signed in as %s\n", login.User.Name)

	go render(ctx, client, os.Stdout)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			if err := client.Err(); err != nil {
				logger.Error().Err(err).Msg("connection lost")
			}
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, client, login.User.Id, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, client *chatclient.Client, self int, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := client.Send(ctx, line); err != nil {
			fmt.Printf("! send failed: %v (use /retry)\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/open":
		conv, err := parseConversation(fields[1:], self)
		if err != nil {
			fmt.Println("!", err)
			return false
		}
		if err := client.Open(ctx, conv); err != nil && !errors.Is(err, reconcile.ErrSuperseded) {
			fmt.Println("! open:", err)
		}
	case "/users":
		users, err := client.ListUsers(ctx)
		if err != nil {
			fmt.Println("!", err)
			return false
		}
		for _, u := range users {
			fmt.Printf("  %d\t%s\n", u.Id, u.Name)
		}
	case "/projects":
		projects, err := client.ListProjects(ctx)
		if err != nil {
			fmt.Println("!", err)
			return false
		}
		for _, p := range projects {
			fmt.Printf("  %d\t%s\n", p.Id, p.Title)
		}
	case "/retry":
		if len(fields) != 2 {
			fmt.Println("! usage: /retry <key>")
			return false
		}
		if err := client.Retry(ctx, fields[1]); err != nil {
			fmt.Println("! retry:", err)
		}
	default:
		fmt.Println("! unknown command", fields[0])
	}
	return false
}

func parseConversation(args []string, self int) (types.Conversation, error) {
	if len(args) == 1 && args[0] == "global" {
		return types.GlobalConversation(), nil
	}
	if len(args) != 2 {
		return types.Conversation{}, errors.New("usage: /open global | project <id> | dm <user id>")
	}

	id, err := strconv.Atoi(args[1])
	if err != nil || id <= 0 {
		return types.Conversation{}, fmt.Errorf("invalid id %q", args[1])
	}

	switch args[0] {
	case "project":
		return types.ProjectConversation(id), nil
	case "dm":
		return types.DirectConversation(self, id), nil
	}
	return types.Conversation{}, fmt.Errorf("unknown conversation kind %q", args[0])
}

// render redraws the open conversation after every change.
func render(ctx context.Context, client *chatclient.Client, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-client.Updates():
		}

		view := client.View()
		fmt.Fprintf(out, "\n--- %s ---\n", view.Conversation())
		for _, e := range view.Entries() {
			fmt.Fprintln(out, formatEntry(e))
		}
	}
}

func formatEntry(e reconcile.Entry) string {
	switch e := e.(type) {
	case reconcile.Confirmed:
		text := e.Content
		if e.Attachment != nil {
			text = strings.TrimSpace(text + " [" + e.Attachment.FileName + "]")
		}
		return fmt.Sprintf("%s %-8s %s", e.CreatedAt.Local().Format(time.Kitchen), e.Sender.Name, text)
	case reconcile.Placeholder:
		state := "sending"
		if e.Failed {
			state = "failed " + e.LocalKey
		}
		return fmt.Sprintf("%s %-8s %s (%s)", e.CreatedAt.Local().Format(time.Kitchen), "me", e.Content, state)
	}
	return ""
}
