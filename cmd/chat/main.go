// Command chat is a terminal client for the relay. Each input line is sent
// as a user turn and the answer is printed as it streams in. "/reload"
// requests a new answer to the last turn and "/quit" exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-chat-relay/internal/aggregator"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	baseURL := os.Getenv("RELAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := aggregator.NewClient(baseURL,
		aggregator.WithAPIKey(os.Getenv("RELAY_API_KEY")),
		aggregator.WithClientLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := os.Getenv("CHAT_SESSION")
	if sessionID == "" {
		id, err := client.CreateSession(ctx, "terminal")
		if err != nil {
			log.Fatalf("Failed to create session: %v", err)
		}
		sessionID = id
	}

	p := &printer{}
	c := aggregator.NewChat(client,
		aggregator.WithModel(os.Getenv("CHAT_MODEL")),
		aggregator.WithStream(os.Getenv("CHAT_STREAM") != "false"),
		aggregator.WithHistory(client, sessionID),
		aggregator.WithLogger(logger),
		aggregator.OnUpdate(p.update),
		aggregator.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "\n[error] %v\n", err)
		}),
	)
	if err := c.Load(ctx); err != nil {
		log.Fatalf("Failed to load history: %v", err)
	}
	fmt.Fprintf(os.Stderr, "session %s\n", sessionID)

	lines := make(chan string)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-gctx.Done():
				return nil
			}
		}
		return sc.Err()
	})

	g.Go(func() error {
		// Ends the reader once the conversation is over.
		defer stop()
		for line := range lines {
			line = strings.TrimSpace(line)
			var err error
			switch line {
			case "":
				continue
			case "/quit":
				return nil
			case "/reload":
				err = c.Reload(gctx)
			default:
				err = c.Append(gctx, line)
			}
			fmt.Println()
			switch {
			case errors.Is(err, domain.ErrCallerCancelled):
				return nil
			case errors.Is(err, aggregator.ErrNothingToReload):
				fmt.Fprintln(os.Stderr, err)
			}
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		os.Stdin.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Fatalf("chat: %v", err)
	}
}

// printer writes the growth of the assistant turn being streamed.
type printer struct {
	id      string
	printed int
}

func (p *printer) update(msgs []aggregator.Message) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant {
		return
	}
	if last.ID != p.id {
		p.id = last.ID
		p.printed = 0
	}
	if len(last.Content) > p.printed {
		fmt.Print(last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}
