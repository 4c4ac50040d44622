package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chaterr"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/room"
	"github.com/alexjbarnes/chat-sync/internal/session"
	"github.com/alexjbarnes/chat-sync/internal/socket"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := api.NewClient(cfg.ServerURL, nil)

	user, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	socketURL, err := deriveSocketURL(cfg.ServerURL)
	if err != nil {
		return err
	}

	sess := session.New(func(ctx context.Context, token string) (*socket.Conn, error) {
		conn := socket.NewConn(socket.Config{
			URL:    socketURL,
			Token:  token,
			Device: cfg.DeviceName,
		}, logger)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}

		return conn, nil
	}, logger)

	conn, err := sess.OnAuthenticated(ctx, user.ID, client.Token())
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer sess.OnUnauthenticated()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.Run(gctx)
	})
	g.Go(func() error {
		defer stop()
		return commandLoop(gctx, cfg, logger, client, conn, appState, *user, os.Stdin)
	})

	return g.Wait()
}

// authenticate tries the cached token first, probing it with a profile
// fetch, and falls back to a fresh login. If login is rejected and a
// username is configured, the account is registered.
func authenticate(ctx context.Context, client *api.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (*api.User, error) {
	if token := appState.Token(); token != "" {
		client.SetToken(token)
		user, err := client.Profile(ctx)
		if err == nil {
			logger.Info("authenticated with cached token", slog.String("username", user.Username))
			return user, nil
		}

		logger.Debug("cached token rejected, logging in fresh")
		client.SetToken("")
	}

	auth, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		var apiErr *api.APIError
		rejected := errors.As(err, &apiErr) && apiErr.Status == 401
		switch {
		case rejected && cfg.Username != "":
			logger.Info("login rejected, registering", slog.String("username", cfg.Username))
			auth, err = client.Register(ctx, cfg.Username, cfg.Email, cfg.Password)
		case rejected:
			err = chaterr.ErrInvalidCredentials
		}
		if err != nil {
			return nil, fmt.Errorf("authenticating: %w", err)
		}
	}

	client.SetToken(auth.Token)
	if err := appState.SetToken(auth.Token); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	logger.Info("logged in", slog.String("username", auth.User.Username))

	return &auth.User, nil
}

// deriveSocketURL maps the REST base URL onto the WebSocket endpoint:
// https://host/api becomes wss://host/ws.
func deriveSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""

	return u.String(), nil
}

// commandLoop reads commands from input until EOF or cancellation.
// Reading happens on its own goroutine so a cancelled context returns
// immediately instead of waiting for the next line.
func commandLoop(ctx context.Context, cfg *config.Config, logger *slog.Logger, client *api.Client, conn *socket.Conn, appState *state.State, self api.User, input io.Reader) error {
	var current *room.Room

	closeCurrent := func() {
		if current == nil {
			return
		}
		if err := current.Close(ctx); err != nil {
			logger.Warn("closing room", slog.String("error", err.Error()))
		}
		current = nil
	}
	defer closeCurrent()

	fmt.Println("commands: /rooms /all /create /join /open /leave /members /messages /search /readers /quit")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	for {
		var raw string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return <-readErr
			}
			raw = l
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			if current == nil {
				fmt.Println("no room open; use /open <id>")
				continue
			}
			if err := current.Send(ctx, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "quit", "exit":
			return nil

		case "rooms":
			listRooms(ctx, client, client.ListGroups)

		case "all":
			listRooms(ctx, client, client.AllGroups)

		case "create":
			name, desc, _ := strings.Cut(arg, " ")
			if name == "" {
				fmt.Println("usage: /create <name> [description]")
				continue
			}
			r, err := client.CreateGroup(ctx, name, desc)
			if err != nil {
				fmt.Printf("create failed: %v\n", err)
				continue
			}
			fmt.Printf("created room %d (%s)\n", r.ID, r.Name)

		case "join":
			id, ok := parseRoomID(arg)
			if !ok {
				continue
			}
			if err := client.JoinGroup(ctx, id); err != nil {
				fmt.Printf("join failed: %v\n", err)
				continue
			}
			fmt.Printf("joined room %d; /open %d to enter\n", id, id)

		case "open":
			id, ok := parseRoomID(arg)
			if !ok {
				continue
			}
			closeCurrent()

			var (
				r       *room.Room
				printMu sync.Mutex
				printed int
			)
			show := func() {
				printMu.Lock()
				defer printMu.Unlock()
				msgs := r.Messages()
				if printed > len(msgs) {
					printed = len(msgs)
				}
				for ; printed < len(msgs); printed++ {
					m := msgs[printed]
					marker := ""
					if m.Origin == room.OriginOptimistic {
						marker = " (sending)"
					}
					fmt.Printf("  [%s] %s: %s%s\n", m.CreatedAt.Format("15:04"), m.AuthorName, m.Content, marker)
				}
			}
			r = room.New(room.Config{
				ID:        id,
				Self:      self,
				Backend:   client,
				Transport: conn,
				Cursors:   appState,
				PageSize:  cfg.HistoryPageSize,
				OnChange:  show,
			}, logger)
			if err := r.Open(ctx); err != nil {
				fmt.Printf("open failed: %v\n", err)
				continue
			}
			current = r
			show()
			fmt.Printf("-- %s (%d members) --\n", r.Name(), len(r.Members()))

		case "leave":
			closeCurrent()

		case "members":
			if current == nil {
				fmt.Println("no room open")
				continue
			}
			for _, m := range current.Members() {
				fmt.Printf("  %s [%s]\n", m.Username, m.Status)
			}

		case "messages":
			if current == nil {
				fmt.Println("no room open")
				continue
			}
			printMessages(current.Messages())

		case "search":
			if current == nil || arg == "" {
				fmt.Println("usage (with a room open): /search <query>")
				continue
			}
			msgs, err := client.SearchMessages(ctx, current.ID(), arg)
			if err != nil {
				fmt.Printf("search failed: %v\n", err)
				continue
			}
			for _, m := range msgs {
				fmt.Printf("  %s: %s\n", m.Username, m.Content)
			}

		case "readers":
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fmt.Println("usage: /readers <message-id>")
				continue
			}
			readers, err := client.Readers(ctx, id)
			if err != nil {
				fmt.Printf("readers failed: %v\n", err)
				continue
			}
			for _, r := range readers {
				fmt.Printf("  %s at %s\n", r.Username, r.ReadAt.Format("15:04"))
			}

		default:
			fmt.Printf("unknown command /%s\n", cmd)
		}
	}
}

func listRooms(ctx context.Context, client *api.Client, fetch func(context.Context) ([]api.Room, error)) {
	rooms, err := fetch(ctx)
	if err != nil {
		fmt.Printf("listing failed: %v\n", err)
		return
	}
	for _, r := range rooms {
		fmt.Printf("  %d: %s -- %s\n", r.ID, r.Name, r.Description)
	}
}

func parseRoomID(arg string) (int64, bool) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		fmt.Println("expected a room id")
		return 0, false
	}

	return id, true
}

func printMessages(msgs []room.Message) {
	for _, m := range msgs {
		marker := ""
		if m.Origin == room.OriginOptimistic {
			marker = " (sending)"
		}
		fmt.Printf("  [%s] %s: %s%s\n", m.CreatedAt.Format("15:04"), m.AuthorName, m.Content, marker)
	}
}
