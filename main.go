// stockroom-assistant - connectivity and streaming core for the inventory
// operations dashboard's AI assistant, with a line-based console for local
// development.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/jeranaias/stockroom-assistant/internal/gateway"
	"github.com/jeranaias/stockroom-assistant/internal/health"
	"github.com/jeranaias/stockroom-assistant/internal/session"
	"github.com/jeranaias/stockroom-assistant/internal/settings"
	"github.com/jeranaias/stockroom-assistant/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

const systemPrompt = "You are the stockroom assistant for an inventory " +
	"operations team. Answer questions about stock levels, locations, and " +
	"receiving concisely."

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store, err := settings.NewDefaultStore()
	if err != nil {
		return err
	}
	if dir, err := settings.Dir(); err == nil {
		os.MkdirAll(dir, 0700)
	}

	monitor := health.NewMonitor(store,
		health.WithLogger(sugar),
		health.WithOnChange(func(s health.Status) {
			if s.Err != nil {
				fmt.Printf("[%s: %s — %v]\n", s.Provider, s.State, s.Err)
			}
		}))
	monitor.Start()
	defer monitor.Stop()

	// Re-probe immediately when the settings file changes underneath us.
	watcher, err := settings.NewWatcher(store, func(*settings.Settings) {
		monitor.CheckNow()
	}, logger)
	if err != nil {
		sugar.Warnw("settings watcher unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	convStore, err := storage.NewConversationStore()
	if err != nil {
		return err
	}

	gw := gateway.New(store, gateway.WithLogger(sugar))
	mgr := session.NewManager(gw,
		session.WithSystemPrompt(systemPrompt),
		session.WithSaver(convStore),
		session.WithLogger(sugar))

	fmt.Printf("stockroom-assistant %s (%s)\n", Version, GitCommit)
	fmt.Println("Type a message, or /help for commands.")

	return repl(store, monitor, convStore, mgr)
}

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if os.Getenv("STOCKROOM_DEBUG") != "" {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

// repl reads lines and routes them to commands or chat sends. Ctrl+C during
// a streaming reply aborts that send only.
func repl(store *settings.Store, monitor *health.Monitor, convStore *storage.ConversationStore, mgr *session.Manager) error {
	sess := mgr.NewSession()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := handleCommand(line, store, monitor, convStore)
			if err != nil {
				fmt.Println("error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		send(sess, line)
	}
}

// send streams one exchange to stdout. Interrupt cancels the send without
// terminating the process.
func send(sess *session.Session, text string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := sess.SendMessage(ctx, text, func(delta string) {
		fmt.Print(delta)
	})
	fmt.Println()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		fmt.Println("[stopped]")
	case errors.Is(err, session.ErrSendInFlight):
		fmt.Println("[a reply is still streaming]")
	default:
		// The diagnostic turn is already in history; nothing more to print.
	}
}

func handleCommand(line string, store *settings.Store, monitor *health.Monitor, convStore *storage.ConversationStore) (quit bool, err error) {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Println(`/status              connection state and models
/provider local|remote  switch provider
/endpoint <url>      set local server endpoint
/model <name>        set active model for the current provider
/key <credential>    set remote API credential
/list                recent conversations
/open <n>            show a conversation from the /list numbering
/quit                exit`)

	case "/status":
		s := monitor.Status()
		fmt.Printf("provider=%s state=%s", s.Provider, s.State)
		if len(s.Models) > 0 {
			fmt.Printf(" models=%s", strings.Join(s.Models, ","))
		}
		if s.Err != nil {
			fmt.Printf(" error=%v", s.Err)
		}
		fmt.Println()

	case "/provider":
		p := settings.Provider(arg)
		if !p.Valid() {
			return false, fmt.Errorf("provider must be %q or %q", settings.ProviderLocal, settings.ProviderRemote)
		}
		if err := store.Save(settings.Partial{Provider: &p}); err != nil {
			return false, err
		}
		monitor.CheckNow()

	case "/endpoint":
		if arg == "" {
			return false, errors.New("usage: /endpoint <url>")
		}
		if err := store.Save(settings.Partial{LocalEndpoint: &arg}); err != nil {
			return false, err
		}
		monitor.CheckNow()

	case "/model":
		if arg == "" {
			return false, errors.New("usage: /model <name>")
		}
		s := store.Load()
		p := settings.Partial{LocalModel: &arg}
		if s.Provider == settings.ProviderRemote {
			p = settings.Partial{RemoteModel: &arg}
		}
		if err := store.Save(p); err != nil {
			return false, err
		}

	case "/key":
		if arg == "" {
			return false, errors.New("usage: /key <credential>")
		}
		if err := store.Save(settings.Partial{RemoteCredential: &arg}); err != nil {
			return false, err
		}
		monitor.CheckNow()

	case "/list":
		metas, err := convStore.List()
		if err != nil {
			return false, err
		}
		if len(metas) == 0 {
			fmt.Println("no saved conversations")
			break
		}
		for i, m := range metas {
			fmt.Printf("%2d. %s  %-40s  %d msgs\n",
				i+1, m.UpdatedAt.Format("2006-01-02 15:04"), m.Title, m.MessageCount)
		}

	case "/open":
		n, convErr := strconv.Atoi(arg)
		if convErr != nil || n < 1 {
			return false, errors.New("usage: /open <n>  (1 = most recent, per /list)")
		}
		conv, err := convStore.LoadByIndex(n - 1)
		if err != nil {
			return false, err
		}
		fmt.Printf("--- %s ---\n", conv.GetTitle())
		for _, m := range conv.Messages {
			fmt.Printf("%s: %s\n", m.Role.DisplayName(), m.Content)
		}

	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
	return false, nil
}
