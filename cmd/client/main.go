package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/chat"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/identity"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/ledger"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/logging"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/protocol"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/relayclient"
)

const (
	outboxRetention = 5 * time.Minute
	pruneInterval   = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ens chat: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func run() error {
	_ = godotenv.Load()

	relayURL := flag.String("relay", envOr("RELAY_URL", "ws://localhost:8080/ws"), "relay websocket URL")
	address := flag.String("address", os.Getenv("CHAT_ADDRESS"), "local wallet address")
	name := flag.String("name", os.Getenv("CHAT_NAME"), "display name to register")
	origin := flag.String("origin", os.Getenv("CHAT_ORIGIN"), "Origin header sent to the relay")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "warn"), "log level")
	flag.Parse()

	log := logging.New(os.Stderr, *logLevel, "text")
	slog.SetDefault(log)

	self, err := identity.Normalize(*address)
	if err != nil {
		return fmt.Errorf("-address: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The ledger lives in this process only: it holds this client's own writes,
	// and other users' messages arrive through the relay.
	book := ledger.NewMemory(log)
	if *name != "" {
		if err := book.RegisterName(self, *name); err != nil {
			return fmt.Errorf("register name: %w", err)
		}
	}

	svc, err := chat.NewService(chat.Options{
		Self:     self,
		SelfName: *name,
		Writer:   book.WriterFor(self),
		Reader:   book,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	go func() {
		if err := svc.Watch(ctx, book); err != nil {
			log.Error("Ledger watch stopped", "error", err)
		}
	}()

	out := &printer{w: os.Stdout, svc: svc}
	relay, err := relayclient.Dial(ctx, *relayURL, relayclient.Options{
		Origin: *origin,
		Logger: log,
		Handlers: relayclient.Handlers{
			AuthSuccess: svc.HandleAuthSuccess,
			Message: func(f protocol.Message) {
				if svc.HandleRelay(f) == chat.OutcomeInserted {
					out.message(chat.FromFrame(f))
				}
			},
			Typing: svc.HandleTyping,
			Error:  svc.HandleError,
		},
	})
	if err != nil {
		return err
	}
	defer relay.Close()
	svc.SetRelay(relay)

	listenErr := make(chan error, 1)
	go func() { listenErr <- relay.Listen(ctx) }()

	if err := relay.Auth(ctx, self, *name); err != nil {
		return err
	}
	if err := svc.LoadConversation(ctx, chat.GroupKey); err != nil {
		log.Warn("Initial history load failed", "error", err)
	}

	go out.notices(ctx)
	go pruneLoop(ctx, svc)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	out.printf("Connected as %s. Commands: /chat group|<address|name>, /history, /search <text>, /who, /quit\n", svc.Directory().DisplayName(self))
	out.printf("History is local to this session; messages from others arrive through the relay only.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-listenErr:
			svc.Reset()
			if err != nil {
				return err
			}
			out.printf("Relay closed the connection.\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, svc, out, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func pruneLoop(ctx context.Context, svc *chat.Service) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.PruneOutbox(outboxRetention)
		}
	}
}

func handleLine(ctx context.Context, svc *chat.Service, out *printer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		msg, err := svc.Send(ctx, line)
		var failure *chat.SendFailure
		switch {
		case errors.As(err, &failure):
			out.printf("! not sent (%v)\n", failure.Err)
		case err != nil:
			out.printf("! %v\n", err)
		default:
			out.message(msg)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/chat":
		key, err := resolveChat(svc, arg)
		if err != nil {
			out.printf("! %v\n", err)
			return false
		}
		if err := svc.SetActiveChat(key); err != nil {
			out.printf("! %v\n", err)
			return false
		}
		if err := svc.LoadConversation(ctx, key); err != nil {
			out.printf("! %v\n", err)
		}
		out.history(svc.ActiveMessages())
	case "/history":
		out.history(svc.ActiveMessages())
	case "/search":
		out.history(svc.Reconciler().Search(arg))
	case "/who":
		for _, u := range svc.Directory().List(false, arg) {
			status := "offline"
			if u.Online {
				status = "online"
			}
			out.printf("  %-20s %s %s\n", svc.Directory().DisplayName(u.Address), u.Address, status)
		}
	default:
		out.printf("! unknown command %s\n", cmd)
	}
	return false
}

func resolveChat(svc *chat.Service, arg string) (chat.ConversationKey, error) {
	if arg == "" || arg == protocol.GroupChat {
		return chat.GroupKey, nil
	}
	if addr, err := identity.Normalize(arg); err == nil {
		return chat.ConversationKey(addr), nil
	}
	if u, ok := svc.Directory().LookupName(arg); ok {
		return chat.ConversationKey(u.Address), nil
	}
	return "", fmt.Errorf("unknown user %q", arg)
}

type printer struct {
	w   io.Writer
	svc *chat.Service
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) message(m chat.Message) {
	name := m.FromName
	if name == "" {
		name = p.svc.Directory().DisplayName(m.From)
	}
	scope := "group"
	if !chat.IsGroup(m) {
		scope = "dm"
	}
	state := ""
	switch m.State {
	case chat.StatePending:
		state = " (sending)"
	case chat.StateFailed:
		state = " (failed)"
	}
	p.printf("[%s %s] %s: %s%s\n", m.CreatedAt.Format(time.Kitchen), scope, name, m.Content, state)
}

func (p *printer) history(msgs []chat.Message) {
	if len(msgs) == 0 {
		p.printf("  (no messages)\n")
		return
	}
	for _, m := range msgs {
		p.message(m)
	}
}

func (p *printer) notices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.svc.Notices():
			if n.Level == chat.NoticeError {
				p.printf("! %s\n", n.Text)
			} else {
				p.printf("* %s\n", n.Text)
			}
		}
	}
}
