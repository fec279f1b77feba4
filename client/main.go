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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"chatsession/client/api"
	"chatsession/client/config"
	"chatsession/client/metrics"
	"chatsession/client/model"
	"chatsession/client/room"
	"chatsession/client/session"
	"chatsession/client/stomp"
	"chatsession/client/transport"
)

const usage = `commands:
  /who                 list participants
  /history             show who joined and left
  /invite NICK...      invite users by nickname
  /renew               extend the session
  /dismiss             close the renewal prompt
  /leave               leave the room for good and quit
  /logout              log out and quit
  /quit                quit
anything else is sent to the room`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	apiURL := flag.String("api", cfg.APIURL, "REST API base URL")
	brokerURL := flag.String("broker", cfg.BrokerURL, "STOMP WebSocket endpoint")
	loginID := flag.String("login", "", "login id")
	password := flag.String("password", "", "password")
	signup := flag.String("signup", "", "register with this nickname before logging in")
	roomID := flag.Int64("room", 0, "room to open; 0 lists your rooms")
	logLevel := flag.String("log-level", cfg.LogLevel, "debug, info, warn or error")
	metricsFile := flag.String("metrics", cfg.MetricsFile, "write transport events to this CSV file")
	flag.Parse()

	if *loginID == "" {
		return errors.New("-login is required")
	}
	level, err := config.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	collector, closeMetrics, err := newCollector(*metricsFile)
	if err != nil {
		return err
	}
	collector.Start()
	defer func() {
		collector.Close()
		<-collector.Done
		closeMetrics()
		collector.PrintSummary(os.Stdout)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := api.New(api.Config{
		BaseURL:                *apiURL,
		Timeout:                cfg.RequestTimeout,
		DefaultSessionDuration: cfg.DefaultSessionDuration(),
	}, api.WithLogger(logger))
	if err != nil {
		return err
	}

	forced := make(chan struct{}, 1)
	var promptOpen atomic.Bool
	coord := session.NewCoordinator(client,
		session.WithLogger(logger),
		session.WithRenewalThreshold(cfg.RenewalThreshold),
		session.OnForcedLogout(func() {
			select {
			case forced <- struct{}{}:
			default:
			}
		}),
		session.OnChange(func(v session.View) {
			if was := promptOpen.Swap(v.RenewalPromptOpen); v.RenewalPromptOpen && !was {
				fmt.Printf("*** session ends in %ds, type /renew to stay logged in ***\n", v.RemainingSeconds)
			}
		}),
	)
	client.SetInterceptor(coord)

	if *signup != "" {
		if _, err := client.Signup(ctx, *signup, *loginID, *password); err != nil {
			return fmt.Errorf("signup: %w", err)
		}
		fmt.Printf("Registered %s\n", *signup)
	}
	identity, err := client.Login(ctx, *loginID, *password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	coord.Login(identity)
	fmt.Printf("Logged in as %s, session %s\n", identity.DisplayName,
		time.Duration(identity.SessionDurationSeconds)*time.Second)

	if *roomID == 0 {
		return listRooms(ctx, client, identity.ID)
	}

	tcfg := transport.DefaultConfig(*brokerURL)
	tcfg.Jar = client.Jar()
	tcfg.ConnectTimeout = cfg.ConnectTimeout
	tcfg.ReconnectDelay = cfg.ReconnectDelay
	tcfg.HeartBeat = stomp.HeartBeat{Send: cfg.HeartBeat, Receive: cfg.HeartBeat}
	tr := transport.New(tcfg,
		transport.WithLogger(logger),
		transport.WithCollector(collector),
		transport.OnStateChange(func(s transport.State) {
			fmt.Printf("[%s]\n", s)
		}),
	)

	var printer logPrinter
	rs := room.NewSession(identity, client, tr,
		room.WithLogger(logger),
		room.WithCollector(collector),
		room.WithPresence(cfg.Presence),
		room.OnChange(printer.update),
	)
	defer rs.Close()

	if err := openRoom(ctx, rs, *roomID, forced, coord); err != nil {
		if errors.Is(err, errSessionExpired) {
			return nil
		}
		return err
	}
	v := rs.View()
	fmt.Printf("--- %s (%d participants) ---\n%s\n", v.RoomName, len(v.Participants), usage)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-forced:
			expired(nil, coord)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := handleLine(ctx, line, *roomID, rs, client, coord)
			if err != nil {
				fmt.Println("!", err)
			}
			if done {
				return nil
			}
		}
	}
}

var errSessionExpired = errors.New("session expired")

// openRoom opens the room. When it fails because the session was forced out,
// the expiry notice is shown and errSessionExpired returned.
func openRoom(ctx context.Context, rs *room.Session, roomID int64, forced <-chan struct{}, coord *session.Coordinator) error {
	err := rs.Open(ctx, roomID)
	if err != nil && expired(forced, coord) {
		return errSessionExpired
	}
	return err
}

// expired shows the session-expired notice if the session was forced out,
// draining forced when given. It reports whether the notice was shown.
func expired(forced <-chan struct{}, coord *session.Coordinator) bool {
	if forced != nil {
		select {
		case <-forced:
		default:
		}
	}
	if !coord.View().Expired {
		return false
	}
	fmt.Println("*** session expired, please log in again ***")
	coord.AcknowledgeExpiry()
	return true
}

func newCollector(path string) (*metrics.Collector, func(), error) {
	if path == "" {
		return metrics.NewCollector(nil), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics file: %w", err)
	}
	return metrics.NewCollector(f), func() { f.Close() }, nil
}

func listRooms(ctx context.Context, client *api.Client, userID int64) error {
	rooms, err := client.Rooms(ctx, userID)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Println("You are not in any room.")
		return nil
	}
	for _, r := range rooms {
		fmt.Printf("%6d  %s (%d)\n", r.RoomID, r.RoomName, len(r.Participants))
	}
	return nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleLine runs one input line and reports whether the client should exit.
func handleLine(ctx context.Context, line string, roomID int64, rs *room.Session, client *api.Client, coord *session.Coordinator) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		err := rs.Send(line)
		if errors.Is(err, room.ErrEmptyMessage) {
			return false, nil
		}
		return false, err
	}

	switch fields[0] {
	case "/quit":
		return true, nil
	case "/logout":
		coord.Logout(ctx, false)
		return true, nil
	case "/leave":
		if err := client.LeaveRoom(ctx, roomID); err != nil {
			return false, err
		}
		return true, nil
	case "/renew":
		if err := coord.Renew(ctx); err != nil {
			return false, err
		}
		fmt.Printf("Session renewed, %ds left\n", coord.View().RemainingSeconds)
	case "/dismiss":
		coord.DismissRenewalPrompt()
	case "/who":
		for _, p := range rs.View().Participants {
			fmt.Printf("  %s (#%d)\n", p.Nickname, p.UserID)
		}
	case "/history":
		history, err := client.ParticipantsHistory(ctx, roomID)
		if err != nil {
			return false, err
		}
		for _, h := range history {
			quit := "present"
			if !h.QuitAt.IsZero() {
				quit = "left " + h.QuitAt.Format(time.DateTime)
			}
			fmt.Printf("  %-20s joined %s, %s\n", h.Nickname, h.JoinedAt.Format(time.DateTime), quit)
		}
	case "/invite":
		if len(fields) < 2 {
			return false, errors.New("usage: /invite NICK...")
		}
		if err := client.InviteUsers(ctx, roomID, fields[1:]); err != nil {
			return false, err
		}
		fmt.Printf("Invited %s\n", strings.Join(fields[1:], ", "))
	case "/help":
		fmt.Println(usage)
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

// logPrinter prints each message of the room log once, in log order.
type logPrinter struct {
	mu      sync.Mutex
	printed int
}

func (p *logPrinter) update(v room.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed > len(v.Messages) {
		return
	}
	for _, m := range v.Messages[p.printed:] {
		printMessage(m)
	}
	p.printed = len(v.Messages)
}

func printMessage(m model.Message) {
	stamp := ""
	if !m.CreatedAt.IsZero() {
		stamp = m.CreatedAt.Format(time.TimeOnly) + " "
	}
	if m.Type.IsNotification() {
		fmt.Printf("%s* %s\n", stamp, m.Text)
		return
	}
	fmt.Printf("%s<%s> %s\n", stamp, m.SenderNickname, m.Text)
}
