package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/tutorly/livesync/internal/bus"
	"github.com/tutorly/livesync/internal/coordinator"
)

const help = `commands:
  route <path>              navigate
  scroll <y>                set scroll offset
  visible on|off            tab visibility
  active                    record a user interaction
  online on|off             network reachability
  session on|off            live tutoring session
  subscribe <type> <id>     scope push delivery to an entity
  check                     poll now
  accept | dismiss          answer the refresh prompt
  ping                      keep-alive probe
  status                    dump component state
  quit`

var signals = []bus.Signal{
	bus.FullRefresh,
	bus.CourseData,
	bus.UserData,
	bus.SessionData,
	bus.EnrollmentData,
	bus.AdminData,
	bus.TutorData,
	bus.StudentData,
	bus.TransportUp,
	bus.TransportDown,
}

// Shell drives a coordinator from text commands and prints every page
// signal it emits.
type Shell struct {
	c        *coordinator.Coordinator
	page     *Page
	notifier *Notifier

	mu    sync.Mutex
	out   io.Writer
	unsub []func()
}

func NewShell(c *coordinator.Coordinator, page *Page, notifier *Notifier, out io.Writer) *Shell {
	s := &Shell{c: c, page: page, notifier: notifier, out: out}
	for _, sig := range signals {
		s.unsub = append(s.unsub, c.On(sig, func(p bus.Payload) {
			if p.Category == "" {
				s.printf("[%s]\n", sig)
				return
			}
			s.printf("[%s] %s entities=%d\n", sig, p.Category, len(p.AffectedEntities))
		}))
	}
	return s
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// Close detaches the signal printers.
func (s *Shell) Close() {
	for _, u := range s.unsub {
		u()
	}
	s.unsub = nil
}

// Run reads commands from in until quit, EOF or ctx cancellation.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			quit, err := s.Exec(line)
			if err != nil {
				s.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Exec runs one command line.
func (s *Shell) Exec(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		s.printf("%s\n", help)
	case "route":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: route <path>")
		}
		s.page.SetRoute(args[0])
		s.c.SetRoute(args[0])
		s.c.RecordActivity()
	case "scroll":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: scroll <y>")
		}
		y, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("scroll: %w", err)
		}
		s.page.Scroll(y)
		s.c.RecordActivity()
	case "visible", "online", "session":
		on, err := parseSwitch(cmd, args)
		if err != nil {
			return false, err
		}
		switch cmd {
		case "visible":
			s.c.SetVisible(on)
		case "online":
			s.c.SetOnline(on)
		case "session":
			s.c.SetActiveSession(on)
		}
	case "active":
		s.c.RecordActivity()
	case "subscribe":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: subscribe <type> <id>")
		}
		return false, s.c.SubscribeToEntity(args[0], args[1])
	case "check":
		s.c.CheckNow("user")
	case "accept":
		return false, s.notifier.Accept()
	case "dismiss":
		return false, s.notifier.Dismiss()
	case "ping":
		return false, s.c.Ping()
	case "status":
		data, err := json.MarshalIndent(statusView(s.c.Status()), "", "  ")
		if err != nil {
			return false, err
		}
		s.printf("%s\n", data)
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func parseSwitch(cmd string, args []string) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("usage: %s on|off", cmd)
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("%s: expected on|off, got %q", cmd, args[0])
}

func statusView(st coordinator.Status) map[string]any {
	pending := make([]string, len(st.Pending))
	for i, ev := range st.Pending {
		pending[i] = ev.Priority.String() + " " + string(ev.Category)
	}
	subs := make([]string, len(st.Subscriptions))
	for i, sub := range st.Subscriptions {
		subs[i] = sub.String()
	}
	return map[string]any{
		"phase":         st.Phase.String(),
		"pending":       pending,
		"retry_pending": st.RetryPending,
		"channel_live":  st.ChannelLive,
		"transport":     st.Transport.String(),
		"subscriptions": subs,
		"poller":        st.Poller.String(),
		"poll_interval": st.PollInterval,
		"backoff":       st.Backoff,
		"poll_context":  st.PollContext,
		"route":         st.Activity.Route,
		"safe_zone":     st.Activity.InSafeZone,
		"user_active":   st.Activity.Active,
		"visible":       st.Activity.Visible,
	}
}
