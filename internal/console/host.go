// Package console is a headless host for the coordinator: collaborators
// that print instead of drawing, and a line-oriented command shell.
package console

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tutorly/livesync/internal/scheduler"
)

// ErrNoPrompt is returned by Accept and Dismiss when nothing is showing.
var ErrNoPrompt = errors.New("no refresh prompt showing")

// Page is the simulated page: its state survives a full refresh through
// Save and Restore, and its scroll offset survives selective refreshes.
type Page struct {
	mu      sync.Mutex
	route   string
	scrollY int
	saves   int
}

type pageState struct {
	route   string
	scrollY int
}

func (p *Page) SetRoute(route string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.route = route
	p.scrollY = 0
}

func (p *Page) Scroll(y int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrollY = y
}

func (p *Page) Save() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	return pageState{route: p.route, scrollY: p.scrollY}, nil
}

func (p *Page) Restore(token any) error {
	st, ok := token.(pageState)
	if !ok {
		return fmt.Errorf("unexpected page state %T", token)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.route, p.scrollY = st.route, st.scrollY
	return nil
}

func (p *Page) SaveScroll() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrollY, nil
}

func (p *Page) RestoreScroll(token any) error {
	y, ok := token.(int)
	if !ok {
		return fmt.Errorf("unexpected scroll token %T", token)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrollY = y
	return nil
}

// ScrollY returns the current offset.
func (p *Page) ScrollY() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrollY
}

// Notifier prints prompts and keeps the most recent one for the accept and
// dismiss commands. A newer prompt replaces an unanswered one.
type Notifier struct {
	out io.Writer

	mu      sync.Mutex
	current *scheduler.Prompt
}

func NewNotifier(out io.Writer) *Notifier {
	return &Notifier{out: out}
}

func (n *Notifier) ShowDeferredRefreshPrompt(p scheduler.Prompt) error {
	n.mu.Lock()
	n.current = &p
	n.mu.Unlock()
	fmt.Fprintf(n.out, "[prompt] %s (%s) accept|dismiss\n", p.Message, p.Category)
	return nil
}

func (n *Notifier) take() (*scheduler.Prompt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.current
	n.current = nil
	if p == nil {
		return nil, ErrNoPrompt
	}
	return p, nil
}

// Accept answers the showing prompt with "refresh now".
func (n *Notifier) Accept() error {
	p, err := n.take()
	if err != nil {
		return err
	}
	p.OnAccept()
	return nil
}

// Dismiss answers the showing prompt with "later".
func (n *Notifier) Dismiss() error {
	p, err := n.take()
	if err != nil {
		return err
	}
	p.OnDismiss()
	return nil
}

// Showing reports whether a prompt awaits an answer.
func (n *Notifier) Showing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current != nil
}
