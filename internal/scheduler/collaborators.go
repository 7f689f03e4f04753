package scheduler

import "github.com/tutorly/livesync/internal/event"

// Activity is the read side of the user activity state.
type Activity interface {
	InSafeZone() bool
	IsActive() bool
}

// StatePreserver saves page state before a full refresh and restores it
// afterwards. Tokens are opaque to the scheduler.
type StatePreserver interface {
	Save() (any, error)
	Restore(token any) error
}

// ScrollPreserver keeps the scroll position across a selective refresh.
type ScrollPreserver interface {
	SaveScroll() (any, error)
	RestoreScroll(token any) error
}

// Prompt is a dismissible "updates available" notification.
type Prompt struct {
	Category  event.Category
	Message   string
	OnAccept  func()
	OnDismiss func()
}

// Notifier displays deferred-refresh prompts.
type Notifier interface {
	ShowDeferredRefreshPrompt(Prompt) error
}

// DefaultPromptMessage is shown when an Important event carries no text.
const DefaultPromptMessage = "New updates are available."

type noActivity struct{}

func (noActivity) InSafeZone() bool { return false }
func (noActivity) IsActive() bool   { return false }
