package event

import "time"

// Method is the dispatch strategy for a priority tier.
type Method int

const (
	MethodImmediate Method = iota
	MethodNotifyDefer
	MethodBackground
)

func (m Method) String() string {
	switch m {
	case MethodImmediate:
		return "immediate"
	case MethodNotifyDefer:
		return "notify-then-defer"
	case MethodBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Policy pairs a delay with a dispatch method.
type Policy struct {
	Delay  time.Duration
	Method Method
}

const (
	ImportantDelay = 30 * time.Second
	MinorDelay     = 300 * time.Second
)

var policies = map[Priority]Policy{
	Critical:  {Delay: 0, Method: MethodImmediate},
	Important: {Delay: ImportantDelay, Method: MethodNotifyDefer},
	Minor:     {Delay: MinorDelay, Method: MethodBackground},
}

// PolicyFor returns the fixed policy for p. Unknown priorities fall back to
// the Minor policy.
func PolicyFor(p Priority) Policy {
	if pol, ok := policies[p]; ok {
		return pol
	}
	return policies[Minor]
}
