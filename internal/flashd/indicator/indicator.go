// Package indicator maps orchestrator states onto a tri-state visual code:
// steady primary channel (idle, success), blinking primary channel (busy),
// steady secondary channel (error).
package indicator

// Signal is one of the three visual codes, plus Off for shutdown.
type Signal int

const (
	Off Signal = iota
	SteadyPrimary
	BlinkPrimary
	SteadySecondary
)

func (s Signal) String() string {
	switch s {
	case SteadyPrimary:
		return "steady-primary"
	case BlinkPrimary:
		return "blink-primary"
	case SteadySecondary:
		return "steady-secondary"
	default:
		return "off"
	}
}

// Sink receives one Set call per orchestrator transition.
type Sink interface {
	Set(s Signal)
}

// Nop is a Sink that does nothing. Used when no indicator hardware is
// configured and as the default in tests.
type Nop struct{}

var _ Sink = (*Nop)(nil)

func (Nop) Set(Signal) {}
