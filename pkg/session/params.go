package session

import "time"

// Default reliability timing parameters, used when the peer does not
// advertise its own.
const (
	// DefaultIdleInterval is the retry baseline when the peer is idle.
	DefaultIdleInterval = 500 * time.Millisecond

	// DefaultActiveInterval is the retry baseline when the peer has been
	// active recently.
	DefaultActiveInterval = 300 * time.Millisecond

	// DefaultActiveThreshold is how long after its last message a peer is
	// still considered active.
	DefaultActiveThreshold = 4000 * time.Millisecond

	// MaxInterval caps the idle and active intervals.
	MaxInterval = time.Hour
)

// Params holds reliability timing parameters for a session. They feed the
// retransmission backoff: the exchange layer scales the current baseline by
// its backoff formula.
//
// The peer's intervals are discovered outside this module (advertisement or
// session establishment); here they are plain configuration.
type Params struct {
	// IdleInterval is the retry baseline while the peer is idle.
	IdleInterval time.Duration

	// ActiveInterval is the retry baseline while the peer is active.
	ActiveInterval time.Duration

	// ActiveThreshold is how long after the peer's last message it is
	// still considered active.
	ActiveThreshold time.Duration
}

// DefaultParams returns parameters with the default values.
func DefaultParams() Params {
	return Params{
		IdleInterval:    DefaultIdleInterval,
		ActiveInterval:  DefaultActiveInterval,
		ActiveThreshold: DefaultActiveThreshold,
	}
}

// withDefaults fills zero fields with defaults and caps oversized intervals.
func (p Params) withDefaults() Params {
	if p.IdleInterval == 0 {
		p.IdleInterval = DefaultIdleInterval
	}
	if p.ActiveInterval == 0 {
		p.ActiveInterval = DefaultActiveInterval
	}
	if p.ActiveThreshold == 0 {
		p.ActiveThreshold = DefaultActiveThreshold
	}
	if p.IdleInterval > MaxInterval {
		p.IdleInterval = MaxInterval
	}
	if p.ActiveInterval > MaxInterval {
		p.ActiveInterval = MaxInterval
	}
	return p
}
