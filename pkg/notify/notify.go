package notify

import (
	"context"

	"github.com/raterudder/loadrudder/pkg/types"
)

// Notifier delivers a human readable message.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Pinger reports to an external dead man's switch that a tick finished.
type Pinger interface {
	Ping(ctx context.Context, failed bool) error
}

// Publisher pushes the state at the end of a tick to an outside consumer.
type Publisher interface {
	Publish(ctx context.Context, state types.ControllerState) error
}

// Set groups every notification channel of a tick. Unconfigured channels
// are no-ops.
type Set struct {
	Email     Notifier
	Heartbeat Pinger
	// Publishers are called in order with the saved state.
	Publishers []Publisher
}

// Configured sets up every notification channel based on flags.
func Configured() *Set {
	return &Set{
		Email:     configuredEmail(),
		Heartbeat: configuredHeartbeat(),
		Publishers: []Publisher{
			configuredWebsite(),
			configuredMQTT(),
		},
	}
}

// Close releases the connections held by the publishers.
func (s *Set) Close() {
	for _, p := range s.Publishers {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// Nop returns a Set where every channel does nothing.
func Nop() *Set {
	return &Set{
		Email:     &Email{},
		Heartbeat: &Heartbeat{},
	}
}
