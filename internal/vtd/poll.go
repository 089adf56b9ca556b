package vtd

import (
	"fmt"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
)

// DefaultPollLimit bounds a hardware handshake when no limit is configured.
const DefaultPollLimit = 1 << 20

// Poller busy-waits on a status condition for at most Limit reads.
type Poller struct {
	Limit int
}

// Wait spins until done reports true. Running out of iterations is a device
// error; there is no retry.
func (p Poller) Wait(what string, done func() bool) error {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPollLimit
	}
	for i := 0; i < limit; i++ {
		if done() {
			return nil
		}
	}
	return fmt.Errorf("vtd: %s: no acknowledgement after %d polls: %w", what, limit, fwerr.ErrDeviceError)
}
