package testutil

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Epoch is the start time of every fake clock, so timestamps in golden
// files do not depend on when the test ran.
var Epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// NewFakeClock returns a fake clock stopped at Epoch.
func NewFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}
