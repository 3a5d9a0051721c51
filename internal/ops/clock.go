package ops

import (
	"time"

	"github.com/kk-code-lab/ff3/internal/clock"
)

// Clock stamps report times. Tests replace it with a clock.Fake.
var Clock clock.Clock = clock.RealClock{}

func now() time.Time {
	return Clock.Now().UTC()
}
