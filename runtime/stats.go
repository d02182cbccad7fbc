package runtime

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// StepStats is a snapshot of an engine's counters.
type StepStats struct {
	Engine             uuid.UUID
	Steps              int64
	FlexibleSteps      int64
	FixedSteps         int64
	ManifestBroadcasts int64
	Fetches            int64
	BytesFetched       int64
	ReceivesPosted     int64
	Sends              int64
	BytesSent          int64
	SkippedVariables   int64
	ArenaResizes       int64
}

type stepCounters struct {
	flexible  atomic.Int64
	fixed     atomic.Int64
	manifests atomic.Int64
	fetches   atomic.Int64
	fetched   atomic.Int64
	receives  atomic.Int64
	sends     atomic.Int64
	sent      atomic.Int64
	skipped   atomic.Int64
	resizes   atomic.Int64
}

func (c *stepCounters) snapshot(id uuid.UUID) StepStats {
	s := StepStats{
		Engine:             id,
		FlexibleSteps:      c.flexible.Load(),
		FixedSteps:         c.fixed.Load(),
		ManifestBroadcasts: c.manifests.Load(),
		Fetches:            c.fetches.Load(),
		BytesFetched:       c.fetched.Load(),
		ReceivesPosted:     c.receives.Load(),
		Sends:              c.sends.Load(),
		BytesSent:          c.sent.Load(),
		SkippedVariables:   c.skipped.Load(),
		ArenaResizes:       c.resizes.Load(),
	}
	s.Steps = s.FlexibleSteps + s.FixedSteps
	return s
}
