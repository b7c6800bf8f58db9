package jobs

import (
	"time"

	"github.com/robfig/cron/v3"
)

// catchUpSteps caps prevOccurrence's forward walk. A minutely schedule over
// the 35 day default window needs ~50k steps; anything past the cap is dense
// enough that "most recent missed occurrence" is effectively now anyway.
const catchUpSteps = 100_000

// missedOccurrence reports whether the job missed a trigger while the
// process was down, and the instant of the most recent missed one. Only
// that single occurrence is replayed; older misses are dropped.
func (s *Service) missedOccurrence(j Job, now time.Time) (bool, time.Time) {
	if !j.CatchUp || !j.State.claimable() {
		return false, time.Time{}
	}

	if j.Type == JobOnce {
		if j.LastRun.IsZero() && !j.RunAt.IsZero() && j.RunAt.Before(now) {
			return true, j.RunAt
		}
		return false, time.Time{}
	}

	sched, err := cron.ParseStandard(cronSpec(j))
	if err != nil {
		return false, time.Time{}
	}
	// The last run anchors the walk; creation time only stands in before
	// the first run. Upsert restamps created_at, so taking the max here
	// would erase history on every re-create.
	floor := j.LastRun
	if floor.IsZero() {
		floor = j.CreatedAt
	}
	if min := now.Add(-s.cfg.catchUpWindow()); floor.Before(min) {
		floor = min
	}
	// Zone-less specs step in the instant's own zone, so anchor the walk
	// in the default zone the live runner fires in. Explicit per-job
	// zones override inside the schedule itself.
	prev, ok := prevOccurrence(sched, floor.In(s.loc), now)
	if !ok {
		return false, time.Time{}
	}
	return true, prev
}

// prevOccurrence finds the last schedule occurrence in (floor, now) by
// stepping Next forward from floor. The cron library has no reverse
// iteration, so this walk is the only way to recover a missed instant.
func prevOccurrence(sched cron.Schedule, floor, now time.Time) (time.Time, bool) {
	var prev time.Time
	t := floor
	for i := 0; i < catchUpSteps; i++ {
		t = sched.Next(t)
		if t.IsZero() || !t.Before(now) {
			break
		}
		prev = t
	}
	if prev.IsZero() {
		return time.Time{}, false
	}
	return prev, true
}
