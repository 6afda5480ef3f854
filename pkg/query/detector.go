package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/extract"
	"github.com/entrhq/geoprobe/pkg/logging"
	"github.com/entrhq/geoprobe/pkg/types"
)

// State is a completion detector state.
type State int

const (
	StateSubmitted State = iota
	StateStreaming
	StateStable
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateStreaming:
		return "streaming"
	case StateStable:
		return "stable"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Outcome is the terminal result of a detector run.
type Outcome struct {
	State    State
	Polls    int
	Snapshot extract.Snapshot
	Err      error
}

// StageErr converts an Expired or Failed outcome into a stage error. It
// returns nil for Stable.
func (o Outcome) StageErr() error {
	switch o.State {
	case StateStable:
		return nil
	case StateExpired:
		return stageError(types.StageTimeout, ErrTimeout, o.Err)
	case StateFailed:
		if errors.Is(o.Err, browser.ErrDisconnected) {
			return stageError(types.StageNavigation, ErrNavigation, o.Err)
		}
		return stageError(types.StageExtraction, ErrExtraction, o.Err)
	default:
		return stageError(types.StageUnknown, fmt.Errorf("detector stopped in state %s", o.State), nil)
	}
}

// Detector decides when a streamed answer has finished by watching for the
// answer content to stop changing.
type Detector struct {
	strategy     extract.Strategy
	pollInterval time.Duration
	window       int
	sleep        SleepFunc
	logger       *logging.Logger
}

// NewDetector creates a detector. window is the number of consecutive
// identical polls that count as stable; values below 2 are raised to 2.
func NewDetector(strategy extract.Strategy, pollInterval time.Duration, window int, sleep SleepFunc, logger *logging.Logger) *Detector {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if window < MinStabilityWindow {
		window = MinStabilityWindow
	}
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Detector{
		strategy:     strategy,
		pollInterval: pollInterval,
		window:       window,
		sleep:        sleep,
		logger:       logger,
	}
}

// Wait polls the page until the answer is stable, expired() reports true,
// ctx is done, or the page fails. The returned snapshot is the one that
// completed the stability window.
func (d *Detector) Wait(ctx context.Context, session browser.Session, expired func() bool) Outcome {
	script := d.strategy.SnapshotScript()
	state := StateSubmitted
	var last extract.Snapshot
	run := 0
	polls := 0

	for {
		if expired != nil && expired() {
			return Outcome{State: StateExpired, Polls: polls, Snapshot: last, Err: fmt.Errorf("answer not stable after %d polls", polls)}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{State: StateExpired, Polls: polls, Snapshot: last, Err: err}
		}

		raw, err := session.Evaluate(ctx, script)
		polls++
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{State: StateExpired, Polls: polls, Snapshot: last, Err: ctx.Err()}
			}
			return Outcome{State: StateFailed, Polls: polls, Snapshot: last, Err: fmt.Errorf("poll %d: %w", polls, err)}
		}
		snap, err := extract.ParseSnapshot(raw)
		if err != nil {
			return Outcome{State: StateFailed, Polls: polls, Snapshot: last, Err: fmt.Errorf("poll %d: %w", polls, err)}
		}

		switch {
		case !snap.HasContent():
			// Nothing rendered yet, or the message was re-rendered empty
			run = 0
		case snap.Busy:
			run = 0
			state = d.transition(state, StateStreaming, polls)
		case run > 0 && snap.Same(last):
			run++
		default:
			run = 1
			state = d.transition(state, StateStreaming, polls)
		}
		last = snap

		if run >= d.window {
			d.transition(state, StateStable, polls)
			return Outcome{State: StateStable, Polls: polls, Snapshot: snap}
		}

		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return Outcome{State: StateExpired, Polls: polls, Snapshot: last, Err: err}
		}
	}
}

func (d *Detector) transition(from, to State, poll int) State {
	if from != to {
		d.logger.Debugf("detector %s -> %s at poll %d", from, to, poll)
	}
	return to
}
