package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/types"
)

func newTestDetector(page *chatPage, window int) *Detector {
	return NewDetector(page.strategy, time.Millisecond, window, noSleep, nil)
}

func TestDetectorStabilityWindowBoundary(t *testing.T) {
	page := newChatPage(t,
		frame{text: "A"},
		frame{text: "A B"},
		frame{text: "A B C"},
		frame{text: "A B C"},
	)
	d := newTestDetector(page, 2)

	out := d.Wait(context.Background(), page.session("US"), nil)

	require.Equal(t, StateStable, out.State)
	assert.Equal(t, 4, out.Polls)
	assert.Contains(t, out.Snapshot.HTML, "A B C")
	assert.NoError(t, out.StageErr())
}

func TestDetectorDefaultWindow(t *testing.T) {
	page := newChatPage(t, frame{text: "done"})
	d := NewDetector(page.strategy, 0, 0, noSleep, nil)
	assert.Equal(t, MinStabilityWindow, d.window)
	assert.Equal(t, DefaultPollInterval, d.pollInterval)

	out := d.Wait(context.Background(), page.session("US"), nil)
	require.Equal(t, StateStable, out.State)
	assert.Equal(t, 2, out.Polls)
}

func TestDetectorWindowThree(t *testing.T) {
	page := newChatPage(t, frame{text: "Answer to X"})
	out := newTestDetector(page, 3).Wait(context.Background(), page.session("US"), nil)

	require.Equal(t, StateStable, out.State)
	assert.Equal(t, 3, out.Polls)
}

func TestDetectorBusyResetsStability(t *testing.T) {
	page := newChatPage(t,
		frame{text: "same", busy: true},
		frame{text: "same", busy: true},
		frame{text: "same"},
		frame{text: "same"},
	)
	out := newTestDetector(page, 2).Wait(context.Background(), page.session("US"), nil)

	require.Equal(t, StateStable, out.State)
	assert.Equal(t, 4, out.Polls)
	assert.False(t, out.Snapshot.Busy)
}

func TestDetectorEmptyContentIsNotStable(t *testing.T) {
	page := newChatPage(t,
		frame{},
		frame{},
		frame{},
		frame{text: "late"},
		frame{text: "late"},
	)
	out := newTestDetector(page, 2).Wait(context.Background(), page.session("US"), nil)

	require.Equal(t, StateStable, out.State)
	assert.Equal(t, 5, out.Polls)
}

func TestDetectorExpiredByPredicate(t *testing.T) {
	page := newChatPage(t)
	page.frameAt = func(poll int) frame { return frame{text: fmt.Sprintf("token %d", poll)} }

	checks := 0
	expired := func() bool {
		checks++
		return checks > 3
	}
	out := newTestDetector(page, 2).Wait(context.Background(), page.session("US"), expired)

	require.Equal(t, StateExpired, out.State)
	assert.Equal(t, 3, out.Polls)

	err := out.StageErr()
	require.Error(t, err)
	assert.Equal(t, types.StageTimeout, StageOf(err))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDetectorPredicateCheckedBeforeFirstPoll(t *testing.T) {
	page := newChatPage(t, frame{text: "ready"})
	out := newTestDetector(page, 2).Wait(context.Background(), page.session("US"), func() bool { return true })

	assert.Equal(t, StateExpired, out.State)
	assert.Equal(t, 0, page.Polls())
}

func TestDetectorExpiredByContext(t *testing.T) {
	page := newChatPage(t)
	page.frameAt = func(poll int) frame { return frame{text: fmt.Sprintf("token %d", poll)} }

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d := NewDetector(page.strategy, 5*time.Millisecond, 2, nil, nil)

	out := d.Wait(ctx, page.session("US"), nil)
	require.Equal(t, StateExpired, out.State)
	assert.Equal(t, types.StageTimeout, StageOf(out.StageErr()))
}

func TestDetectorFailed(t *testing.T) {
	tests := []struct {
		name      string
		pollErr   error
		wantStage types.ErrorStage
	}{
		{
			name:      "page disconnected",
			pollErr:   fmt.Errorf("evaluate failed: %w", browser.ErrDisconnected),
			wantStage: types.StageNavigation,
		},
		{
			name:      "script error",
			pollErr:   errors.New("ReferenceError: foo is not defined"),
			wantStage: types.StageExtraction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := newChatPage(t, frame{text: "A"}, frame{text: "B"})
			page.pollErr = func(poll int) error {
				if poll == 2 {
					return tt.pollErr
				}
				return nil
			}

			out := newTestDetector(page, 3).Wait(context.Background(), page.session("US"), nil)
			require.Equal(t, StateFailed, out.State)
			assert.Equal(t, 2, out.Polls)
			assert.Equal(t, tt.wantStage, StageOf(out.StageErr()))
		})
	}
}

func TestDetectorMalformedSnapshot(t *testing.T) {
	page := newChatPage(t)
	session := page.session("US")
	session.Eval = func(context.Context, string) (string, error) { return "undefined", nil }

	out := newTestDetector(page, 2).Wait(context.Background(), session, nil)
	require.Equal(t, StateFailed, out.State)
	assert.Equal(t, types.StageExtraction, StageOf(out.StageErr()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "submitted", StateSubmitted.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "stable", StateStable.String())
	assert.Equal(t, "expired", StateExpired.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
