package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/entrhq/geoprobe/pkg/browser/browsertest"
	"github.com/entrhq/geoprobe/pkg/extract"
)

// frame is one observed state of the assistant message.
type frame struct {
	text  string
	extra string // markup appended inside the answer region
	busy  bool
	raw   string // replaces the generated turn markup when set
}

// chatPage simulates the chat UI behind a FakeSession. Snapshot polls walk
// through frames and stay on the last one.
type chatPage struct {
	strategy extract.Strategy

	readyAfter  int
	submitReply string
	submitErr   error
	pollErr     func(poll int) error
	frames      []frame
	frameAt     func(poll int) frame

	mu          sync.Mutex
	readyProbes int
	polls       int
	submitted   []string
}

func newChatPage(t *testing.T, frames ...frame) *chatPage {
	t.Helper()
	strategy, err := extract.Lookup("")
	require.NoError(t, err)
	return &chatPage{strategy: strategy, frames: frames}
}

func (p *chatPage) eval(_ context.Context, script string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case script == p.strategy.ReadyScript():
		p.readyProbes++
		return fmt.Sprint(p.readyProbes > p.readyAfter), nil

	case script == p.strategy.SnapshotScript():
		p.polls++
		if p.pollErr != nil {
			if err := p.pollErr(p.polls); err != nil {
				return "", err
			}
		}
		return snapshotJSON(p.frame(p.polls)), nil

	case strings.HasPrefix(script, "async () =>"):
		p.submitted = append(p.submitted, script)
		if p.submitErr != nil {
			return "", p.submitErr
		}
		if p.submitReply != "" {
			return p.submitReply, nil
		}
		return `{"ok":true}`, nil
	}
	return "", errors.New("unexpected script")
}

func (p *chatPage) frame(poll int) frame {
	if p.frameAt != nil {
		return p.frameAt(poll)
	}
	if len(p.frames) == 0 {
		return frame{}
	}
	if poll > len(p.frames) {
		return p.frames[len(p.frames)-1]
	}
	return p.frames[poll-1]
}

func (p *chatPage) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

func (p *chatPage) Submitted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.submitted...)
}

// session returns a fake session backed by the page.
func (p *chatPage) session(country string) *browsertest.FakeSession {
	return browsertest.NewFakeSession("", country, p.eval)
}

func turnHTML(f frame) string {
	if f.raw != "" {
		return f.raw
	}
	return `<article data-testid="conversation-turn-2"><div data-message-author-role="assistant"><div class="markdown prose"><p>` +
		f.text + `</p>` + f.extra + `</div></div></article>`
}

func snapshotJSON(f frame) string {
	snap := extract.Snapshot{Busy: f.busy}
	if f.text != "" || f.raw != "" {
		snap.Found = true
		snap.Chars = len(f.text) + len(f.raw)
		snap.HTML = turnHTML(f)
	}
	b, _ := json.Marshal(snap)
	return string(b)
}

func citationPill(title, url string) string {
	return `<span data-testid="webpage-citation-pill"><a href="` + url + `" title="` + title + `">` + title + `</a></span>`
}

// noSleep returns immediately unless ctx is done.
func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
