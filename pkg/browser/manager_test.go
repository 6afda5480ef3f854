package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/geoprobe/pkg/browser"
	"github.com/entrhq/geoprobe/pkg/browser/browsertest"
)

func TestSessionManagerAcquireAndRelease(t *testing.T) {
	provider := &browsertest.FakeProvider{}
	manager := browser.NewSessionManager(provider, browser.Limits{})
	ctx := context.Background()

	session, err := manager.Acquire(ctx, browser.SessionOptions{Name: "ChatGPT Query", ProxyCountry: "US"})
	require.NoError(t, err)
	assert.Equal(t, "US", session.CountryCode())
	assert.Equal(t, 1, manager.Active())

	infos := manager.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "ChatGPT Query", infos[0].Name)
	assert.Equal(t, "US", infos[0].CountryCode)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())
	assert.Equal(t, 0, manager.Active())
	assert.Equal(t, 1, provider.Sessions()[0].Closes(), "underlying session closed exactly once")
}

func TestSessionManagerConnectError(t *testing.T) {
	boom := errors.New("connect refused")
	provider := &browsertest.FakeProvider{ConnectErr: boom}
	manager := browser.NewSessionManager(provider, browser.Limits{MaxSessions: 1})

	_, err := manager.Acquire(context.Background(), browser.SessionOptions{})
	require.ErrorIs(t, err, boom)

	// The slot must have been returned
	provider.ConnectErr = nil
	session, err := manager.Acquire(context.Background(), browser.SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, session.Close())
}

func TestSessionManagerMaxSessions(t *testing.T) {
	provider := &browsertest.FakeProvider{}
	manager := browser.NewSessionManager(provider, browser.Limits{MaxSessions: 1})

	first, err := manager.Acquire(context.Background(), browser.SessionOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = manager.Acquire(ctx, browser.SessionOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan browser.Session, 1)
	go func() {
		defer wg.Done()
		s, err := manager.Acquire(context.Background(), browser.SessionOptions{})
		if err == nil {
			acquired <- s
		}
	}()

	require.NoError(t, first.Close())
	wg.Wait()

	select {
	case s := <-acquired:
		require.NoError(t, s.Close())
	default:
		t.Fatal("waiting Acquire did not get the released slot")
	}
}

func TestSessionManagerRateLimit(t *testing.T) {
	provider := &browsertest.FakeProvider{}
	manager := browser.NewSessionManager(provider, browser.Limits{RatePerSec: 0.001, Burst: 1})

	first, err := manager.Acquire(context.Background(), browser.SessionOptions{})
	require.NoError(t, err)
	defer first.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = manager.Acquire(ctx, browser.SessionOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, provider.Connects())
}

func TestSessionManagerCloseExpired(t *testing.T) {
	provider := &browsertest.FakeProvider{}
	manager := browser.NewSessionManager(provider, browser.Limits{})

	_, err := manager.Acquire(context.Background(), browser.SessionOptions{})
	require.NoError(t, err)

	n, err := manager.CloseExpired(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(5 * time.Millisecond)
	n, err = manager.CloseExpired(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, manager.Active())
	assert.True(t, provider.Sessions()[0].Closed())
}

func TestSessionManagerCloseExpiredHonorsSessionTTL(t *testing.T) {
	provider := &browsertest.FakeProvider{}
	manager := browser.NewSessionManager(provider, browser.Limits{})

	long, err := manager.Acquire(context.Background(), browser.SessionOptions{Name: "long", TTL: 10 * time.Minute})
	require.NoError(t, err)
	short, err := manager.Acquire(context.Background(), browser.SessionOptions{Name: "short", TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := manager.CloseExpired(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, manager.Active())

	infos := manager.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, long.ID(), infos[0].ID)
	assert.Equal(t, 10*time.Minute, infos[0].TTL)

	// The long-lived session is still usable.
	require.NoError(t, long.Navigate(context.Background(), "https://chatgpt.com/"))
	_, err = short.Evaluate(context.Background(), "() => 1")
	assert.ErrorIs(t, err, browser.ErrDisconnected)

	require.NoError(t, manager.CloseAll())
}

func TestSessionManagerCloseAll(t *testing.T) {
	provider := &browsertest.FakeProvider{}
	manager := browser.NewSessionManager(provider, browser.Limits{})

	for i := 0; i < 3; i++ {
		_, err := manager.Acquire(context.Background(), browser.SessionOptions{})
		require.NoError(t, err)
	}
	provider.Sessions()[1].SetCloseErr(errors.New("already gone"))

	err := manager.CloseAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already gone")
	assert.Equal(t, 0, manager.Active())
	for _, s := range provider.Sessions() {
		assert.Equal(t, 1, s.Closes())
	}

	_, err = manager.Acquire(context.Background(), browser.SessionOptions{})
	assert.ErrorIs(t, err, browser.ErrManagerClosed)
}
