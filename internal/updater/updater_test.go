package updater

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbus/internal/notify"
	"pgbus/internal/registry"
	"pgbus/internal/session"
	"pgbus/internal/types"
)

func testInfo(db string) types.ConnInfo {
	return types.ConnInfo{
		Host:     "localhost",
		Port:     5432,
		Database: db,
		User:     "pgbus",
		Password: "secret",
	}
}

// fakeSub records closes for subscriptions handed out by the subscribe seam.
type fakeSub struct {
	mu     sync.Mutex
	closes int
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSub) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type testHarness struct {
	u        *Updater
	reg      *registry.Registry
	sessions *session.Manager

	mu           sync.Mutex
	connectCalls int
	connectErr   error
	subErrTable  string
	subs         map[string]*fakeSub
}

func newTestHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.DefaultOptions(), logger)
	t.Cleanup(reg.DisposeAll)
	sessions := session.NewManager(reg, session.Config{}, logger)
	dispatcher := notify.NewDispatcher(notify.DefaultPollInterval, logger)
	t.Cleanup(dispatcher.StopAll)

	h := &testHarness{
		reg:      reg,
		sessions: sessions,
		subs:     make(map[string]*fakeSub),
	}
	h.u = New(reg, sessions, dispatcher, cfg, logger)

	// Pool creation is lazy, so registering a fake DSN never dials. The
	// reachability ping of the production connect path is skipped here.
	h.u.connect = func(ctx context.Context, info types.ConnInfo) (*registry.Handle, error) {
		h.mu.Lock()
		h.connectCalls++
		err := h.connectErr
		h.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return reg.Register(ctx, info.Database, info.DSN(), registry.Options{})
	}
	h.u.subscribe = func(ctx context.Context, hd *registry.Handle, table string, columns []string) (io.Closer, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if table == h.subErrTable {
			return nil, errors.New("subscribe failed")
		}
		sub := &fakeSub{}
		h.subs[table] = sub
		return sub, nil
	}
	return h
}

func (h *testHarness) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectCalls
}

func (h *testHarness) setConnectErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectErr = err
}

func TestUpdater_Step_BringsUpInitialDatabase(t *testing.T) {
	h := newTestHarness(t, Config{
		Initial: testInfo("primary"),
		Tables:  map[string][]string{"messages": nil, "authors": {"id", "name"}},
	})

	require.NoError(t, h.u.Step(context.Background(), true))

	assert.Equal(t, 1, h.calls())
	assert.True(t, h.sessions.IsInitialized("primary"))
	assert.Len(t, h.subs, 2)
	assert.Contains(t, h.subs, "messages")
	assert.Contains(t, h.subs, "authors")
}

func TestUpdater_Step_NoOpWhenAlreadyCurrent(t *testing.T) {
	h := newTestHarness(t, Config{Initial: testInfo("primary")})

	require.NoError(t, h.u.Step(context.Background(), true))
	require.NoError(t, h.u.Step(context.Background(), true))

	assert.Equal(t, 1, h.calls())
}

func TestUpdater_Step_NullSettingsIgnored(t *testing.T) {
	h := newTestHarness(t, Config{Initial: types.NullConnInfo()})

	require.NoError(t, h.u.Step(context.Background(), true))
	assert.Zero(t, h.calls())
}

func TestUpdater_Step_ThrottlesRetries(t *testing.T) {
	h := newTestHarness(t, Config{
		Initial:       testInfo("primary"),
		RetryInterval: time.Hour,
	})
	h.setConnectErr(errors.New("connection refused"))

	require.Error(t, h.u.Step(context.Background(), true))
	assert.Equal(t, 1, h.calls())

	// Within the retry interval an unforced step does nothing.
	require.NoError(t, h.u.Step(context.Background(), false))
	assert.Equal(t, 1, h.calls())

	// A forced step retries immediately.
	require.Error(t, h.u.Step(context.Background(), true))
	assert.Equal(t, 2, h.calls())
}

func TestUpdater_Step_RecoversAfterFailure(t *testing.T) {
	h := newTestHarness(t, Config{
		Initial: testInfo("primary"),
		Tables:  map[string][]string{"messages": nil},
	})
	h.setConnectErr(errors.New("connection refused"))

	require.Error(t, h.u.Step(context.Background(), true))
	assert.False(t, h.sessions.IsInitialized("primary"))

	h.setConnectErr(nil)
	require.NoError(t, h.u.Step(context.Background(), true))
	assert.True(t, h.sessions.IsInitialized("primary"))
	assert.Len(t, h.subs, 1)
}

func TestUpdater_Apply_SwapsDatabases(t *testing.T) {
	h := newTestHarness(t, Config{
		Initial: testInfo("old_db"),
		Tables:  map[string][]string{"messages": nil},
	})
	require.NoError(t, h.u.Step(context.Background(), true))
	oldSub := h.subs["messages"]

	h.u.Apply(testInfo("new_db"))
	require.NoError(t, h.u.Step(context.Background(), true))

	assert.Equal(t, "new_db", h.u.Current().Database)
	assert.True(t, h.sessions.IsInitialized("new_db"))
	assert.False(t, h.sessions.IsInitialized("old_db"))
	_, err := h.reg.Lookup("old_db")
	assert.Equal(t, types.ErrCodeNotRegistered, types.CodeOf(err))
	assert.Equal(t, 1, oldSub.closeCount(), "old subscriptions must be released")
}

func TestUpdater_Apply_SameSettingsNoSwap(t *testing.T) {
	h := newTestHarness(t, Config{Initial: testInfo("primary")})
	require.NoError(t, h.u.Step(context.Background(), true))

	h.u.Apply(testInfo("primary"))
	require.NoError(t, h.u.Step(context.Background(), true))
	assert.Equal(t, 1, h.calls())
}

func TestUpdater_Apply_NullSettingsKeepCurrent(t *testing.T) {
	h := newTestHarness(t, Config{Initial: testInfo("primary")})
	require.NoError(t, h.u.Step(context.Background(), true))

	h.u.Apply(types.NullConnInfo())
	require.NoError(t, h.u.Step(context.Background(), true))

	assert.Equal(t, "primary", h.u.Current().Database)
	assert.True(t, h.sessions.IsInitialized("primary"))
}

func TestUpdater_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	h := newTestHarness(t, Config{Initial: testInfo("primary")})
	h.setConnectErr(errors.New("connection refused"))

	for i := 0; i < 6; i++ {
		require.Error(t, h.u.Step(context.Background(), true))
	}
	assert.Equal(t, 6, h.calls())

	err := h.u.Step(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 6, h.calls(), "open breaker must suppress the dial")
}

func TestUpdater_SubscribeFailureDoesNotFailStep(t *testing.T) {
	h := newTestHarness(t, Config{
		Initial: testInfo("primary"),
		Tables:  map[string][]string{"messages": nil, "authors": nil},
	})
	h.mu.Lock()
	h.subErrTable = "authors"
	h.mu.Unlock()

	require.NoError(t, h.u.Step(context.Background(), true))
	assert.True(t, h.sessions.IsInitialized("primary"))
	assert.Len(t, h.subs, 1)
	assert.Contains(t, h.subs, "messages")
}

func TestUpdater_Close_Idempotent(t *testing.T) {
	h := newTestHarness(t, Config{
		Initial: testInfo("primary"),
		Tables:  map[string][]string{"messages": nil},
	})
	require.NoError(t, h.u.Step(context.Background(), true))
	sub := h.subs["messages"]

	h.u.Close()
	h.u.Close()
	assert.Equal(t, 1, sub.closeCount())
}

func TestUpdater_Run_StopsOnContextCancel(t *testing.T) {
	h := newTestHarness(t, Config{
		Initial: testInfo("primary"),
		Tables:  map[string][]string{"messages": nil},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.u.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.sessions.IsInitialized("primary")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	assert.Equal(t, 1, h.subs["messages"].closeCount())
}
