package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/internal/config"
)

type journal struct {
	mu    sync.Mutex
	lines []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, s)
}

func (j *journal) get() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.lines...)
}

type fakeHook struct {
	name     string
	j        *journal
	startErr error
	stopErr  error
}

func (f *fakeHook) Name() string { return f.name }

func (f *fakeHook) Start(context.Context) error {
	f.j.add("start " + f.name)
	return f.startErr
}

func (f *fakeHook) Stop(context.Context) error {
	f.j.add("stop " + f.name)
	return f.stopErr
}

func TestManager_Order(t *testing.T) {
	j := &journal{}
	m := NewManager(&fakeHook{name: "auth", j: j}, &fakeHook{name: "ledger", j: j})
	m.Add(&fakeHook{name: "agent", j: j})

	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll(context.Background()))

	assert.Equal(t, []string{
		"start auth", "start ledger", "start agent",
		"stop agent", "stop ledger", "stop auth",
	}, j.get())
}

func TestManager_StopAllIdempotent(t *testing.T) {
	j := &journal{}
	m := NewManager(&fakeHook{name: "auth", j: j})
	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll(context.Background()))
	require.NoError(t, m.StopAll(context.Background()))
	assert.Equal(t, []string{"start auth", "stop auth"}, j.get())

	// Nothing started.
	assert.NoError(t, NewManager().StopAll(context.Background()))
}

func TestManager_StartFailureRollsBack(t *testing.T) {
	j := &journal{}
	boom := errors.New("boom")
	m := NewManager(
		&fakeHook{name: "auth", j: j},
		&fakeHook{name: "ledger", j: j, startErr: boom},
		&fakeHook{name: "agent", j: j},
	)

	err := m.StartAll(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start auth", "start ledger", "stop ledger", "stop auth"}, j.get())

	require.NoError(t, m.StopAll(context.Background()))
	assert.Len(t, j.get(), 4)
}

func TestManager_StopErrorsJoined(t *testing.T) {
	j := &journal{}
	e1, e2 := errors.New("one"), errors.New("two")
	m := NewManager(&fakeHook{name: "a", j: j, stopErr: e1}, &fakeHook{name: "b", j: j, stopErr: e2})
	require.NoError(t, m.StartAll(context.Background()))

	err := m.StopAll(context.Background())
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, j.get())
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestCommandHook_RunToCompletion(t *testing.T) {
	requireCommand(t, "true")
	requireCommand(t, "false")

	h := &CommandHook{HookName: "ok", StartCmd: []string{"true"}, StopCmd: []string{"true"}}
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Stop(context.Background()))

	h = &CommandHook{HookName: "broken", StartCmd: []string{"false"}, StopCmd: []string{"true"}}
	err := h.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting broken")
}

func TestCommandHook_LongRunningProcess(t *testing.T) {
	requireCommand(t, "sleep")

	h := &CommandHook{HookName: "sleeper", StartCmd: []string{"sleep", "60"}}
	require.NoError(t, h.Start(context.Background()))

	start := time.Now()
	require.NoError(t, h.Stop(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	// Second stop has nothing to terminate.
	assert.NoError(t, h.Stop(context.Background()))
}

func TestCommandHook_Readiness(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	h := FromConfig(config.HookConfig{Name: "agent", ReadyURL: ts.URL, ReadyTimeout: 5 * time.Second})
	require.NoError(t, h.Start(context.Background()))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestCommandHook_ReadinessTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	h := &CommandHook{HookName: "agent", ReadyURL: ts.URL, ReadyTimeout: 600 * time.Millisecond}
	err := h.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent not ready")
}
