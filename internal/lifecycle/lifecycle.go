// Package lifecycle starts and stops the external collaborators a run
// depends on: auth servers, ledger nodes, secret stores and cloud agents.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stagehand/internal/config"
	"stagehand/internal/logging"
)

const (
	defaultReadyTimeout = 30 * time.Second
	readyInterval       = 250 * time.Millisecond
	stopGrace           = 10 * time.Second
)

var logger = logging.GetLogger("lifecycle")

// Hook is an external collaborator with a start/stop lifecycle.
type Hook interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// CommandHook drives a collaborator through shell commands. When Stop is
// empty, Start is treated as a long-running process that is terminated on
// Stop; otherwise Start must run to completion and Stop is run the same way.
// A ReadyURL is probed after Start until it answers with a 2xx status.
type CommandHook struct {
	HookName     string
	StartCmd     []string
	StopCmd      []string
	ReadyURL     string
	ReadyTimeout time.Duration
	// Output receives the output of long-running processes.
	Output io.Writer

	HTTP *http.Client

	mu   sync.Mutex
	proc *exec.Cmd
	done chan error
}

// FromConfig builds a hook from its configuration.
func FromConfig(cfg config.HookConfig) *CommandHook {
	return &CommandHook{
		HookName:     cfg.Name,
		StartCmd:     cfg.Start,
		StopCmd:      cfg.Stop,
		ReadyURL:     cfg.ReadyURL,
		ReadyTimeout: cfg.ReadyTimeout,
	}
}

func (h *CommandHook) Name() string { return h.HookName }

// Start runs the start command and waits for readiness.
func (h *CommandHook) Start(ctx context.Context) error {
	if len(h.StartCmd) > 0 {
		if len(h.StopCmd) > 0 {
			if err := run(ctx, h.StartCmd); err != nil {
				return fmt.Errorf("starting %s: %w", h.HookName, err)
			}
		} else if err := h.spawn(); err != nil {
			return fmt.Errorf("starting %s: %w", h.HookName, err)
		}
	}
	if h.ReadyURL == "" {
		return nil
	}
	if err := h.awaitReady(ctx); err != nil {
		return fmt.Errorf("%s not ready: %w", h.HookName, err)
	}
	return nil
}

func (h *CommandHook) spawn() error {
	cmd := exec.Command(h.StartCmd[0], h.StartCmd[1:]...)
	if h.Output != nil {
		cmd.Stdout = h.Output
		cmd.Stderr = h.Output
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	h.mu.Lock()
	h.proc, h.done = cmd, done
	h.mu.Unlock()
	logger.Debug("spawned process", "hook", h.HookName, "pid", cmd.Process.Pid)
	return nil
}

func (h *CommandHook) awaitReady(ctx context.Context) error {
	timeout := h.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := h.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	probe := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ReadyURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%s answered %d", h.ReadyURL, resp.StatusCode)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("waiting for readiness", "hook", h.HookName, "err", err, "retry_in", next)
	}
	return backoff.RetryNotify(probe, backoff.WithContext(backoff.NewConstantBackOff(readyInterval), ctx), notify)
}

// Stop runs the stop command, or terminates the process started by Start.
func (h *CommandHook) Stop(ctx context.Context) error {
	if len(h.StopCmd) > 0 {
		if err := run(ctx, h.StopCmd); err != nil {
			return fmt.Errorf("stopping %s: %w", h.HookName, err)
		}
		return nil
	}

	h.mu.Lock()
	proc, done := h.proc, h.done
	h.proc, h.done = nil, nil
	h.mu.Unlock()
	if proc == nil {
		return nil
	}

	_ = proc.Process.Kill()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stopping %s: %w", h.HookName, ctx.Err())
	case <-time.After(stopGrace):
		return fmt.Errorf("stopping %s: process %d did not exit", h.HookName, proc.Process.Pid)
	}
	return nil
}

func run(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %w: %s", argv, err, bytes.TrimSpace(out.Bytes()))
	}
	return nil
}

// Manager starts hooks in order and stops them in reverse order.
type Manager struct {
	mu      sync.Mutex
	hooks   []Hook
	started []Hook
}

// NewManager creates a manager for hooks.
func NewManager(hooks ...Hook) *Manager {
	return &Manager{hooks: hooks}
}

// Add appends hooks started after the existing ones.
func (m *Manager) Add(hooks ...Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hooks...)
}

// StartAll starts every hook not yet started. On failure the failing hook
// and the hooks already started are stopped again, and the start error is
// returned together with any stop errors.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	pending := m.hooks[len(m.started):]
	m.mu.Unlock()

	for _, h := range pending {
		logger.Info("starting", "hook", h.Name())
		if err := h.Start(ctx); err != nil {
			stopCtx := context.WithoutCancel(ctx)
			return errors.Join(err, h.Stop(stopCtx), m.StopAll(stopCtx))
		}
		m.mu.Lock()
		m.started = append(m.started, h)
		m.mu.Unlock()
	}
	return nil
}

// StopAll stops every started hook in reverse order. Errors are joined;
// a hook that fails to stop does not keep the others running. Calling
// StopAll again only stops hooks started since.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.hooks = m.hooks[len(started):]
	m.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		h := started[i]
		logger.Info("stopping", "hook", h.Name())
		if err := h.Stop(ctx); err != nil {
			logger.Warn("stop failed", "hook", h.Name(), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
