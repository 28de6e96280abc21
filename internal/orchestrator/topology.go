package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/dcop/internal/agent"
)

// topology starts the agents of a run and tears them down.
type topology interface {
	// start returns the agents and, for agents reached over the network,
	// their addresses.
	start(ctx context.Context, names []string, reporter agent.Reporter, collectorURL string) (map[string]agent.Agent, map[string]string, error)

	// close terminates every agent started. It may run concurrently with
	// start; start fails once close was called.
	close()
}

// threadTopology runs every agent as a goroutine of this process,
// connected through an agent.LocalNetwork.
type threadTopology struct {
	opts []agent.Option

	mu       sync.Mutex
	closed   bool
	network  *agent.LocalNetwork
	runtimes []*agent.Runtime
	cancel   context.CancelFunc
}

func (t *threadTopology) start(_ context.Context, names []string, reporter agent.Reporter, _ string) (map[string]agent.Agent, map[string]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, ErrTopologyClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.network = agent.NewLocalNetwork()
	agents := make(map[string]agent.Agent, len(names))
	for _, name := range names {
		rt := agent.New(name, t.network, reporter, t.opts...)
		t.network.Register(rt)
		t.runtimes = append(t.runtimes, rt)
		agents[name] = rt
		go func() {
			if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("agent loop failed", "agent", name, "phase", rt.State().String(), "error", err)
			}
		}()
	}
	return agents, nil, nil
}

func (t *threadTopology) close() {
	t.mu.Lock()
	t.closed = true
	cancel, runtimes := t.cancel, t.runtimes
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	deadline := time.After(serverGrace)
	for _, rt := range runtimes {
		select {
		case <-rt.Done():
		case <-deadline:
			slog.Warn("agent abandoned", "agent", rt.Name(), "phase", rt.State().String())
			return
		}
	}
}

// processTopology runs every agent as a separate node started by a
// Launcher. Agents report to the orchestrator collection endpoint.
type processTopology struct {
	launcher Launcher
}

func (t *processTopology) start(ctx context.Context, names []string, _ agent.Reporter, collectorURL string) (map[string]agent.Agent, map[string]string, error) {
	var (
		mu     sync.Mutex
		agents = make(map[string]agent.Agent, len(names))
		peers  = make(map[string]string, len(names))
		failed []string
		first  error
		wg     sync.WaitGroup
	)
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := t.launcher.Launch(ctx, name, collectorURL)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, name)
				if first == nil {
					first = err
				}
				return
			}
			agents[name] = c
			peers[name] = c.BaseURL()
		}()
	}
	wg.Wait()
	if len(failed) > 0 {
		_ = t.launcher.Close()
		return nil, nil, &DeploymentError{Phase: "launch", Agents: sortedCopy(failed), Err: first}
	}
	return agents, peers, nil
}

func (t *processTopology) close() {
	if err := t.launcher.Close(); err != nil {
		slog.Warn("closing agent nodes", "error", err)
	}
}

func newTopology(mode string, launcher Launcher, opts []agent.Option) (topology, error) {
	switch mode {
	case ModeThread:
		return &threadTopology{opts: opts}, nil
	case ModeProcess:
		if launcher == nil {
			launcher = &ExecLauncher{}
		}
		return &processTopology{launcher: launcher}, nil
	}
	return nil, fmt.Errorf("unknown mode %q (valid: %s, %s)", mode, ModeThread, ModeProcess)
}
