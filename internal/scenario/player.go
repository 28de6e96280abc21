package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/dcop/internal/ir"
)

// Target is the live system a scenario is applied to.
type Target interface {
	RemoveAgent(ctx context.Context, agent string) error
	SetValue(ctx context.Context, computation, value string) error
	ChangeConstraint(ctx context.Context, c ir.ConstraintDef) error
}

// Applied records the outcome of one action.
type Applied struct {
	Event  string
	Action Action
	Err    error
	At     time.Time
}

// Player replays a scenario against a Target. One player drives one run.
type Player struct {
	target Target
	unit   time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu      sync.Mutex
	applied []Applied
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithTimeUnit sets the duration of one delay unit. Default is one second.
func WithTimeUnit(d time.Duration) PlayerOption {
	return func(p *Player) { p.unit = d }
}

// WithSleep replaces the function used to wait on delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) PlayerOption {
	return func(p *Player) { p.sleep = fn }
}

// NewPlayer creates a player for target.
func NewPlayer(target Target, opts ...PlayerOption) *Player {
	p := &Player{
		target: target,
		unit:   time.Second,
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play applies the events of s in order. A failing action is logged and
// recorded, and the player moves on to the next one. Play only returns an
// error when ctx is cancelled.
func (p *Player) Play(ctx context.Context, s *Scenario) error {
	if s == nil {
		return nil
	}
	for _, e := range s.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDelay() {
			d := time.Duration(*e.Delay * float64(p.unit))
			slog.Debug("scenario delay", "event", e.ID, "duration", d)
			if err := p.sleep(ctx, d); err != nil {
				return err
			}
			continue
		}
		for _, a := range e.Actions {
			err := p.apply(ctx, a)
			if err != nil {
				slog.Warn("scenario action failed", "event", e.ID, "action", a.String(), "error", err)
			} else {
				slog.Info("scenario action applied", "event", e.ID, "action", a.String())
			}
			p.mu.Lock()
			p.applied = append(p.applied, Applied{Event: e.ID, Action: a, Err: err, At: p.now()})
			p.mu.Unlock()
		}
	}
	return nil
}

func (p *Player) apply(ctx context.Context, a Action) error {
	switch a.Type {
	case RemoveAgent:
		return p.target.RemoveAgent(ctx, a.Agent)
	case SetValue:
		return p.target.SetValue(ctx, a.Computation, a.Value)
	case ChangeConstraint:
		return p.target.ChangeConstraint(ctx, *a.Constraint)
	}
	return fmt.Errorf("%w %q", ErrUnknownAction, a.Type)
}

// Applied returns the actions applied so far, in order.
func (p *Player) Applied() []Applied {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Applied(nil), p.applied...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
