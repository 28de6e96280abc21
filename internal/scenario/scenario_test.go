package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/dcop/internal/ir"
)

// fakeTarget logs every call and fails the ones listed in fail.
type fakeTarget struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeTarget) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.fail[call] {
		return fmt.Errorf("%s failed", call)
	}
	return nil
}

func (f *fakeTarget) RemoveAgent(_ context.Context, agent string) error {
	return f.record("remove:" + agent)
}

func (f *fakeTarget) SetValue(_ context.Context, computation, value string) error {
	return f.record("set:" + computation + "=" + value)
}

func (f *fakeTarget) ChangeConstraint(_ context.Context, c ir.ConstraintDef) error {
	return f.record("constraint:" + c.Name)
}

func noSleep(slept *[]time.Duration) PlayerOption {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	})
}

func TestLoad(t *testing.T) {
	s, err := Load("testdata/failover.yaml")
	require.NoError(t, err)
	require.Len(t, s.Events, 4)

	assert.Equal(t, "warmup", s.Events[0].ID)
	assert.True(t, s.Events[0].IsDelay())
	assert.Equal(t, "e3", s.Events[2].ID, "missing ids are positional")
	assert.Equal(t, 3.5, s.Duration())

	perturb := s.Events[3]
	require.Len(t, perturb.Actions, 2)
	assert.Equal(t, SetValue, perturb.Actions[0].Type)
	c := perturb.Actions[1].Constraint
	require.NotNil(t, c)
	assert.Equal(t, ir.ConstraintExtensional, c.Type)
	assert.Equal(t, 1.0, c.Default)
	assert.Equal(t, []string{"R", "G"}, c.Table[0].Assignment)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown action", "events: [{actions: [{type: add_agent, agent: a9}]}]", "unknown action type"},
		{"unknown field", "events: [{delay: 1, wait: 2}]", "field wait not found"},
		{"delay and actions", "events: [{delay: 1, actions: [{type: remove_agent, agent: a1}]}]", "exclusive"},
		{"empty event", "events: [{id: x}]", "needs a delay or actions"},
		{"negative delay", "events: [{delay: -1}]", "negative delay"},
		{"missing agent", "events: [{actions: [{type: remove_agent}]}]", "agent is required"},
		{"missing value", "events: [{actions: [{type: set_value, computation: v1}]}]", "value are required"},
		{"missing constraint", "events: [{actions: [{type: change_constraint}]}]", "constraint with a name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Parse([]byte("events: [{actions: [{type: explode}]}]"))
	assert.True(t, errors.Is(err, ErrUnknownAction))
}

func TestParse_Empty(t *testing.T) {
	s, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, s.Events)
	assert.Zero(t, s.Duration())
}

func TestPlayer_AppliesInOrderAndSurvivesFailures(t *testing.T) {
	s, err := Load("testdata/failover.yaml")
	require.NoError(t, err)

	target := &fakeTarget{fail: map[string]bool{"remove:a2": true}}
	var slept []time.Duration
	p := NewPlayer(target, WithTimeUnit(100*time.Millisecond), noSleep(&slept))

	require.NoError(t, p.Play(context.Background(), s))

	assert.Equal(t, []string{"remove:a2", "set:v1=G", "constraint:c12"}, target.calls)
	assert.Equal(t, []time.Duration{150 * time.Millisecond, 200 * time.Millisecond}, slept)

	applied := p.Applied()
	require.Len(t, applied, 3)
	assert.Equal(t, "kill_a2", applied[0].Event)
	assert.Error(t, applied[0].Err)
	assert.NoError(t, applied[1].Err)
	assert.Equal(t, "perturb", applied[2].Event)
}

func TestPlayer_StopsOnCancel(t *testing.T) {
	s, err := Parse([]byte(`
events:
  - delay: 10
  - actions: [{type: remove_agent, agent: a1}]
`))
	require.NoError(t, err)

	target := &fakeTarget{}
	p := NewPlayer(target, WithTimeUnit(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.Play(ctx, s)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, target.calls)
}

func TestPlayer_NilScenario(t *testing.T) {
	p := NewPlayer(&fakeTarget{})
	assert.NoError(t, p.Play(context.Background(), nil))
	assert.Empty(t, p.Applied())
}

// Every action is attempted exactly once, in declared order, whichever
// of them fail.
func TestPlayer_OrderPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "actions")
		var events []Event
		var want []string
		fail := map[string]bool{}
		for i := 0; i < n; i++ {
			agent := fmt.Sprintf("a%d", i)
			call := "remove:" + agent
			want = append(want, call)
			if rapid.Bool().Draw(t, "fail") {
				fail[call] = true
			}
			e := Event{ID: fmt.Sprintf("e%d", i), Actions: []Action{{Type: RemoveAgent, Agent: agent}}}
			if rapid.Bool().Draw(t, "delayed") {
				d := 0.0
				events = append(events, Event{ID: "d", Delay: &d})
			}
			events = append(events, e)
		}

		target := &fakeTarget{fail: fail}
		var slept []time.Duration
		p := NewPlayer(target, noSleep(&slept))
		if err := p.Play(context.Background(), &Scenario{Events: events}); err != nil {
			t.Fatalf("play: %v", err)
		}
		if fmt.Sprint(target.calls) != fmt.Sprint(want) {
			t.Fatalf("calls %v, want %v", target.calls, want)
		}
		for i, a := range p.Applied() {
			if (a.Err != nil) != fail[want[i]] {
				t.Fatalf("action %d: err %v, fail %v", i, a.Err, fail[want[i]])
			}
		}
	})
}
