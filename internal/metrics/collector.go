// Package metrics is the metrics pipeline of a run.
//
// Agents report one ir.MetricRecord per computation step. A Collector
// receives them from every agent over a buffered channel, reduces them to
// the latest state of each computation and turns that state into
// snapshots (ir.Snapshot) according to the collection mode of the run:
// on every value change, on every cycle, or on a wall-clock period.
// Snapshots go to sinks (CSV file, SQLite store) and to Prometheus.
//
// Reporting never blocks. When the channel is full a record is dropped and
// counted. Promotions and agent errors are queued apart and never dropped.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/dcop/internal/ir"
)

// DefaultBuffer is the capacity of the collector channel.
const DefaultBuffer = 4096

// ErrInvalidMode is returned for an unknown collection mode.
var ErrInvalidMode = errors.New("invalid collect_on mode")

// ParseMode validates a collect_on value.
func ParseMode(s string) (ir.Trigger, error) {
	switch t := ir.Trigger(s); t {
	case ir.TriggerValueChange, ir.TriggerCycleChange, ir.TriggerPeriod:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q (valid: %s, %s, %s)", ErrInvalidMode, s,
		ir.TriggerValueChange, ir.TriggerCycleChange, ir.TriggerPeriod)
}

// Config selects when snapshots are taken.
type Config struct {
	CollectOn ir.Trigger

	// Period is the snapshot interval in period mode.
	Period time.Duration

	Buffer int
}

// CostFunc evaluates an assignment: its cost and the number of violated
// hard constraints. Variables missing from the assignment are skipped.
type CostFunc func(assignment map[string]string) (float64, int)

// Sink receives every snapshot. Calls are serialized.
type Sink interface {
	WriteSnapshot(s ir.Snapshot) error
}

// Option configures a Collector.
type Option func(*Collector)

// WithSink adds a snapshot sink.
func WithSink(s Sink) Option {
	return func(c *Collector) { c.sinks = append(c.sinks, s) }
}

// WithCost sets the assignment cost function.
func WithCost(fn CostFunc) Option {
	return func(c *Collector) { c.cost = fn }
}

// WithPrometheus exports the run state through p.
func WithPrometheus(p *Prometheus) Option {
	return func(c *Collector) { c.prom = p }
}


// WithNow replaces the wall clock used for snapshot times.
func WithNow(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// OnPromotion registers a callback run by the collector goroutine for
// every promotion reported by an agent.
func OnPromotion(fn func(ir.Promotion)) Option {
	return func(c *Collector) { c.onPromotion = fn }
}

// OnError registers a callback run by the collector goroutine for every
// error reported by an agent.
func OnError(fn func(agent string, err error)) Option {
	return func(c *Collector) { c.onError = fn }
}

type item struct {
	record    *ir.MetricRecord
	promotion *ir.Promotion
	agent     string
	err       error
}

// computation is the reduced state of one computation. Counters of a
// computation restart from zero when it is promoted on another agent;
// base carries what the previous hosts had counted.
type computation struct {
	agent string
	value string
	cycle int

	count, size         int
	baseCount, baseSize int
}

// Collector is the single consumer of a run's metric records. It
// implements agent.Reporter.
type Collector struct {
	cfg         Config
	cost        CostFunc
	sinks       []Sink
	prom        *Prometheus
	clock       *Clock
	now         func() time.Time
	onPromotion func(ir.Promotion)
	onError     func(string, error)

	in      chan item
	dropped atomic.Int64

	// notices holds promotions and agent errors. They are never dropped
	// and never wait for room in the channel.
	noticeMu sync.Mutex
	notices  []item
	noticed  chan struct{}
	status  atomic.Value

	running atomic.Bool
	closing chan struct{}
	done    chan struct{}
	once    sync.Once

	mu           sync.Mutex
	start        time.Time
	comps        map[string]*computation
	valueChanges int
	promotions   []ir.Promotion
	errs         []string
	snapshots    int64
}

// New creates a collector. Run must be called to consume records.
func New(cfg Config, opts ...Option) (*Collector, error) {
	if cfg.CollectOn == "" {
		cfg.CollectOn = ir.TriggerValueChange
	}
	if _, err := ParseMode(string(cfg.CollectOn)); err != nil {
		return nil, err
	}
	if cfg.CollectOn == ir.TriggerPeriod && cfg.Period <= 0 {
		return nil, fmt.Errorf("period must be positive in %s mode, got %s", ir.TriggerPeriod, cfg.Period)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}

	c := &Collector{
		cfg:     cfg,
		now:     time.Now,
		in:      make(chan item, cfg.Buffer),
		noticed: make(chan struct{}, 1),
		clock:   NewClock(),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		comps:   make(map[string]*computation),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.start = c.now()
	c.status.Store(ir.StatusInit)
	return c, nil
}

// Record implements agent.Reporter. It never blocks.
func (c *Collector) Record(rec ir.MetricRecord) {
	select {
	case c.in <- item{record: &rec}:
	default:
		c.dropped.Add(1)
		if c.prom != nil {
			c.prom.dropped.Inc()
		}
	}
}

// Promoted implements agent.Reporter. Promotions are never dropped and
// the call never blocks.
func (c *Collector) Promoted(p ir.Promotion) {
	c.notice(item{promotion: &p})
}

// Error implements agent.Reporter. Like Promoted it never blocks.
func (c *Collector) Error(agent string, err error) {
	c.notice(item{agent: agent, err: err})
}

func (c *Collector) notice(it item) {
	c.noticeMu.Lock()
	c.notices = append(c.notices, it)
	c.noticeMu.Unlock()
	select {
	case c.noticed <- struct{}{}:
	default:
	}
}

func (c *Collector) drainNotices() {
	c.noticeMu.Lock()
	notices := c.notices
	c.notices = nil
	c.noticeMu.Unlock()
	for _, it := range notices {
		c.handle(it)
	}
}

// SetStatus sets the run status stamped on the next snapshots.
func (c *Collector) SetStatus(s ir.RunStatus) {
	c.status.Store(s)
}

// Status returns the current run status.
func (c *Collector) Status() ir.RunStatus {
	return c.status.Load().(ir.RunStatus)
}

// Dropped returns how many records were dropped for a full channel.
func (c *Collector) Dropped() int64 { return c.dropped.Load() }

// Run consumes records until Close is called or ctx is cancelled. In
// period mode it takes a snapshot right away and then once per period.
func (c *Collector) Run(ctx context.Context) {
	c.running.Store(true)
	defer close(c.done)

	c.mu.Lock()
	c.start = c.now()
	c.mu.Unlock()

	var tick <-chan time.Time
	if c.cfg.CollectOn == ir.TriggerPeriod {
		ticker := time.NewTicker(c.cfg.Period)
		defer ticker.Stop()
		tick = ticker.C
		c.Emit(ir.TriggerPeriod)
	}

	for {
		select {
		case it := <-c.in:
			c.handle(it)
		case <-c.noticed:
			c.drainNotices()
		case <-tick:
			c.Emit(ir.TriggerPeriod)
		case <-c.closing:
			for {
				select {
				case it := <-c.in:
					c.handle(it)
				default:
					c.drainNotices()
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Start runs the collector in its own goroutine.
func (c *Collector) Start(ctx context.Context) {
	c.running.Store(true)
	go c.Run(ctx)
}

// Close drains buffered records and stops Run. Safe to call more than
// once, and without Run having been started.
func (c *Collector) Close() {
	c.once.Do(func() { close(c.closing) })
	if c.running.Load() {
		<-c.done
	}
}

func (c *Collector) handle(it item) {
	switch {
	case it.record != nil:
		c.reduce(*it.record)
		switch c.cfg.CollectOn {
		case ir.TriggerValueChange:
			if it.record.ValueChanged {
				c.Emit(ir.TriggerValueChange)
			}
		case ir.TriggerCycleChange:
			c.Emit(ir.TriggerCycleChange)
		}
	case it.promotion != nil:
		c.mu.Lock()
		c.promotions = append(c.promotions, *it.promotion)
		c.mu.Unlock()
		if c.prom != nil {
			c.prom.promotions.Inc()
		}
		if c.onPromotion != nil {
			c.onPromotion(*it.promotion)
		}
	case it.err != nil:
		c.mu.Lock()
		c.errs = append(c.errs, it.err.Error())
		c.mu.Unlock()
		if c.prom != nil {
			c.prom.agentErrors.WithLabelValues(it.agent).Inc()
		}
		if c.onError != nil {
			c.onError(it.agent, it.err)
		}
	}
}

func (c *Collector) reduce(rec ir.MetricRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.comps[rec.Computation]
	if !ok {
		st = &computation{agent: rec.Agent}
		c.comps[rec.Computation] = st
	}
	if st.agent != rec.Agent {
		// Promoted on another agent: its counters start over.
		st.baseCount += st.count
		st.baseSize += st.size
		st.count, st.size = 0, 0
		st.agent = rec.Agent
	}
	if rec.MsgCount >= st.count {
		st.count = rec.MsgCount
	}
	if rec.MsgSize >= st.size {
		st.size = rec.MsgSize
	}
	if rec.Cycle >= st.cycle {
		st.cycle = rec.Cycle
	}
	st.value = rec.Value
	if rec.ValueChanged {
		c.valueChanges++
		if c.prom != nil {
			c.prom.valueChanges.Inc()
		}
	}
}

// current reduces the computations into an unstamped snapshot. c.mu must
// be held.
func (c *Collector) current(trigger ir.Trigger) ir.Snapshot {
	s := ir.Snapshot{
		Trigger:    trigger,
		Time:       c.now().Sub(c.start).Seconds(),
		Assignment: make(map[string]string, len(c.comps)),
		Status:     c.Status(),
	}
	for name, st := range c.comps {
		s.Assignment[name] = st.value
		s.MsgCount += st.baseCount + st.count
		s.MsgSize += st.baseSize + st.size
		if st.cycle > s.Cycle {
			s.Cycle = st.cycle
		}
	}
	if c.cost != nil && len(s.Assignment) > 0 {
		s.Cost, s.Violation = c.cost(s.Assignment)
	}
	return s
}

// Emit stamps a snapshot of the current state and writes it to every
// sink. Sink errors are logged, not returned.
func (c *Collector) Emit(trigger ir.Trigger) ir.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.current(trigger)
	s.Seq = c.clock.Next()
	c.snapshots++
	for _, sink := range c.sinks {
		if err := sink.WriteSnapshot(s); err != nil {
			slog.Warn("metrics sink failed", "phase", string(s.Status), "seq", s.Seq, "error", err)
		}
	}
	if c.prom != nil {
		c.prom.observeSnapshot(s)
	}
	return s
}

// Report reduces everything collected so far into a run report. The
// caller fills in the run id, the distribution and, if needed, a final
// status.
func (c *Collector) Report() ir.RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.current(ir.TriggerEnd)
	r := ir.RunReport{
		Assignment:     s.Assignment,
		Cost:           s.Cost,
		Cycle:          s.Cycle,
		DroppedRecords: c.dropped.Load(),
		MsgCount:       s.MsgCount,
		MsgSize:        s.MsgSize,
		Snapshots:      c.snapshots,
		Status:         s.Status,
		Time:           s.Time,
		ValueChanges:   c.valueChanges,
		Violation:      s.Violation,
	}
	if len(c.errs) > 0 {
		r.Errors = append([]string(nil), c.errs...)
	}
	if len(c.promotions) > 0 {
		r.Promotions = append([]ir.Promotion(nil), c.promotions...)
	}
	return r
}
