package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/dcop/internal/ir"
)

// shadow is the replica of a computation hosted elsewhere.
type shadow struct {
	def     ir.ComputationDef
	primary string
	backups []string
	rank    int

	state ir.ComputationState
	has   bool

	missed int
	// lastCycle is the cycle the primary reported in its last heartbeat.
	lastCycle int
	seen      bool
}

func (r *Runtime) installShadow(def ir.ComputationDef, backups []string, rank int) {
	sh := &shadow{
		def:     def,
		primary: r.hosts[def.Name],
		backups: append([]string(nil), backups...),
		rank:    rank,
	}
	if s, ok := r.early[def.Name]; ok {
		sh.state, sh.has = s, true
		delete(r.early, def.Name)
	}
	r.shadows[def.Name] = sh
}

// handleSync overwrites a shadow with a newer state from its primary.
// Syncs that arrive before the shadow is installed are kept aside.
func (r *Runtime) handleSync(s ir.ComputationState) {
	if _, ok := r.hosted[s.Name]; ok {
		return
	}
	if !s.Verify() {
		slog.Warn("replica sync with bad digest ignored", "agent", r.name, "computation", s.Name)
		return
	}
	sh, ok := r.shadows[s.Name]
	if !ok {
		if prev, seen := r.early[s.Name]; !seen || s.Cycle >= prev.Cycle {
			r.early[s.Name] = s
		}
		return
	}
	if !sh.has || s.Cycle >= sh.state.Cycle {
		sh.state, sh.has = s, true
	}
}

// handleAnnounce records that computation is now hosted by host, then
// re-sends what the old host may have lost.
func (r *Runtime) handleAnnounce(computation, host string) {
	if _, mine := r.hosted[computation]; mine && host != r.name {
		slog.Warn("conflicting announce ignored", "agent", r.name, "phase", r.State().String(),
			"computation", computation, "claimed_by", host)
		return
	}
	r.hosts[computation] = host
	if sh, ok := r.shadows[computation]; ok {
		sh.primary = host
		sh.missed = 0
		sh.seen = false
	}

	parked := r.parked[computation]
	delete(r.parked, computation)
	r.parkedN -= len(parked)
	for _, m := range parked {
		r.route(m)
	}
	replayed := r.replay(computation)
	slog.Info("computation moved", "agent", r.name, "phase", r.State().String(),
		"computation", computation, "host", host, "parked", len(parked), "replayed", replayed)
}

func (r *Runtime) startMonitor() {
	r.monitorWG.Add(1)
	go func() {
		defer r.monitorWG.Done()
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if r.State() != Active {
					if r.State() >= Stopping {
						return
					}
					continue
				}
				if !r.inbox.Enqueue(event{kind: evTick}) {
					return
				}
			}
		}
	}()
}

// pingPrimaries sends one heartbeat request to each agent hosting a
// computation this agent backs up. Answers come back as events.
func (r *Runtime) pingPrimaries() {
	targets := make(map[string]bool)
	for _, sh := range r.shadows {
		if sh.primary != "" {
			targets[sh.primary] = true
		}
	}
	for agent := range targets {
		go r.ping(agent)
	}
}

func (r *Runtime) ping(agent string) {
	var hb ir.Heartbeat
	err := ErrUnknownPeer
	if peer, ok := r.network.Peer(agent); ok {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.HeartbeatInterval)
		hb, err = peer.Heartbeat(ctx)
		cancel()
	}
	r.inbox.Enqueue(event{kind: evHeartbeat, agent: agent, hb: hb, err: err})
}

// handleHeartbeat updates the failure detector. The backup ranked i
// promotes after (i+1) times the missed-heartbeat threshold, which gives
// the backups ahead of it the chance to promote and announce first.
func (r *Runtime) handleHeartbeat(agent string, hb ir.Heartbeat, err error) {
	if r.State() != Active {
		return
	}
	for _, name := range ir.SortedKeys(r.shadows) {
		sh := r.shadows[name]
		if sh.primary != agent {
			continue
		}
		if err == nil {
			sh.missed = 0
			if c, ok := hb.Cycles[name]; ok {
				sh.lastCycle, sh.seen = c, true
			}
			continue
		}
		sh.missed++
		slog.Debug("heartbeat missed", "agent", r.name, "primary", agent,
			"computation", name, "missed", sh.missed)
		if sh.missed >= r.cfg.MissedHeartbeats*(sh.rank+1) {
			r.promote(name, sh)
		}
	}
}

// promote turns a shadow into a hosted primary computation.
func (r *Runtime) promote(name string, sh *shadow) {
	staleness := 0
	if sh.seen {
		staleness = sh.lastCycle - sh.state.Cycle
		if staleness < 0 {
			staleness = 0
		}
	}
	if r.cfg.MaxStaleness >= 0 && staleness > r.cfg.MaxStaleness {
		err := &StaleReplicaError{Agent: r.name, Computation: name, Staleness: staleness, Max: r.cfg.MaxStaleness}
		slog.Warn("promotion refused", "agent", r.name, "phase", r.State().String(),
			"computation", name, "staleness", staleness, "max", r.cfg.MaxStaleness)
		delete(r.shadows, name)
		r.reporter.Error(r.name, err)
		return
	}

	comp, err := r.spec.Build(sh.def)
	if err != nil {
		slog.Error("promotion failed", "agent", r.name, "computation", name, "error", err)
		r.reporter.Error(r.name, err)
		return
	}
	if sh.has {
		if err := comp.Restore(sh.state); err != nil {
			slog.Error("promotion failed: restore", "agent", r.name, "computation", name, "error", err)
			r.reporter.Error(r.name, err)
			return
		}
	}

	h := newHosted(sh.def, comp)
	for _, b := range sh.backups {
		if b != r.name && b != sh.primary {
			h.backups = append(h.backups, b)
		}
	}
	old := sh.primary
	delete(r.shadows, name)
	r.hosted[name] = h
	r.hosts[name] = r.name

	slog.Warn("replica promoted", "agent", r.name, "phase", r.State().String(),
		"computation", name, "from", old, "cycle", comp.Cycle(), "staleness", staleness)
	r.reporter.Promoted(ir.Promotion{Computation: name, From: old, To: r.name, Staleness: staleness})

	notified := make(map[string]bool)
	for _, agent := range r.hosts {
		if agent == r.name || agent == old || notified[agent] {
			continue
		}
		notified[agent] = true
		r.senderFor(agent).push(outItem{announce: &announcement{computation: name, host: r.name}})
	}

	var out []ir.Message
	if sh.has {
		out = comp.Outbound()
	} else if out, err = comp.Start(); err != nil {
		r.reporter.Error(r.name, err)
		return
	}
	r.emit(h, out)
	r.record(h, true)
	r.syncBackups(h)

	parked := r.parked[name]
	delete(r.parked, name)
	r.parkedN -= len(parked)
	for _, m := range parked {
		r.route(m)
	}
	// Co-located neighbors may have handed messages to the dead primary.
	r.replay(name)
	r.flushPending()
	r.tryStep(h)
}
