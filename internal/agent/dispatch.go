package agent

import (
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/dcop/internal/ir"
)

// handleMessage routes an inbound message to a hosted computation,
// forwards it to the current host, or queues it until deployment.
func (r *Runtime) handleMessage(m ir.Message) {
	if h, ok := r.hosted[m.To]; ok {
		r.receive(h, m)
		return
	}
	if host, ok := r.hosts[m.To]; ok && host != r.name {
		r.senderFor(host).push(outItem{msg: &m})
		return
	}
	if len(r.pending) >= r.cfg.PendingLimit {
		r.overload(m, "pending queue full")
		return
	}
	r.pending = append(r.pending, m)
}

func (r *Runtime) flushPending() {
	if len(r.pending) == 0 {
		return
	}
	msgs := r.pending
	r.pending = nil
	for _, m := range msgs {
		r.handleMessage(m)
	}
}

// receive buffers m for its cycle. Messages for a cycle the computation
// already went past are dropped; a duplicate overwrites the buffered copy.
func (r *Runtime) receive(h *hosted, m ir.Message) {
	if !h.def.HasNeighbor(m.From) {
		slog.Warn("message from non-neighbor dropped", "agent", r.name, "phase", r.State().String(),
			"computation", h.def.Name, "from", m.From)
		return
	}
	if m.Cycle < h.comp.Cycle() {
		slog.Debug("stale message dropped", "agent", r.name, "computation", h.def.Name,
			"from", m.From, "cycle", m.Cycle, "current", h.comp.Cycle())
		return
	}
	buf, ok := h.buffer[m.Cycle]
	if !ok {
		buf = make(map[string]ir.Message, len(h.def.Neighbors))
		h.buffer[m.Cycle] = buf
	}
	buf[ir.MessageID(m)] = m
	r.tryStep(h)
}

// tryStep runs every cycle for which all neighbors' messages are buffered.
func (r *Runtime) tryStep(h *hosted) {
	for r.State() == Active && !h.comp.Finished() {
		cycle := h.comp.Cycle()
		buf := h.buffer[cycle]
		if len(buf) < len(h.def.Neighbors) {
			return
		}
		delete(h.buffer, cycle)

		before := h.comp.Value()
		out, err := h.comp.Step(sortedMessages(buf))
		if err != nil {
			slog.Error("computation step failed", "agent", r.name, "phase", r.State().String(),
				"computation", h.def.Name, "cycle", cycle, "error", err)
			r.reporter.Error(r.name, err)
			return
		}
		r.emit(h, out)
		r.record(h, before != h.comp.Value())
		r.syncBackups(h)
		if h.comp.Finished() {
			slog.Debug("computation finished", "agent", r.name, "computation", h.def.Name,
				"cycle", h.comp.Cycle(), "value", h.comp.Value())
		}
	}
}

// emit counts and sends outbound messages, keeping them for replay.
func (r *Runtime) emit(h *hosted, out []ir.Message) {
	for _, m := range out {
		h.msgCount++
		h.msgSize += m.Size()
		h.sent[m.Cycle] = append(h.sent[m.Cycle], m)
		r.route(m)
	}
	if len(out) > 0 {
		oldest := out[len(out)-1].Cycle - r.cfg.ReplayWindow + 1
		for c := range h.sent {
			if c < oldest {
				delete(h.sent, c)
			}
		}
	}
}

// route sends m towards the agent hosting its destination.
func (r *Runtime) route(m ir.Message) {
	host, ok := r.hosts[m.To]
	switch {
	case !ok:
		r.park(m)
	case host == r.name:
		r.inbox.Enqueue(event{kind: evMessage, msg: m})
	default:
		r.senderFor(host).push(outItem{msg: &m})
	}
}

// replay re-sends the kept outbound messages addressed to computation.
func (r *Runtime) replay(computation string) int {
	n := 0
	for _, name := range ir.SortedKeys(r.hosted) {
		h := r.hosted[name]
		if !h.def.HasNeighbor(computation) {
			continue
		}
		cycles := make([]int, 0, len(h.sent))
		for c := range h.sent {
			cycles = append(cycles, c)
		}
		sort.Ints(cycles)
		for _, c := range cycles {
			for _, m := range h.sent[c] {
				if m.To == computation {
					r.route(m)
					n++
				}
			}
		}
	}
	return n
}

func (r *Runtime) handleUndelivered(agent string, m ir.Message) {
	if host, ok := r.hosts[m.To]; ok && host != agent {
		// The destination moved while delivery was retried.
		r.route(m)
		return
	}
	r.park(m)
}

// park keeps a message that could not be delivered until its destination
// is announced on another agent.
func (r *Runtime) park(m ir.Message) {
	if r.parkedN >= r.cfg.PendingLimit {
		r.overload(m, "undelivered messages")
		return
	}
	r.parked[m.To] = append(r.parked[m.To], m)
	r.parkedN++
}

func (r *Runtime) overload(m ir.Message, reason string) {
	err := &OverloadError{Agent: r.name, Computation: m.To, Limit: r.cfg.PendingLimit, Reason: reason}
	slog.Error("agent overloaded", "agent", r.name, "phase", r.State().String(),
		"computation", m.To, "reason", reason)
	r.reporter.Error(r.name, err)
}

func (r *Runtime) record(h *hosted, changed bool) {
	trigger := ir.TriggerCycleChange
	if changed {
		trigger = ir.TriggerValueChange
	}
	r.reporter.Record(ir.MetricRecord{
		Trigger:      trigger,
		Agent:        r.name,
		Computation:  h.def.Name,
		Value:        h.comp.Value(),
		Cycle:        h.comp.Cycle(),
		MsgCount:     h.msgCount,
		MsgSize:      h.msgSize,
		ValueChanged: changed,
		Finished:     h.comp.Finished(),
		ElapsedSec:   time.Since(r.started).Seconds(),
	})
}

func (r *Runtime) syncBackups(h *hosted) {
	if len(h.backups) == 0 {
		return
	}
	state := h.comp.Snapshot()
	for _, b := range h.backups {
		s := state
		r.senderFor(b).push(outItem{state: &s})
	}
}
