package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/dcop/internal/ir"
)

// outItem is one unit of outbound traffic to a single agent.
type outItem struct {
	msg      *ir.Message
	state    *ir.ComputationState
	announce *announcement
}

type announcement struct {
	computation string
	host        string
}

// sender delivers outbound traffic to one agent from its own goroutine,
// so a slow or dead peer does not hold back traffic to the others.
type sender struct {
	r     *Runtime
	agent string
	q     *queue[outItem]
}

func (r *Runtime) senderFor(agent string) *sender {
	if s, ok := r.senders[agent]; ok {
		return s
	}
	s := &sender{r: r, agent: agent, q: newQueue[outItem]()}
	r.senders[agent] = s
	go s.run()
	return s
}

func (s *sender) push(item outItem) {
	s.q.Enqueue(item)
}

func (s *sender) run() {
	for {
		item, ok := s.q.TryDequeue()
		if ok {
			s.deliver(item)
			continue
		}
		select {
		case <-s.r.ctx.Done():
			return
		case <-s.q.Wait():
			if s.q.Drained() {
				return
			}
		}
	}
}

// deliver sends one item with retries. Messages that cannot be delivered
// go back to the loop to be parked; syncs are superseded by the next one
// and are tried once.
func (s *sender) deliver(item outItem) {
	attempts := s.r.cfg.DeliveryRetries + 1
	if item.state != nil {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(s.r.cfg.RetryDelay):
			case <-s.r.ctx.Done():
				return
			}
		}
		if err = s.send(item); err == nil {
			return
		}
	}

	switch {
	case item.msg != nil:
		slog.Debug("message delivery failed", "agent", s.r.name, "to", s.agent,
			"computation", item.msg.To, "cycle", item.msg.Cycle, "error", err)
		s.r.inbox.Enqueue(event{kind: evUndelivered, agent: s.agent, msg: *item.msg})
	case item.announce != nil:
		slog.Warn("announce failed", "agent", s.r.name, "to", s.agent,
			"computation", item.announce.computation, "error", err)
	default:
		slog.Debug("replica sync failed", "agent", s.r.name, "to", s.agent, "error", err)
	}
}

func (s *sender) send(item outItem) error {
	peer, ok := s.r.network.Peer(s.agent)
	if !ok {
		return ErrUnknownPeer
	}
	ctx, cancel := context.WithTimeout(s.r.ctx, s.r.cfg.DeliveryTimeout)
	defer cancel()

	switch {
	case item.msg != nil:
		return peer.DeliverMessage(ctx, *item.msg)
	case item.state != nil:
		return peer.SyncReplica(ctx, *item.state)
	default:
		return peer.Announce(ctx, item.announce.computation, item.announce.host)
	}
}
