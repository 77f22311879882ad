package engine

import (
	"errors"
	"time"

	"agvlink/fleet"
)

func (e *Engine) reconnectInterval() time.Duration {
	if d := e.cfg.Relay.ReconnectInterval; d > 0 {
		return d
	}
	return 5 * time.Second
}

// upstreamLoop owns the server link: reconnect at a fixed interval while
// down, otherwise block in ReceiveCommand (bounded by the receive timeout)
// and hand each command to HandleCommand.
func (e *Engine) upstreamLoop() {
	defer e.wg.Done()
	for e.ctx.Err() == nil {
		if !e.upstream.IsConnected() {
			if err := e.upstream.Connect(e.ctx); err != nil {
				e.debugFn("relay: server connect failed: %v", err)
				if !fleet.Sleep(e.ctx, e.reconnectInterval()) {
					return
				}
				continue
			}
			e.logFn("relay: server link up")
			e.Events.Emit(Event{Type: EventUpstreamConnected, Payload: LinkEvent{Link: "upstream"}})
		}

		in, err := e.upstream.ReceiveCommand()
		switch {
		case err == nil:
			e.HandleCommand(in)
		case errors.Is(err, fleet.ErrTimeout):
		default:
			if e.ctx.Err() != nil {
				return
			}
			e.logFn("relay: server link down: %v", err)
			e.Events.Emit(Event{Type: EventUpstreamDisconnected, Payload: LinkEvent{Link: "upstream", Error: err.Error()}})
			if e.upstream.IsConnected() && !fleet.Sleep(e.ctx, e.reconnectInterval()) {
				return
			}
		}
	}
}

// pubsubLoop checks the pub/sub link every reconnect interval and reconnects
// it when down. Message delivery itself happens on the transport's own
// goroutine through the registered handlers.
func (e *Engine) pubsubLoop() {
	defer e.wg.Done()
	up := false
	for {
		if e.pubsub.IsConnected() {
			up = true
		} else {
			if up {
				up = false
				st := e.pubsub.State()
				e.logFn("relay: pubsub link down: %s", st.LastError)
				e.Events.Emit(Event{Type: EventPubSubDisconnected, Payload: LinkEvent{Link: "pubsub", Error: st.LastError}})
			}
			if err := e.pubsub.Connect(); err != nil {
				e.debugFn("relay: pubsub connect failed: %v", err)
			} else {
				up = true
				e.logFn("relay: pubsub link up")
				e.Events.Emit(Event{Type: EventPubSubConnected, Payload: LinkEvent{Link: "pubsub"}})
			}
		}
		if !fleet.Sleep(e.ctx, e.reconnectInterval()) {
			return
		}
	}
}

// summaryLoop logs one line per vehicle on a fixed interval.
func (e *Engine) summaryLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Relay.SummaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.logSummary()
		}
	}
}

func (e *Engine) logSummary() {
	sessions := e.registry.List()
	if len(sessions) == 0 {
		e.logFn("relay: summary: no vehicles reporting (server=%v pubsub=%v)",
			e.upstream.IsConnected(), e.pubsub.IsConnected())
		return
	}
	for _, s := range sessions {
		work := "-"
		if s.WorkID != nil {
			work = formatID(*s.WorkID)
		}
		e.logFn("relay: summary: vehicle=%s status=%s work=%s collisions=%d last_seen=%s",
			s.VehicleID, s.Status, work, s.CollisionCount, s.LastSeenAt.Format(time.TimeOnly))
	}
}
