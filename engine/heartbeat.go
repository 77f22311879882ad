package engine

import (
	"sync"
	"time"

	"agvlink/protocol"
)

// statusSender is the part of Upstream the heartbeater needs.
type statusSender interface {
	IsConnected() bool
	SendStatus(v any) error
}

// Heartbeater sends an "online" frame upstream on a fixed interval while the
// server link is up, independent of telemetry traffic.
type Heartbeater struct {
	sender   statusSender
	bridgeID string
	interval time.Duration
	debugFn  LogFunc

	mu   sync.Mutex
	sent int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHeartbeater creates a heartbeater for the given bridge identity.
func NewHeartbeater(sender statusSender, bridgeID string, interval time.Duration, debugFn LogFunc) *Heartbeater {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if debugFn == nil {
		debugFn = func(string, ...any) {}
	}
	return &Heartbeater{
		sender:   sender,
		bridgeID: bridgeID,
		interval: interval,
		debugFn:  debugFn,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the heartbeat loop.
func (h *Heartbeater) Start() {
	go h.loop()
}

// Stop halts the heartbeat loop.
func (h *Heartbeater) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Sent returns how many heartbeats went out.
func (h *Heartbeater) Sent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

func (h *Heartbeater) beat() {
	if !h.sender.IsConnected() {
		return
	}
	if err := h.sender.SendStatus(protocol.NewHeartbeat(h.bridgeID, time.Now())); err != nil {
		h.debugFn("heartbeat: send: %v", err)
		return
	}
	h.mu.Lock()
	h.sent++
	h.mu.Unlock()
}

func (h *Heartbeater) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}
