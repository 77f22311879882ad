package engine

import (
	"context"

	"agvlink/fleet"
	"agvlink/messaging"
	"agvlink/protocol"
)

// Upstream is the server-side Command Channel. serverlink.Conn implements it.
type Upstream interface {
	fleet.Link
	Connect(ctx context.Context) error
	SendStatus(v any) error
	ReceiveCommand() (*protocol.InboundCommand, error)
}

// PubSub is the vehicle-side channel. messaging.Client implements it.
// Handlers registered with Subscribe must survive a later Connect.
type PubSub interface {
	fleet.Link
	Connect() error
	Subscribe(topic string, h messaging.Handler) error
	Publish(topic string, payload []byte) error
}
