// Package cpacket contains the packet dispatch table,
// which routes an inbound packet to its handler
// by the connection's state and the packet's type.
//
// Tables are composed once at startup through a [TableBuilder]
// and are read-only afterwards,
// so transport goroutines may resolve handlers without locking.
package cpacket

import (
	"context"
	"fmt"

	"github.com/gordian-engine/coop/cconn"
)

// Type identifies the kind of a packet.
type Type uint8

// Packet types used by the session core.
// Application packet types must be >= [MinAppType].
const (
	TypeHello Type = iota + 1
	TypeTickReport
	TypeCall
	TypeCallAck
	TypeEvent
	TypeVisibility
)

// MinAppType is the lowest packet type available to applications.
const MinAppType Type = 128

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeTickReport:
		return "TickReport"
	case TypeCall:
		return "Call"
	case TypeCallAck:
		return "CallAck"
	case TypeEvent:
		return "Event"
	case TypeVisibility:
		return "Visibility"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Packet is one decoded inbound packet.
type Packet struct {
	Conn cconn.ID

	// State of Conn when the packet was received.
	State cconn.State

	Type    Type
	Payload []byte
}

// Handler handles a packet.
// Handlers are invoked on the session's owner goroutine,
// with the owner context.
type Handler func(ctx context.Context, p Packet) error
