package cwire

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cevent"
	"github.com/gordian-engine/coop/crpc"
)

// ProtocolVersion is sent in every Hello.
// A peer with a different version is refused.
const ProtocolVersion uint16 = 1

// maxStringLen bounds the length-prefixed strings in messages.
const maxStringLen = 1<<16 - 1

// Hello is the first packet a client sends on a new connection.
type Hello struct {
	Version uint16
	Name    string
}

// AppendHello appends h's body to dst.
func AppendHello(dst []byte, h Hello) []byte {
	dst = binary.BigEndian.AppendUint16(dst, h.Version)
	return appendString(dst, h.Name)
}

// ParseHello decodes a body produced by [AppendHello].
func ParseHello(b []byte) (Hello, error) {
	if len(b) < 2 {
		return Hello{}, &UnderflowError{What: "hello version", Want: 2, Have: len(b)}
	}
	h := Hello{Version: binary.BigEndian.Uint16(b)}

	name, rest, err := parseString(b[2:], "hello name")
	if err != nil {
		return Hello{}, err
	}
	if len(rest) != 0 {
		return Hello{}, fmt.Errorf("%d trailing bytes after hello", len(rest))
	}
	h.Name = name
	return h, nil
}

// AppendTickReport appends a tick report body to dst.
func AppendTickReport(dst []byte, t cclock.Tick) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(t))
}

// ParseTickReport decodes a body produced by [AppendTickReport].
func ParseTickReport(b []byte) (cclock.Tick, error) {
	if err := checkFixed(b, 4, "tick report"); err != nil {
		return 0, err
	}
	return cclock.Tick(binary.BigEndian.Uint32(b)), nil
}

// callHeaderSize is the call ID, handler ID, and tick.
const callHeaderSize = 8 + 4 + 4

// AppendCall appends c's body to dst.
// The peer is implied by the connection and is not encoded.
func AppendCall(dst []byte, c crpc.Call) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(c.ID))
	dst = binary.BigEndian.AppendUint32(dst, uint32(c.Handler))
	dst = binary.BigEndian.AppendUint32(dst, uint32(c.Tick))
	return append(dst, c.Args...)
}

// ParseCall decodes a body produced by [AppendCall].
// The returned call's Peer is unset and its Args alias b.
func ParseCall(b []byte) (crpc.Call, error) {
	if len(b) < callHeaderSize {
		return crpc.Call{}, &UnderflowError{What: "call header", Want: callHeaderSize, Have: len(b)}
	}

	c := crpc.Call{
		ID:      crpc.CallID(binary.BigEndian.Uint64(b)),
		Handler: crpc.HandlerID(binary.BigEndian.Uint32(b[8:])),
		Tick:    cclock.Tick(binary.BigEndian.Uint32(b[12:])),
	}
	if len(b) > callHeaderSize {
		c.Args = b[callHeaderSize:]
	}
	return c, nil
}

// AppendAck appends an acknowledgement of id to dst.
func AppendAck(dst []byte, id crpc.CallID) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(id))
}

// ParseAck decodes a body produced by [AppendAck].
func ParseAck(b []byte) (crpc.CallID, error) {
	if err := checkFixed(b, 8, "ack"); err != nil {
		return 0, err
	}
	return crpc.CallID(binary.BigEndian.Uint64(b)), nil
}

// AppendEvent appends ev's body to dst.
func AppendEvent(dst []byte, ev cevent.Event) []byte {
	dst = appendString(dst, ev.Kind)
	return append(dst, ev.Payload...)
}

// ParseEvent decodes a body produced by [AppendEvent].
// The returned payload aliases b.
func ParseEvent(b []byte) (cevent.Event, error) {
	kind, rest, err := parseString(b, "event kind")
	if err != nil {
		return cevent.Event{}, err
	}
	ev := cevent.Event{Kind: kind}
	if len(rest) > 0 {
		ev.Payload = rest
	}
	return ev, nil
}

// Visibility is the set of entities replicated to a peer as of a tick.
type Visibility struct {
	Tick cclock.Tick

	Entities *bitset.BitSet
}

// AppendVisibility appends v's body to dst.
func AppendVisibility(dst []byte, v Visibility) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(v.Tick))
	return AppendBitset(dst, v.Entities)
}

// ParseVisibility decodes a body produced by [AppendVisibility].
func ParseVisibility(b []byte) (Visibility, error) {
	if len(b) < 4 {
		return Visibility{}, &UnderflowError{What: "visibility tick", Want: 4, Have: len(b)}
	}
	bs, err := ParseBitset(b[4:])
	if err != nil {
		return Visibility{}, fmt.Errorf("failed to parse visibility bitset: %w", err)
	}
	return Visibility{
		Tick:     cclock.Tick(binary.BigEndian.Uint32(b)),
		Entities: bs,
	}, nil
}

func appendString(dst []byte, s string) []byte {
	if len(s) > maxStringLen {
		panic(fmt.Errorf("BUG: string of length %d too long to encode", len(s)))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func parseString(b []byte, what string) (s string, rest []byte, err error) {
	if len(b) < 2 {
		return "", nil, &UnderflowError{What: what + " length", Want: 2, Have: len(b)}
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, &UnderflowError{What: what, Want: n, Have: len(b)}
	}
	return string(b[:n]), b[n:], nil
}

func checkFixed(b []byte, n int, what string) error {
	if len(b) < n {
		return &UnderflowError{What: what, Want: n, Have: len(b)}
	}
	if len(b) > n {
		return fmt.Errorf("%d trailing bytes after %s", len(b)-n, what)
	}
	return nil
}
