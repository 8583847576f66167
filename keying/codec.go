// Package keying implements the compact keying-edge wire format from spec section 4.3:
// a command byte, a big-endian send timestamp, and a bounded list of 7-bit-offset edges.
package keying

import (
	"encoding/binary"
	"fmt"

	"github.com/jl1nie/wifikey2/wkerr"
)

// Command distinguishes the two frame kinds carried on the session.
type Command uint8

const (
	// CmdKeyerMessage carries a batch of paddle edges (possibly zero, i.e. a sync frame).
	CmdKeyerMessage Command = 0x00
	// CmdStartATU triggers the antenna-tuner-unit collaborator. Never carries edges.
	CmdStartATU Command = 0x01
	// CmdPing/CmdPong carry the control plane's RTT probe (spec section 4.6: "carries the
	// START_ATU command and observational statistics over the same session channel"). The
	// timestamp field is the sender's own clock reading, echoed back unchanged in the pong.
	CmdPing Command = 0x02
	CmdPong Command = 0x03
)

// MaxEdges is the largest edge count a single frame can carry.
const MaxEdges = 128

// MaxOffsetMillis is the largest offset, in milliseconds, an edge can carry within a frame.
const MaxOffsetMillis = 127

// HeaderSize is the fixed portion of a frame: command (1) + timestamp (4) + edge_count (1).
const HeaderSize = 6

// Edge is a single paddle transition: direction and an offset in milliseconds from the
// frame's send timestamp. Down = key pressed, matching spec section 4.4's "pressed = down".
type Edge struct {
	Down   bool
	Offset uint8 // 0..127, enforced by Encode
}

func (e Edge) byte() byte {
	b := e.Offset & 0x7f
	if !e.Down {
		b |= 0x80
	}
	return b
}

func edgeFromByte(b byte) Edge {
	return Edge{
		Down:   b&0x80 == 0,
		Offset: b & 0x7f,
	}
}

// Frame is a decoded keying datagram: a command, the reference send timestamp in milliseconds
// (wrapping at 2^32 per spec section 8), and zero or more edges in non-decreasing offset order.
type Frame struct {
	Command   Command
	Timestamp uint32
	Edges     []Edge
}

// IsSync reports whether this is a zero-edge heartbeat/clock-reference frame.
func (f Frame) IsSync() bool {
	return f.Command == CmdKeyerMessage && len(f.Edges) == 0
}

// Encode serializes a frame to its wire form. It returns wkerr.ErrProtocol if the edge count
// exceeds MaxEdges, any offset exceeds MaxOffsetMillis, or offsets are not non-decreasing —
// callers that produce edges from absolute timestamps should use EncodeEdges instead, which
// splits automatically rather than failing.
func Encode(f Frame) ([]byte, error) {
	if len(f.Edges) > MaxEdges {
		return nil, fmt.Errorf("keying: %d edges exceeds max %d: %w", len(f.Edges), MaxEdges, wkerr.ErrProtocol)
	}
	prev := -1
	for _, e := range f.Edges {
		if e.Offset > MaxOffsetMillis {
			return nil, fmt.Errorf("keying: offset %d exceeds max %d: %w", e.Offset, MaxOffsetMillis, wkerr.ErrProtocol)
		}
		if int(e.Offset) < prev {
			return nil, fmt.Errorf("keying: non-monotone offsets: %w", wkerr.ErrProtocol)
		}
		prev = int(e.Offset)
	}

	out := make([]byte, HeaderSize+len(f.Edges))
	out[0] = byte(f.Command)
	binary.BigEndian.PutUint32(out[1:5], f.Timestamp)
	out[5] = uint8(len(f.Edges))
	for i, e := range f.Edges {
		out[HeaderSize+i] = e.byte()
	}
	return out, nil
}

// Decode parses wire bytes into a Frame. It rejects frames shorter than HeaderSize or whose
// declared edge count doesn't match the remaining length, per spec section 4.3's decoding
// contract, returning wkerr.ErrProtocol so the caller can count violations and close the
// session after repeated offenses (spec section 7).
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("keying: frame length %d below minimum %d: %w", len(b), HeaderSize, wkerr.ErrProtocol)
	}
	edgeCount := int(b[5])
	if HeaderSize+edgeCount != len(b) {
		return Frame{}, fmt.Errorf("keying: edge_count %d inconsistent with frame length %d: %w", edgeCount, len(b), wkerr.ErrProtocol)
	}
	if edgeCount > MaxEdges {
		return Frame{}, fmt.Errorf("keying: edge_count %d exceeds max %d: %w", edgeCount, MaxEdges, wkerr.ErrProtocol)
	}

	f := Frame{
		Command:   Command(b[0]),
		Timestamp: binary.BigEndian.Uint32(b[1:5]),
		Edges:     make([]Edge, edgeCount),
	}
	for i := 0; i < edgeCount; i++ {
		f.Edges[i] = edgeFromByte(b[HeaderSize+i])
	}
	return f, nil
}

// AbsoluteEdge is a paddle edge tagged with the absolute millisecond timestamp at which it
// was observed, as produced by collab.PaddleReader and consumed by EncodeEdges.
type AbsoluteEdge struct {
	Down     bool
	AbsMillis uint32
}

// BuildFrames splits an ordered list of absolute-time edges into one or more Frame values,
// splitting whenever more than MaxEdges would fit in a frame or an offset would exceed
// MaxOffsetMillis, per spec section 4.3's encoding contract. An empty list yields a single
// sync frame. Used directly by the sampler, which sends each Frame over a session; EncodeEdges
// wraps this for callers that want raw wire bytes instead.
func BuildFrames(refTime uint32, edges []AbsoluteEdge) []Frame {
	if len(edges) == 0 {
		return []Frame{{Command: CmdKeyerMessage, Timestamp: refTime}}
	}

	var frames []Frame
	i := 0
	for i < len(edges) {
		t := edges[i].AbsMillis
		var batch []Edge
		for i < len(edges) && len(batch) < MaxEdges {
			off := edges[i].AbsMillis - t
			if off > MaxOffsetMillis {
				break
			}
			batch = append(batch, Edge{Down: edges[i].Down, Offset: uint8(off)})
			i++
		}
		frames = append(frames, Frame{Command: CmdKeyerMessage, Timestamp: t, Edges: batch})
	}
	return frames
}

// EncodeEdges builds one or more wire frames from an ordered list of absolute-time edges,
// per spec section 4.3's encoding contract. An empty list encodes a single sync frame.
func EncodeEdges(refTime uint32, edges []AbsoluteEdge) ([][]byte, error) {
	frames := BuildFrames(refTime, edges)
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		b, err := Encode(f)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// StartATUFrame builds the no-edge START_ATU control frame.
func StartATUFrame(sendTime uint32) ([]byte, error) {
	return Encode(Frame{Command: CmdStartATU, Timestamp: sendTime})
}
