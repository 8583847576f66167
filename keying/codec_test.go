package keying

import (
	"errors"
	"testing"

	"github.com/jl1nie/wifikey2/wkerr"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{"sync", Frame{Command: CmdKeyerMessage, Timestamp: 1000}},
		{"single-edge", Frame{Command: CmdKeyerMessage, Timestamp: 1000, Edges: []Edge{{Down: true, Offset: 5}}}},
		{"dit", Frame{Command: CmdKeyerMessage, Timestamp: 1000, Edges: []Edge{
			{Down: true, Offset: 5},
			{Down: false, Offset: 25},
		}}},
		{"max-offset", Frame{Command: CmdKeyerMessage, Timestamp: 0, Edges: []Edge{{Down: true, Offset: 127}}}},
		{"start-atu", Frame{Command: CmdStartATU, Timestamp: 42}},
		{"wrap-timestamp", Frame{Command: CmdKeyerMessage, Timestamp: 0xFFFFFFFE, Edges: []Edge{{Down: true, Offset: 1}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.frame)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(b) != HeaderSize+len(tc.frame.Edges) {
				t.Fatalf("encoded length = %d, want %d", len(b), HeaderSize+len(tc.frame.Edges))
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Command != tc.frame.Command || got.Timestamp != tc.frame.Timestamp {
				t.Fatalf("decoded header = %+v, want %+v", got, tc.frame)
			}
			if len(got.Edges) != len(tc.frame.Edges) {
				t.Fatalf("decoded edges = %v, want %v", got.Edges, tc.frame.Edges)
			}
			for i := range got.Edges {
				if got.Edges[i] != tc.frame.Edges[i] {
					t.Fatalf("edge[%d] = %+v, want %+v", i, got.Edges[i], tc.frame.Edges[i])
				}
			}
		})
	}
}

func TestRoundTripAllOffsets(t *testing.T) {
	// Property: for every ordered edge list with offsets in [0,127], decode(encode(T,E)) = (T,E).
	for offset := 0; offset <= MaxOffsetMillis; offset++ {
		for _, down := range []bool{true, false} {
			f := Frame{Command: CmdKeyerMessage, Timestamp: 500, Edges: []Edge{{Down: down, Offset: uint8(offset)}}}
			b, err := Encode(f)
			if err != nil {
				t.Fatalf("offset=%d: Encode: %v", offset, err)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("offset=%d: Decode: %v", offset, err)
			}
			if got.Edges[0] != f.Edges[0] {
				t.Fatalf("offset=%d: got %+v, want %+v", offset, got.Edges[0], f.Edges[0])
			}
		}
	}
}

func TestEncodeRejectsOversizedEdgeList(t *testing.T) {
	edges := make([]Edge, MaxEdges+1)
	_, err := Encode(Frame{Command: CmdKeyerMessage, Timestamp: 0, Edges: edges})
	if !errors.Is(err, wkerr.ErrProtocol) {
		t.Fatalf("err = %v, want wkerr.ErrProtocol", err)
	}
}

func TestEncodeRejectsOversizedOffset(t *testing.T) {
	_, err := Encode(Frame{Command: CmdKeyerMessage, Timestamp: 0, Edges: []Edge{{Offset: 128}}})
	if !errors.Is(err, wkerr.ErrProtocol) {
		t.Fatalf("err = %v, want wkerr.ErrProtocol", err)
	}
}

func TestEncodeRejectsNonMonotoneOffsets(t *testing.T) {
	_, err := Encode(Frame{Command: CmdKeyerMessage, Timestamp: 0, Edges: []Edge{
		{Down: true, Offset: 50},
		{Down: false, Offset: 10},
	}})
	if !errors.Is(err, wkerr.ErrProtocol) {
		t.Fatalf("err = %v, want wkerr.ErrProtocol", err)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x00, 0x00})
	if !errors.Is(err, wkerr.ErrProtocol) {
		t.Fatalf("err = %v, want wkerr.ErrProtocol", err)
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	b := []byte{0x00, 0, 0, 0, 0, 2, 0x00} // edge_count says 2, only 1 edge byte present
	_, err := Decode(b)
	if !errors.Is(err, wkerr.ErrProtocol) {
		t.Fatalf("err = %v, want wkerr.ErrProtocol", err)
	}
}

func TestEncodeEdgesSplitsOn128Edges(t *testing.T) {
	edges := make([]AbsoluteEdge, 150)
	for i := range edges {
		edges[i] = AbsoluteEdge{Down: i%2 == 0, AbsMillis: uint32(1000 + i)}
	}
	frames, err := EncodeEdges(1000, edges)
	if err != nil {
		t.Fatalf("EncodeEdges: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}

	f0, err := Decode(frames[0])
	if err != nil {
		t.Fatalf("decode frame 0: %v", err)
	}
	f1, err := Decode(frames[1])
	if err != nil {
		t.Fatalf("decode frame 1: %v", err)
	}
	if len(f0.Edges) != 128 || len(f1.Edges) != 22 {
		t.Fatalf("split sizes = %d,%d want 128,22", len(f0.Edges), len(f1.Edges))
	}

	// Reconstruct absolute times and confirm all 150 edges are present in order.
	var got []AbsoluteEdge
	for _, e := range f0.Edges {
		got = append(got, AbsoluteEdge{Down: e.Down, AbsMillis: f0.Timestamp + uint32(e.Offset)})
	}
	for _, e := range f1.Edges {
		got = append(got, AbsoluteEdge{Down: e.Down, AbsMillis: f1.Timestamp + uint32(e.Offset)})
	}
	if len(got) != 150 {
		t.Fatalf("reconstructed %d edges, want 150", len(got))
	}
	for i, e := range got {
		if e != edges[i] {
			t.Fatalf("edge[%d] = %+v, want %+v", i, e, edges[i])
		}
	}
}

func TestEncodeEdgesEmptyIsSync(t *testing.T) {
	frames, err := EncodeEdges(1234, nil)
	if err != nil {
		t.Fatalf("EncodeEdges: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f, err := Decode(frames[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !f.IsSync() {
		t.Fatalf("frame is not a sync frame: %+v", f)
	}
}

func TestStartATUFrameHasNoEdges(t *testing.T) {
	b, err := StartATUFrame(99)
	if err != nil {
		t.Fatalf("StartATUFrame: %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Command != CmdStartATU || len(f.Edges) != 0 {
		t.Fatalf("f = %+v, want START_ATU with no edges", f)
	}
}
