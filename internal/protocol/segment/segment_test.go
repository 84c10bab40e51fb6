package segment

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/frame"
	"github.com/danmuck/gadgetlink/internal/testutil/testlog"
)

func mustEncoder(t *testing.T, mtu, maxTx int) *Encoder {
	t.Helper()
	enc, err := NewEncoder(mtu, maxTx)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	return enc
}

func parseAll(t *testing.T, batch protocol.Batch) []frame.Parsed {
	t.Helper()
	out := make([]frame.Parsed, 0, len(batch))
	for i, f := range batch {
		p, n, err := frame.ReadFragment(f)
		if err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
		if n != len(f) {
			t.Fatalf("fragment %d: consumed %d of %d", i, n, len(f))
		}
		out = append(out, p)
	}
	return out
}

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestEncodeThreeHundredBytesAtMTU128(t *testing.T) {
	testlog.Start(t)
	enc := mustEncoder(t, 128, 5000)
	batch, err := enc.Encode(protocol.ChannelApplication, false, payloadOf(300))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wantSizes := []int{128, 128, 56}
	wantPayload := []uint16{122, 125, 53}
	wantRoles := []protocol.FragmentRole{protocol.FragmentInitial, protocol.FragmentContinuation, protocol.FragmentFinal}
	if len(batch) != len(wantSizes) {
		t.Fatalf("expected %d fragments, got %d", len(wantSizes), len(batch))
	}
	parsed := parseAll(t, batch)
	for i := range batch {
		if len(batch[i]) != wantSizes[i] {
			t.Fatalf("fragment %d size=%d want %d", i, len(batch[i]), wantSizes[i])
		}
		if parsed[i].Header.PayloadLength != wantPayload[i] {
			t.Fatalf("fragment %d payload=%d want %d", i, parsed[i].Header.PayloadLength, wantPayload[i])
		}
		if parsed[i].Header.Role != wantRoles[i] {
			t.Fatalf("fragment %d role=%s want %s", i, parsed[i].Header.Role, wantRoles[i])
		}
		if parsed[i].Header.Sequence != uint8(i) {
			t.Fatalf("fragment %d seq=%d", i, parsed[i].Header.Sequence)
		}
	}
	if parsed[0].Header.TotalLength != 300 {
		t.Fatalf("unexpected total length %d", parsed[0].Header.TotalLength)
	}
}

func TestEncodeSingleFragmentKeepsInitialRole(t *testing.T) {
	testlog.Start(t)
	enc := mustEncoder(t, 128, 5000)
	for _, n := range []int{1, 2, 64, 122} {
		batch, err := enc.Encode(protocol.ChannelControl, true, payloadOf(n))
		if err != nil {
			t.Fatalf("encode %d: %v", n, err)
		}
		if len(batch) != 1 {
			t.Fatalf("payload %d: expected 1 fragment, got %d", n, len(batch))
		}
		p := parseAll(t, batch)[0]
		if p.Header.Role != protocol.FragmentInitial {
			t.Fatalf("payload %d: role=%s want initial", n, p.Header.Role)
		}
		if !p.Header.Ack {
			t.Fatalf("payload %d: ack bit lost", n)
		}
	}
}

func TestEncodeMultiFragmentRoles(t *testing.T) {
	testlog.Start(t)
	enc := mustEncoder(t, 32, 5000)
	batch, err := enc.Encode(protocol.ChannelApplication, false, payloadOf(500))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed := parseAll(t, batch)
	last := len(parsed) - 1
	for i, p := range parsed {
		want := protocol.FragmentContinuation
		switch i {
		case 0:
			want = protocol.FragmentInitial
		case last:
			want = protocol.FragmentFinal
		}
		if p.Header.Role != want {
			t.Fatalf("fragment %d/%d role=%s want %s", i, last, p.Header.Role, want)
		}
		if len(batch[i]) > 32 {
			t.Fatalf("fragment %d exceeds mtu: %d", i, len(batch[i]))
		}
	}
}

func TestEncodeSequenceWraps(t *testing.T) {
	testlog.Start(t)
	enc := mustEncoder(t, MinMTU, 5000)
	batch, err := enc.Encode(protocol.ChannelControl, false, payloadOf(200))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(batch) <= 16 {
		t.Fatalf("expected more than 16 fragments, got %d", len(batch))
	}
	var joined []byte
	for i, p := range parseAll(t, batch) {
		if p.Header.Sequence != uint8(i%16) {
			t.Fatalf("fragment %d seq=%d want %d", i, p.Header.Sequence, i%16)
		}
		joined = append(joined, p.Payload...)
	}
	if !bytes.Equal(joined, payloadOf(200)) {
		t.Fatalf("payload mismatch after split")
	}
}

func TestEncodeExtendedLength(t *testing.T) {
	testlog.Start(t)
	enc := mustEncoder(t, 600, 5000)
	batch, err := enc.Encode(protocol.ChannelApplication, false, payloadOf(1000))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed := parseAll(t, batch)
	if len(parsed) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(parsed))
	}
	if parsed[0].Header.PayloadLength != 593 || len(batch[0]) != 600 {
		t.Fatalf("first fragment payload=%d size=%d", parsed[0].Header.PayloadLength, len(batch[0]))
	}
	if parsed[1].Header.PayloadLength != 407 || parsed[1].Header.Role != protocol.FragmentFinal {
		t.Fatalf("second fragment payload=%d role=%s", parsed[1].Header.PayloadLength, parsed[1].Header.Role)
	}
	for i, p := range parsed {
		if p.Header.Extended != (p.Header.PayloadLength > frame.MaxShortPayload) {
			t.Fatalf("fragment %d extended=%v with payload %d", i, p.Header.Extended, p.Header.PayloadLength)
		}
	}
}

func TestEncodeShrinkToShortLengthClearsExtended(t *testing.T) {
	testlog.Start(t)
	enc := mustEncoder(t, 259, 5000)
	batch, err := enc.Encode(protocol.ChannelApplication, false, payloadOf(600))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed := parseAll(t, batch)
	if len(parsed) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(parsed))
	}
	if parsed[1].Header.PayloadLength != 255 || parsed[1].Header.Extended {
		t.Fatalf("middle fragment payload=%d extended=%v", parsed[1].Header.PayloadLength, parsed[1].Header.Extended)
	}
	if len(batch[1]) != 258 {
		t.Fatalf("middle fragment size=%d", len(batch[1]))
	}
}

func TestCountersIndependentAndWrap(t *testing.T) {
	testlog.Start(t)
	var c Counters
	for i := 0; i < 16; i++ {
		id, err := c.Next(protocol.ChannelControl)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if id != uint8(i) {
			t.Fatalf("control id=%d want %d", id, i)
		}
	}
	if id, _ := c.Next(protocol.ChannelControl); id != 0 {
		t.Fatalf("control id should wrap to 0, got %d", id)
	}
	if id, _ := c.Next(protocol.ChannelFirmwareUpdate); id != 0 {
		t.Fatalf("firmware id should start at 0, got %d", id)
	}
	if id, _ := c.Next(protocol.ChannelApplication); id != 0 {
		t.Fatalf("application id should start at 0, got %d", id)
	}
	if _, err := c.Next(protocol.Channel(5)); !errors.Is(err, protocol.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestEncodeTransactionIDsPerChannel(t *testing.T) {
	testlog.Start(t)
	enc := mustEncoder(t, 128, 5000)
	ids := map[protocol.Channel][]uint8{}
	for i := 0; i < 3; i++ {
		for _, ch := range []protocol.Channel{protocol.ChannelControl, protocol.ChannelApplication} {
			batch, err := enc.Encode(ch, false, []byte{0x01})
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			ids[ch] = append(ids[ch], parseAll(t, batch)[0].Header.TransactionID)
		}
	}
	for ch, got := range ids {
		if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
			t.Fatalf("%s ids=%v", ch, got)
		}
	}
	if enc.Counters().Peek(protocol.ChannelFirmwareUpdate) != 0 {
		t.Fatalf("firmware counter should be untouched")
	}
}

func TestEncodeRejectsInvalidArguments(t *testing.T) {
	testlog.Start(t)
	enc := mustEncoder(t, 128, 5000)
	cases := []struct {
		name    string
		ch      protocol.Channel
		payload []byte
	}{
		{name: "bad channel", ch: protocol.Channel(4), payload: []byte{1}},
		{name: "empty", ch: protocol.ChannelControl, payload: nil},
		{name: "too large", ch: protocol.ChannelControl, payload: payloadOf(5001)},
	}
	for _, tc := range cases {
		batch, err := enc.Encode(tc.ch, false, tc.payload)
		if !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
		if batch != nil {
			t.Fatalf("%s: expected no output", tc.name)
		}
	}
	if enc.Counters().Peek(protocol.ChannelControl) != 0 {
		t.Fatalf("rejected encodes must not consume a transaction id")
	}

	if _, err := NewEncoder(MinMTU-1, 5000); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for small mtu, got %v", err)
	}
	if _, err := NewEncoder(128, 70000); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for large max transaction, got %v", err)
	}
}
