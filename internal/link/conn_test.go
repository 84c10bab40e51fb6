package link

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/dispatch"
	"github.com/danmuck/gadgetlink/internal/protocol/envelope"
	"github.com/danmuck/gadgetlink/internal/protocol/frame"
	"github.com/danmuck/gadgetlink/internal/testutil/testlog"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newConn(t *testing.T, role protocol.Role, handlers dispatch.Handlers, opts ...Option) *Conn {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Role = role
	c, err := New(cfg, handlers, opts...)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	return c
}

func deviceInfoHandler(env envelope.ControlEnvelope) ([]envelope.ControlEnvelope, error) {
	body := envelope.EncodeFields([]envelope.Field{envelope.StringField(1, "aabbccd")})
	return []envelope.ControlEnvelope{
		envelope.NewResponse(env.Command, envelope.ErrorSuccess, envelope.BytesField(envelope.FieldDeviceInformation, body)),
	}, nil
}

func TestControlExchangeAckPrecedesResponse(t *testing.T) {
	testlog.Start(t)
	var responses []envelope.ControlEnvelope
	host := newConn(t, protocol.RoleHost, dispatch.Handlers{
		OnResponse: func(env envelope.ControlEnvelope) { responses = append(responses, env) },
	})
	gadget := newConn(t, protocol.RolePeripheral, dispatch.Handlers{
		Commands: map[envelope.Command]dispatch.CommandHandler{
			envelope.CommandGetDeviceInformation: deviceInfoHandler,
		},
	})

	req, err := host.Send(protocol.ChannelControl, true, []byte{0x08, 0x14})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(host.PendingAcks()) != 1 {
		t.Fatalf("expected one pending ack, got %+v", host.PendingAcks())
	}

	out, err := gadget.ReceiveBatch(req)
	if err != nil {
		t.Fatalf("gadget receive: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected ack + response, got %d fragments", len(out))
	}
	wantAck := []byte{0x00, 0x0E, 0x00, 0x02, 0x01, 0x00}
	if !bytes.Equal(out[0], wantAck) {
		t.Fatalf("first fragment should be success ack: got=% x want=% x", out[0], wantAck)
	}

	back, err := host.ReceiveBatch(out)
	if err != nil {
		t.Fatalf("host receive: %v", err)
	}
	if len(back) != 0 {
		t.Fatalf("host must not answer, got %d fragments", len(back))
	}
	if len(responses) != 1 || responses[0].Command != envelope.CommandGetDeviceInformation {
		t.Fatalf("unexpected responses %+v", responses)
	}
	if len(host.PendingAcks()) != 0 {
		t.Fatalf("pending ack not resolved: %+v", host.PendingAcks())
	}
	if st := host.Stats(); st.AcksReceived != 1 || st.TransactionsReceived != 1 {
		t.Fatalf("unexpected host stats %+v", st)
	}
	if st := gadget.Stats(); st.AcksSent != 1 || st.TransactionsSent != 1 {
		t.Fatalf("unexpected gadget stats %+v", st)
	}
}

func TestCapturedDeliveryWithTwoFragments(t *testing.T) {
	testlog.Start(t)
	gadget := newConn(t, protocol.RolePeripheral, dispatch.Handlers{
		Commands: map[envelope.Command]dispatch.CommandHandler{
			envelope.CommandGetDeviceInformation: deviceInfoHandler,
		},
	})
	delivery := []byte{
		0x00, 0x00, 0x00, 0x00, 0x02, 0x02, 0x08, 0x14,
		0x02, 0x00, 0x00, 0x00, 0x02, 0x02, 0x08, 0x1c,
	}
	out, err := gadget.Receive(delivery)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected two responses and no acks, got %d", len(out))
	}
	want := []struct {
		cmd  envelope.Command
		code envelope.ErrorCode
	}{
		{envelope.CommandGetDeviceInformation, envelope.ErrorSuccess},
		{envelope.CommandGetDeviceFeatures, envelope.ErrorUnsupported},
	}
	for i, f := range out {
		p, _, err := frame.ReadFragment(f)
		if err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		if p.Header.Channel != protocol.ChannelControl || p.Header.TransactionID != uint8(i) {
			t.Fatalf("response %d header %+v", i, p.Header)
		}
		env, err := envelope.Unmarshal(p.Payload)
		if err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		if env.Command != want[i].cmd || env.Response == nil || env.Response.ErrorCode != want[i].code {
			t.Fatalf("response %d: %+v", i, env)
		}
	}
}

func skippedSequence(ch protocol.Channel) []byte {
	d := frame.EncodeHeader(frame.Header{
		Channel:       ch,
		TransactionID: 4,
		Role:          protocol.FragmentInitial,
		TotalLength:   10,
		PayloadLength: 2,
	})
	d = append(d, 1, 2)
	d = append(d, frame.EncodeHeader(frame.Header{
		Channel:       ch,
		TransactionID: 4,
		Sequence:      2,
		Role:          protocol.FragmentContinuation,
		Ack:           true,
		PayloadLength: 2,
	})...)
	return append(d, 3, 4)
}

func TestSequenceGapFailureAckOnEveryRoute(t *testing.T) {
	testlog.Start(t)
	for _, role := range []protocol.Role{protocol.RoleHost, protocol.RolePeripheral} {
		for idx, ch := range protocol.Channels {
			c := newConn(t, role, dispatch.Handlers{})
			out, err := c.Receive(skippedSequence(ch))
			if err != nil {
				t.Fatalf("%s/%s: receive: %v", role, ch, err)
			}
			want := frame.EncodeControl(frame.ControlFrame{Channel: ch, TransactionID: 4, Result: protocol.ResultFailure})
			if len(out) != 1 || !bytes.Equal(out[0], want) {
				t.Fatalf("%s/%s: expected exactly one failure ack, got %v", role, ch, out)
			}
			st := c.Stats()
			if st.Failures != 1 || st.AcksSent != 1 || st.Slots[idx].State.String() != "idle" {
				t.Fatalf("%s/%s: unexpected stats %+v", role, ch, st)
			}
		}
	}
}

func TestSequenceGapWithoutAckBitIsSilent(t *testing.T) {
	testlog.Start(t)
	d := skippedSequence(protocol.ChannelApplication)
	d[len(d)-4] &^= 0x02 // clear the ack bit on the continuation
	c := newConn(t, protocol.RolePeripheral, dispatch.Handlers{})
	out, err := c.Receive(d)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(out) != 0 || c.Stats().Failures != 1 {
		t.Fatalf("expected a silent failure, out=%v stats=%+v", out, c.Stats())
	}
}

func TestApplicationEchoRoundTrip(t *testing.T) {
	testlog.Start(t)
	var got []byte
	host := newConn(t, protocol.RoleHost, dispatch.Handlers{
		Application: func(c dispatch.Completion) ([][]byte, error) {
			got = append([]byte(nil), c.Payload...)
			return nil, nil
		},
	})
	gadget := newConn(t, protocol.RolePeripheral, dispatch.Handlers{
		Application: func(c dispatch.Completion) ([][]byte, error) {
			return [][]byte{c.Payload}, nil
		},
	})
	payload := bytes.Repeat([]byte{0x5A}, 300)
	req, err := host.Send(protocol.ChannelApplication, true, payload)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(req) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(req))
	}
	out, err := gadget.ReceiveBatch(req)
	if err != nil {
		t.Fatalf("gadget receive: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected ack + 3 fragments, got %d", len(out))
	}
	p, _, err := frame.ReadFragment(out[0])
	if err != nil || !p.IsControl() || p.Control.Result != protocol.ResultSuccess || p.Control.Channel != protocol.ChannelApplication {
		t.Fatalf("first fragment not an application success ack: %+v err=%v", p, err)
	}
	if _, err := host.ReceiveBatch(out); err != nil {
		t.Fatalf("host receive: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch: %d bytes", len(got))
	}
	if len(host.PendingAcks()) != 0 {
		t.Fatalf("pending ack not resolved")
	}
}

func TestFirmwareChannelNeverAcks(t *testing.T) {
	testlog.Start(t)
	var seen int
	host := newConn(t, protocol.RoleHost, dispatch.Handlers{})
	gadget := newConn(t, protocol.RolePeripheral, dispatch.Handlers{
		Firmware: func(c dispatch.Completion) ([][]byte, error) {
			seen += len(c.Payload)
			return nil, nil
		},
	})
	req, err := host.Send(protocol.ChannelFirmwareUpdate, true, make([]byte, 200))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(host.PendingAcks()) != 0 {
		t.Fatalf("firmware sends must not wait for acks")
	}
	out, err := gadget.ReceiveBatch(req)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(out) != 0 || seen != 200 {
		t.Fatalf("out=%d seen=%d", len(out), seen)
	}
}

func TestCloseRejectsLaterCalls(t *testing.T) {
	testlog.Start(t)
	gadget := newConn(t, protocol.RolePeripheral, dispatch.Handlers{})
	partial := append(frame.EncodeHeader(frame.Header{
		Channel:       protocol.ChannelControl,
		Role:          protocol.FragmentInitial,
		TotalLength:   50,
		PayloadLength: 1,
	}), 0x08)
	if _, err := gadget.Receive(partial); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := gadget.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := gadget.Stats(); !st.Closed || st.BufferedBytes != 0 {
		t.Fatalf("close did not reset slots: %+v", st)
	}
	if _, err := gadget.Send(protocol.ChannelControl, false, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from send, got %v", err)
	}
	if _, err := gadget.Receive(partial); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from receive, got %v", err)
	}
	if err := gadget.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestExpireSlotsAndAcks(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cfg := DefaultConfig()
	cfg.Role = protocol.RoleHost
	cfg.AckTimeout = time.Second
	cfg.TransactionTimeout = 5 * time.Second
	host, err := New(cfg, dispatch.Handlers{}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	if _, err := host.Send(protocol.ChannelControl, true, []byte{0x08, 0x14}); err != nil {
		t.Fatalf("send: %v", err)
	}
	partial := append(frame.EncodeHeader(frame.Header{
		Channel:       protocol.ChannelApplication,
		Role:          protocol.FragmentInitial,
		TotalLength:   20,
		PayloadLength: 1,
	}), 0x01)
	if _, err := host.Receive(partial); err != nil {
		t.Fatalf("receive: %v", err)
	}

	slots, lost := host.Expire(clock.now.Add(2 * time.Second))
	if slots != 0 || len(lost) != 1 || lost[0].TransactionID != 0 {
		t.Fatalf("after 2s: slots=%d lost=%+v", slots, lost)
	}
	slots, lost = host.Expire(clock.now.Add(6 * time.Second))
	if slots != 1 || len(lost) != 0 {
		t.Fatalf("after 6s: slots=%d lost=%+v", slots, lost)
	}
	if st := host.Stats(); st.Expired != 1 || st.PendingAcks != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestWrappedTransactionIDSupersedesPendingAck(t *testing.T) {
	testlog.Start(t)
	host := newConn(t, protocol.RoleHost, dispatch.Handlers{})
	for i := 0; i < 16; i++ {
		if _, err := host.Send(protocol.ChannelControl, true, []byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if st := host.Stats(); st.PendingAcks != 16 || st.AcksSuperseded != 0 {
		t.Fatalf("before wrap: %+v", st)
	}
	batch, err := host.Send(protocol.ChannelControl, true, []byte{0xAA, 0xBB})
	if err != nil {
		t.Fatalf("send after wrap: %v", err)
	}
	if h, _ := frame.DecodePrefix(batch[0]); h.TransactionID != 0 {
		t.Fatalf("expected wrapped txid 0, got %d", h.TransactionID)
	}
	st := host.Stats()
	if st.PendingAcks != 16 || st.AcksSuperseded != 1 {
		t.Fatalf("after wrap: %+v", st)
	}
	for _, item := range host.PendingAcks() {
		if item.TransactionID == 0 && item.Bytes != 2 {
			t.Fatalf("txid 0 should track the newer send, got %+v", item)
		}
	}
}

func TestNegotiateAdoptsSmallerLimits(t *testing.T) {
	testlog.Start(t)
	c := newConn(t, protocol.RoleHost, dispatch.Handlers{})
	if _, err := c.Send(protocol.ChannelControl, false, []byte{1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Negotiate(frame.NewVersionPacket(64, 1000)); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	cfg := c.Config()
	if cfg.MTU != 64 || cfg.MaxTransactionSize != 1000 {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	batch, err := c.Send(protocol.ChannelControl, false, make([]byte, 100))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(batch) != 2 || len(batch[0]) != 64 {
		t.Fatalf("unexpected fragmentation: %d fragments", len(batch))
	}
	h, _ := frame.DecodePrefix(batch[0])
	if h.TransactionID != 1 {
		t.Fatalf("transaction id counter reset by negotiation: %d", h.TransactionID)
	}
	if _, err := c.Send(protocol.ChannelControl, false, make([]byte, 1001)); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument above negotiated max, got %v", err)
	}
	if vp := c.VersionPacket(); vp.MTU != 64 || vp.MaxTransactionSize != 1000 {
		t.Fatalf("version packet not updated: %+v", vp)
	}

	bad := frame.NewVersionPacket(64, 1000)
	bad.Major = 2
	if err := c.Negotiate(bad); !errors.Is(err, protocol.ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestTruncatedDeliveryReturnsPartialOutput(t *testing.T) {
	testlog.Start(t)
	gadget := newConn(t, protocol.RolePeripheral, dispatch.Handlers{})
	ok := frame.EncodeHeader(frame.Header{
		Channel:       protocol.ChannelApplication,
		Role:          protocol.FragmentInitial,
		Ack:           true,
		TotalLength:   1,
		PayloadLength: 1,
	})
	delivery := append(ok, 0x7F, 0x60)
	out, err := gadget.Receive(delivery)
	if !errors.Is(err, protocol.ErrInsufficientLength) {
		t.Fatalf("expected ErrInsufficientLength, got %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("success ack for the complete fragment should still be returned, got %d", len(out))
	}
}
