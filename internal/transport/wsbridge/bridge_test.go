package wsbridge

import (
	"context"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/gadgetlink/internal/gadget"
	"github.com/danmuck/gadgetlink/internal/link"
	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/dispatch"
	"github.com/danmuck/gadgetlink/internal/protocol/envelope"
	"github.com/danmuck/gadgetlink/internal/testutil/testlog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DialAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1}
	return cfg
}

func peripheralServer(t *testing.T, mtu int) *httptest.Server {
	t.Helper()
	newConn := func() (*link.Conn, func(), error) {
		cfg := link.DefaultConfig()
		cfg.MTU = mtu
		p := gadget.NewPeripheral(gadget.DefaultProfile(), zerolog.Nop())
		conn, err := link.New(cfg, p.Handlers())
		return conn, nil, err
	}
	srv := httptest.NewServer(Handler(newConn, testConfig(), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialNegotiatesAndExchanges(t *testing.T) {
	testlog.Start(t)
	srv := peripheralServer(t, 64)

	responses := make(chan envelope.ControlEnvelope, 4)
	hostCfg := link.DefaultConfig()
	hostCfg.Role = protocol.RoleHost
	host, err := link.New(hostCfg, dispatch.Handlers{
		OnResponse: func(env envelope.ControlEnvelope) { responses <- env },
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := Dial(ctx, wsURL(srv), host, testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	if got := host.Config().MTU; got != 64 {
		t.Fatalf("expected negotiated mtu 64, got %d", got)
	}

	served := make(chan error, 1)
	go func() { served <- peer.Serve(ctx) }()

	if err := peer.Send(protocol.ChannelControl, true, gadget.GetDeviceInformation()); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case env := <-responses:
		if env.Command != envelope.CommandGetDeviceInformation || env.Response.ErrorCode != envelope.ErrorSuccess {
			t.Fatalf("unexpected response %+v", env)
		}
		body, ok := env.Response.Payload(envelope.FieldDeviceInformation)
		if !ok {
			t.Fatalf("response has no device information")
		}
		info, err := gadget.UnmarshalDeviceInformation(body)
		if err != nil || info.Name != "GadgetName" {
			t.Fatalf("unexpected device information %+v err=%v", info, err)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(host.PendingAcks()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(host.PendingAcks()) != 0 {
		t.Fatalf("ack never arrived: %+v", host.PendingAcks())
	}

	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop after cancel")
	}
}

func TestDialFailsAfterAttempts(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(nil)
	url := wsURL(srv)
	srv.Close()

	hostCfg := link.DefaultConfig()
	hostCfg.Role = protocol.RoleHost
	host, err := link.New(hostCfg, dispatch.Handlers{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	if _, err := Dial(context.Background(), url, host, testConfig(), zerolog.Nop()); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestNextBackoffDelayWithoutJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 250 * time.Millisecond},
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{6, 5 * time.Second},
		{40, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := NextBackoffDelay(cfg, tc.attempt, nil); got != tc.want {
			t.Fatalf("attempt %d: got %s want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestNextBackoffDelayEdgeConfigs(t *testing.T) {
	testlog.Start(t)
	if got := NextBackoffDelay(BackoffConfig{Multiplier: 2}, 3, nil); got != 0 {
		t.Fatalf("zero initial delay: got %s", got)
	}
	flat := BackoffConfig{InitialDelay: 40 * time.Millisecond, Multiplier: 0.5}
	if got := NextBackoffDelay(flat, 4, nil); got != 40*time.Millisecond {
		t.Fatalf("multiplier below one should hold the delay: got %s", got)
	}
	capped := BackoffConfig{InitialDelay: 2 * time.Second, Multiplier: 2, MaxDelay: time.Second}
	if got := NextBackoffDelay(capped, 1, nil); got != time.Second {
		t.Fatalf("initial delay above max: got %s", got)
	}
	jitterNoRNG := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: true}
	if got := NextBackoffDelay(jitterNoRNG, 2, nil); got != 200*time.Millisecond {
		t.Fatalf("jitter without rng: got %s", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 8; attempt++ {
		base := NextBackoffDelay(BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < base/2 || got >= base+base/2 {
			t.Fatalf("attempt %d: jitter %s outside [%s, %s)", attempt, got, base/2, base+base/2)
		}
	}
}

func TestHandlerReleasesLinkOnDisconnect(t *testing.T) {
	testlog.Start(t)
	released := make(chan struct{}, 1)
	newConn := func() (*link.Conn, func(), error) {
		p := gadget.NewPeripheral(gadget.DefaultProfile(), zerolog.Nop())
		conn, err := link.New(link.DefaultConfig(), p.Handlers())
		return conn, func() { released <- struct{}{} }, err
	}
	srv := httptest.NewServer(Handler(newConn, testConfig(), zerolog.Nop()))
	defer srv.Close()

	hostCfg := link.DefaultConfig()
	hostCfg.Role = protocol.RoleHost
	host, err := link.New(hostCfg, dispatch.Handlers{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	peer, err := Dial(context.Background(), wsURL(srv), host, testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case <-released:
		t.Fatalf("released while the peer is still connected")
	default:
	}

	peer.Close()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatalf("link not released after disconnect")
	}
}
