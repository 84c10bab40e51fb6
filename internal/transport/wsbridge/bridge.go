// Package wsbridge carries link deliveries over a websocket. Each binary
// message is one transport delivery; the peripheral side opens with its
// protocol version packet.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danmuck/gadgetlink/internal/link"
	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/frame"
)

var ErrHandshake = errors.New("wsbridge: handshake failed")

// Peer pumps deliveries between one websocket and one link.Conn.
type Peer struct {
	ws     *websocket.Conn
	conn   *link.Conn
	cfg    Config
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewPeer(ws *websocket.Conn, conn *link.Conn, cfg Config, logger zerolog.Logger) *Peer {
	return &Peer{ws: ws, conn: conn, cfg: cfg, logger: logger}
}

func (p *Peer) Link() *link.Conn { return p.conn }

// Send encodes payload on the link and writes the resulting fragments.
func (p *Peer) Send(ch protocol.Channel, ack bool, payload []byte) error {
	batch, err := p.conn.Send(ch, ack, payload)
	if err != nil {
		return err
	}
	return p.write(batch)
}

func (p *Peer) write(batch protocol.Batch) error {
	if len(batch) == 0 {
		return nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.cfg.Coalesce {
		return p.writeMessage(batch.Bytes())
	}
	for _, f := range batch {
		if err := p.writeMessage(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) writeMessage(b []byte) error {
	if p.cfg.WriteTimeout > 0 {
		p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	}
	return p.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Serve reads deliveries until the socket closes or ctx ends, feeding each
// to the link and writing back whatever it produces.
func (p *Peer) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-done:
		}
	}()

	for {
		if p.cfg.ReadTimeout > 0 {
			p.ws.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		}
		mt, data, err := p.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				p.logger.Warn().Err(err).Msg("websocket read failed")
				return err
			}
			return nil
		}
		if mt != websocket.BinaryMessage {
			p.logger.Debug().Int("type", mt).Msg("non-binary message ignored")
			continue
		}
		out, err := p.conn.Receive(data)
		if errors.Is(err, link.ErrClosed) {
			return err
		}
		if werr := p.write(out); werr != nil {
			return fmt.Errorf("write reply: %w", werr)
		}
		p.conn.Expire(time.Now())
	}
}

// Close sends a close frame and closes the socket and the link.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		p.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		err = p.ws.Close()
		p.conn.Close()
	})
	return err
}

// ConnFactory builds the link for one websocket peer. release, when non-nil,
// runs once the peer is gone and its link closed.
type ConnFactory func() (conn *link.Conn, release func(), err error)

// Handler upgrades each request and serves it as the peripheral side of a
// fresh link built by newConn.
func Handler(newConn ConnFactory, cfg Config, logger zerolog.Logger) http.Handler {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, release, err := newConn()
		if err != nil {
			logger.Error().Err(err).Msg("link setup failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if release != nil {
			defer release()
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			conn.Close()
			return
		}
		peer := NewPeer(ws, conn, cfg, logger.With().Str("remote", r.RemoteAddr).Logger())
		defer peer.Close()

		vp := conn.VersionPacket()
		if err := peer.writeMessage(frame.EncodeVersion(vp)); err != nil {
			logger.Warn().Err(err).Msg("version packet write failed")
			return
		}
		logger.Info().Str("remote", r.RemoteAddr).Uint16("mtu", vp.MTU).Msg("link peer connected")
		if err := peer.Serve(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("link peer ended")
			return
		}
		logger.Info().Str("remote", r.RemoteAddr).Msg("link peer disconnected")
	})
}

// Dial connects the host side of conn to a peripheral at url, retrying with
// backoff, and negotiates limits from the peripheral's version packet.
func Dial(ctx context.Context, url string, conn *link.Conn, cfg Config, logger zerolog.Logger) (*Peer, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempts := max(cfg.DialAttempts, 1)

	var ws *websocket.Conn
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ws, _, err = dialer.DialContext(ctx, url, nil)
		if err == nil {
			break
		}
		logger.Warn().Int("attempt", attempt).Str("url", url).Err(err).Msg("dial failed")
		if attempt == attempts {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(NextBackoffDelay(cfg.Backoff, attempt, rng)):
		}
	}

	if cfg.HandshakeTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: read version packet: %v", ErrHandshake, err)
	}
	vp, err := frame.DecodeVersion(data)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := conn.Negotiate(vp); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	ws.SetReadDeadline(time.Time{})
	logger.Info().Str("url", url).Uint16("mtu", vp.MTU).Uint16("max_transaction_size", vp.MaxTransactionSize).Msg("link peer dialed")
	return NewPeer(ws, conn, cfg, logger), nil
}
