package client

import (
	"net"
	"time"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/stream"
	"github.com/redotail/redotail/pkg/types"
	"github.com/rs/zerolog"
)

// Message is one change event received from the server.
type Message struct {
	Scn      types.Scn
	Position types.Position
	Payload  []byte
}

// Handler consumes received messages. Returning an error stops the client.
type Handler func(m Message) error

// Config connects a client.
type Config struct {
	Address  string
	Database string

	// StartScn positions a fresh server (no prior state); zero means "now".
	StartScn uint64
	// StartSeq optionally names the log sequence to begin with.
	StartSeq uint32

	// ConfirmInterval batches acknowledgments; every received message is
	// applied before it is confirmed.
	ConfirmInterval time.Duration
}

// Client speaks the stream protocol against a redotail server: INFO, then
// START or CONTINUE depending on the server's state, then a STREAM of
// change messages acknowledged with CONFIRM.
type Client struct {
	cfg    Config
	conn   net.Conn
	logger zerolog.Logger

	confirmed   types.Position
	haveApplied bool
	lastConfirm time.Time
}

// Connect dials the server and performs the handshake.
func Connect(cfg Config) (*Client, error) {
	if cfg.ConfirmInterval == 0 {
		cfg.ConfirmInterval = time.Second
	}
	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		return nil, ctx.NetworkError(70030, "dial "+cfg.Address+" failed", err)
	}
	c := &Client{cfg: cfg, conn: conn, logger: log.WithComponent("client")}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	if err := stream.WriteRequest(c.conn, stream.FrameInfo,
		&stream.Request{Database: c.cfg.Database}); err != nil {
		return err
	}

	frame, err := stream.ReadFrame(c.conn)
	if err != nil {
		return err
	}

	switch frame.Type {
	case stream.FrameReady:
		// Fresh server: position it.
		req := &stream.Request{Database: c.cfg.Database}
		if c.cfg.StartScn > 0 {
			scn := c.cfg.StartScn
			req.Scn = &scn
		}
		if c.cfg.StartSeq > 0 {
			seq := c.cfg.StartSeq
			req.Seq = &seq
		}
		return stream.WriteRequest(c.conn, stream.FrameStart, req)

	case stream.FrameReplicate:
		resp, err := stream.ParseResponse(frame)
		if err != nil {
			return err
		}
		c.confirmed = types.Position{Scn: types.Scn(resp.CScn), Idx: resp.CIdx}
		c.haveApplied = true
		c.logger.Info().
			Uint64("c_scn", resp.CScn).
			Uint64("c_idx", resp.CIdx).
			Msg("resuming from server state")
		return stream.WriteRequest(c.conn, stream.FrameContinue, &stream.Request{
			Database: c.cfg.Database,
			CScn:     resp.CScn,
			CIdx:     resp.CIdx,
		})

	default:
		return ctx.NetworkError(70031, "protocol violation: unexpected handshake response", nil)
	}
}

// Run receives messages until the connection drops or the handler errors.
// Messages at or below the already-confirmed position are deduplicated, the
// server re-sends them after a reconnect.
func (c *Client) Run(handle Handler) error {
	c.lastConfirm = time.Now()
	for {
		frame, err := stream.ReadFrame(c.conn)
		if err != nil {
			return err
		}
		if frame.Type != stream.FrameStream {
			continue
		}
		hdr, payload, err := stream.ParseStream(frame)
		if err != nil {
			return err
		}
		pos := types.Position{Scn: types.Scn(hdr.CScn), Idx: hdr.CIdx}

		if c.haveApplied && pos.LessEq(c.confirmed) {
			continue // duplicate after reconnect
		}

		if err := handle(Message{
			Scn:      types.Scn(hdr.Scn),
			Position: pos,
			Payload:  payload,
		}); err != nil {
			return err
		}
		c.confirmed = pos
		c.haveApplied = true

		if time.Since(c.lastConfirm) >= c.cfg.ConfirmInterval {
			if err := c.Confirm(); err != nil {
				return err
			}
		}
	}
}

// Confirm acknowledges everything applied so far.
func (c *Client) Confirm() error {
	if !c.haveApplied {
		return nil
	}
	c.lastConfirm = time.Now()
	return stream.WriteRequest(c.conn, stream.FrameConfirm, &stream.Request{
		Database: c.cfg.Database,
		CScn:     uint64(c.confirmed.Scn),
		CIdx:     c.confirmed.Idx,
	})
}

// Confirmed returns the highest applied position.
func (c *Client) Confirmed() (types.Position, bool) {
	return c.confirmed, c.haveApplied
}

// Close confirms outstanding work and drops the connection.
func (c *Client) Close() error {
	_ = c.Confirm()
	return c.conn.Close()
}
