package writer

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/redotail/redotail/pkg/builder"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/stream"
	"github.com/redotail/redotail/pkg/types"
)

// NetworkTransport serves the wire protocol on a TCP listener. One client at
// a time; a new connection replaces a dead one.
type NetworkTransport struct {
	context  *ctx.Ctx
	database string
	listener net.Listener

	mtx       sync.Mutex
	conn      net.Conn
	sessionId string
	confirmed types.Position
	haveAck   bool
}

// NewNetworkTransport starts listening on bind.
func NewNetworkTransport(c *ctx.Ctx, database, bind string) (*NetworkTransport, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, ctx.BootError(70010, "listen on "+bind+" failed: "+err.Error())
	}
	log.Info("writer listening on " + bind)
	return &NetworkTransport{context: c, database: database, listener: ln}, nil
}

// Addr returns the bound listener address.
func (n *NetworkTransport) Addr() string {
	return n.listener.Addr().String()
}

// Await accepts a connection and performs the handshake: INFO, then READY or
// REPLICATE, then the client's START or CONTINUE.
func (n *NetworkTransport) Await(haveState bool, state types.Checkpoint) (*stream.Request, error) {
	conn, err := n.listener.Accept()
	if err != nil {
		return nil, ctx.NetworkError(70011, "accept failed", err)
	}

	frame, err := stream.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if frame.Type != stream.FrameInfo {
		conn.Close()
		return nil, ctx.NetworkError(70012, "protocol violation: expected INFO", nil)
	}
	info, err := stream.ParseRequest(frame)
	if err != nil || info.Database != n.database {
		conn.Close()
		return nil, ctx.NetworkError(70013, "client requested unknown database", err)
	}

	resp := &stream.Response{Database: n.database}
	respType := stream.FrameReady
	if haveState {
		respType = stream.FrameReplicate
		resp.CScn = uint64(state.Scn)
		resp.CIdx = state.Idx
	}
	if err := stream.WriteResponse(conn, respType, resp); err != nil {
		conn.Close()
		return nil, err
	}

	frame, err = stream.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	wantType := stream.FrameStart
	if haveState {
		wantType = stream.FrameContinue
	}
	if frame.Type != wantType {
		conn.Close()
		return nil, ctx.NetworkError(70012, "protocol violation: unexpected position frame", nil)
	}
	req, err := stream.ParseRequest(frame)
	if err != nil {
		conn.Close()
		return nil, err
	}

	n.mtx.Lock()
	if n.conn != nil {
		n.conn.Close()
	}
	n.conn = conn
	n.sessionId = uuid.NewString()
	n.haveAck = false
	n.mtx.Unlock()

	log.Info("client connected, session: " + n.sessionId)
	go n.readConfirms(conn)
	return req, nil
}

// readConfirms drains CONFIRM frames from the client until the connection
// dies, folding them into the latest acknowledged position.
func (n *NetworkTransport) readConfirms(conn net.Conn) {
	for {
		frame, err := stream.ReadFrame(conn)
		if err != nil {
			return
		}
		if frame.Type != stream.FrameConfirm {
			continue
		}
		req, err := stream.ParseRequest(frame)
		if err != nil {
			continue
		}
		pos := types.Position{Scn: types.Scn(req.CScn), Idx: req.CIdx}

		n.mtx.Lock()
		if conn == n.conn {
			if !n.haveAck || n.confirmed.LessEq(pos) {
				n.confirmed = pos
				n.haveAck = true
			}
		}
		n.mtx.Unlock()
	}
}

// Send ships one message inside a stream frame.
func (n *NetworkTransport) Send(m *builder.Msg) error {
	n.mtx.Lock()
	conn := n.conn
	n.mtx.Unlock()
	if conn == nil {
		return ctx.NetworkError(70014, "no client connected", nil)
	}

	hdr := &stream.StreamHeader{
		Scn:  uint64(m.Scn),
		CScn: uint64(m.LwnScn),
		CIdx: m.LwnIdx,
	}
	if err := stream.WriteStream(conn, hdr, m.Data); err != nil {
		n.mtx.Lock()
		if conn == n.conn {
			n.conn.Close()
			n.conn = nil
		}
		n.mtx.Unlock()
		return err
	}
	return nil
}

// Confirmed returns the latest client acknowledgment.
func (n *NetworkTransport) Confirmed() (types.Position, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.confirmed, n.haveAck
}

// Close tears the listener and any connection down.
func (n *NetworkTransport) Close() error {
	n.mtx.Lock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	n.mtx.Unlock()
	return n.listener.Close()
}
