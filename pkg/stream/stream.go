package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/redotail/redotail/pkg/ctx"
)

// Frame types on the wire. Every frame is a 4-byte little-endian length, a
// 1-byte type, then the body: JSON for control frames, raw message payloads
// for stream frames.
const (
	FrameInfo     byte = 0x01
	FrameStart    byte = 0x02
	FrameContinue byte = 0x03
	FrameConfirm  byte = 0x04

	FrameReady     byte = 0x11
	FrameReplicate byte = 0x12
	FrameStream    byte = 0x13
)

// MaxFrameSize bounds a single frame; larger is a protocol violation.
const MaxFrameSize = 64 * 1024 * 1024

// Request is a client control frame body.
type Request struct {
	Database string  `json:"database"`
	Scn      *uint64 `json:"scn,omitempty"`
	Tms      string  `json:"tms,omitempty"`
	TmRel    uint64  `json:"tm_rel,omitempty"`
	Seq      *uint32 `json:"seq,omitempty"`
	CScn     uint64  `json:"c_scn,omitempty"`
	CIdx     uint64  `json:"c_idx,omitempty"`
}

// Response is a server control frame body.
type Response struct {
	Database string `json:"database"`
	CScn     uint64 `json:"c_scn,omitempty"`
	CIdx     uint64 `json:"c_idx,omitempty"`
}

// StreamHeader precedes the payload inside a stream frame.
type StreamHeader struct {
	Scn  uint64 `json:"scn"`
	CScn uint64 `json:"c_scn"`
	CIdx uint64 `json:"c_idx"`
}

// Frame is one decoded wire frame.
type Frame struct {
	Type byte
	Body []byte
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, frameType byte, body []byte) error {
	if len(body) > MaxFrameSize {
		return ctx.NetworkError(70001, fmt.Sprintf("frame too large: %d", len(body)), nil)
	}
	hdr := [5]byte{
		byte(len(body)), byte(len(body) >> 8), byte(len(body) >> 16), byte(len(body) >> 24),
		frameType,
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return ctx.NetworkError(70002, "frame header write failed", err)
	}
	if _, err := w.Write(body); err != nil {
		return ctx.NetworkError(70002, "frame body write failed", err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, ctx.NetworkError(70003, "frame header read failed", err)
	}
	length := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
	if length > MaxFrameSize {
		return Frame{}, ctx.NetworkError(70004, fmt.Sprintf("frame too large: %d", length), nil)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, ctx.NetworkError(70003, "frame body read failed", err)
	}
	return Frame{Type: hdr[4], Body: body}, nil
}

// WriteRequest marshals and writes a control request.
func WriteRequest(w io.Writer, frameType byte, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, frameType, body)
}

// WriteResponse marshals and writes a control response.
func WriteResponse(w io.Writer, frameType byte, resp *Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, frameType, body)
}

// ParseRequest decodes a control frame body.
func ParseRequest(f Frame) (*Request, error) {
	var req Request
	if err := json.Unmarshal(f.Body, &req); err != nil {
		return nil, ctx.NetworkError(70005, "malformed request", err)
	}
	return &req, nil
}

// ParseResponse decodes a server control frame body.
func ParseResponse(f Frame) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(f.Body, &resp); err != nil {
		return nil, ctx.NetworkError(70005, "malformed response", err)
	}
	return &resp, nil
}

// WriteStream writes one stream frame: the JSON header, a zero byte, then
// the raw payload.
func WriteStream(w io.Writer, hdr *StreamHeader, payload []byte) error {
	head, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	body := make([]byte, 0, len(head)+1+len(payload))
	body = append(body, head...)
	body = append(body, 0)
	body = append(body, payload...)
	return WriteFrame(w, FrameStream, body)
}

// ParseStream splits a stream frame into its header and payload.
func ParseStream(f Frame) (*StreamHeader, []byte, error) {
	for i, c := range f.Body {
		if c == 0 {
			var hdr StreamHeader
			if err := json.Unmarshal(f.Body[:i], &hdr); err != nil {
				return nil, nil, ctx.NetworkError(70005, "malformed stream header", err)
			}
			return &hdr, f.Body[i+1:], nil
		}
	}
	return nil, nil, ctx.NetworkError(70005, "stream frame without header separator", nil)
}
