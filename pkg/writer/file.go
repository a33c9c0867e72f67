package writer

import (
	"bufio"
	"os"
	"sync"

	"github.com/redotail/redotail/pkg/builder"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/stream"
	"github.com/redotail/redotail/pkg/types"
)

// FileTransport appends each message payload as one line to a file (or
// stdout when the path is empty or "-"). There is no remote client, so
// every written message counts as acknowledged at its own watermark.
type FileTransport struct {
	mtx       sync.Mutex
	f         *os.File
	w         *bufio.Writer
	owned     bool
	confirmed types.Position
	haveAck   bool
}

// NewFileTransport opens the output file for appending.
func NewFileTransport(path string) (*FileTransport, error) {
	if path == "" || path == "-" {
		return &FileTransport{f: os.Stdout, w: bufio.NewWriter(os.Stdout)}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, ctx.BootError(70020, "output file "+path+": "+err.Error())
	}
	return &FileTransport{f: f, w: bufio.NewWriter(f), owned: true}, nil
}

// Await is immediate: the file is always "connected".
func (t *FileTransport) Await(bool, types.Checkpoint) (*stream.Request, error) {
	return nil, nil
}

func (t *FileTransport) Send(m *builder.Msg) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, err := t.w.Write(m.Data); err != nil {
		return ctx.RuntimeError(70021, "output write failed", err)
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return ctx.RuntimeError(70021, "output write failed", err)
	}

	if m.LwnScn != types.ScnNone {
		pos := types.Position{Scn: m.LwnScn, Idx: m.LwnIdx}
		if !t.haveAck || t.confirmed.LessEq(pos) {
			t.confirmed = pos
			t.haveAck = true
		}
	}
	return nil
}

func (t *FileTransport) Confirmed() (types.Position, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.confirmed, t.haveAck
}

func (t *FileTransport) Close() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if err := t.w.Flush(); err != nil {
		return err
	}
	if t.owned {
		return t.f.Close()
	}
	return nil
}
