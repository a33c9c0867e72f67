package reader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/types"
)

// redoFile is positional access to one log file.
type redoFile interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() (int64, error)
	Close() error
}

type fsFile struct {
	f *os.File
}

func openRedoFile(path string) (redoFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fsFile{f: f}, nil
}

func (r *fsFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.f.ReadAt(p, off)
	// A short read at the tail of a growing online log is expected.
	if n > 0 {
		return n, nil
	}
	return n, err
}

func (r *fsFile) Size() (int64, error) {
	st, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (r *fsFile) Close() error { return r.f.Close() }

// redoCopyFile mirrors validated blocks to disk, keyed by sequence.
type redoCopyFile struct {
	f    *os.File
	name string
}

func (c *redoCopyFile) open(dir, database string, seq types.Seq) error {
	name := filepath.Join(dir, fmt.Sprintf("%s_%s.arc", database, seq))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return ctx.RuntimeError(10006, "file: "+name+" - open for writing failed", err)
	}
	c.f = f
	c.name = name
	log.Info("writing redo log copy to: " + name)
	return nil
}

func (c *redoCopyFile) writeAt(p []byte, off int64) error {
	if c.f == nil {
		return nil
	}
	if _, err := c.f.WriteAt(p, off); err != nil {
		return ctx.RuntimeError(10007, "file: "+c.name+" - write failed", err)
	}
	return nil
}

func (c *redoCopyFile) close() {
	if c.f != nil {
		c.f.Close()
		c.f = nil
	}
}

// redoRead reads into p at off, mirroring the pread contract: the byte count
// actually read, zero at end of written data.
func (r *Reader) redoRead(p []byte, off uint64) (int, error) {
	n, err := r.file.ReadAt(p, int64(off))
	if err != nil && !isEOF(err) {
		return n, err
	}
	if n > 0 {
		metrics.BytesRead.Add(float64(n))
	}
	return n, nil
}

func isEOF(err error) bool {
	return err != nil && strings.Contains(err.Error(), "EOF")
}

// reloadHeaderRead re-reads the first two blocks and validates the file
// header: type byte, endian marker, block size against the format byte.
func (r *Reader) reloadHeaderRead() Code {
	if r.context.SoftShutdown() {
		return CodeError
	}

	toRead := uint32(PageSizeMax * 2)
	if r.blockSize > 0 {
		toRead = r.blockSize * 2
	}
	actual, err := r.redoRead(r.headerBuffer[:toRead], 0)
	if err != nil || actual < MinBlockSize {
		log.Error(40003, fmt.Sprintf("file: %s - header read failed: %v", r.fileName, err))
		return CodeErrorRead
	}

	hdr := r.headerBuffer
	if hdr[0] != 0 {
		log.Error(40003, fmt.Sprintf("file: %s - invalid header[0]: %d", r.fileName, hdr[0]))
		return CodeErrorBadData
	}

	if hdr[28] == 0x7A && hdr[29] == 0x7B && hdr[30] == 0x7C && hdr[31] == 0x7D {
		if !r.context.IsBigEndian() {
			r.context.SetBigEndian()
		}
	} else if hdr[28] != 0x7D || hdr[29] != 0x7C || hdr[30] != 0x7B || hdr[31] != 0x7A || r.context.IsBigEndian() {
		log.Error(40004, fmt.Sprintf("file: %s - invalid header[28-31]: %d, %d, %d, %d",
			r.fileName, hdr[28], hdr[29], hdr[30], hdr[31]))
		return CodeErrorBadData
	}

	r.blockSize = r.context.Read32(hdr[20:])
	ok := (r.blockSize == 512 && hdr[1] == 0x22) ||
		(r.blockSize == 1024 && hdr[1] == 0x22) ||
		(r.blockSize == 4096 && hdr[1] == 0x82)
	if !ok {
		log.Error(40005, fmt.Sprintf("file: %s - invalid block size: %d, header[1]: %d",
			r.fileName, r.blockSize, hdr[1]))
		r.blockSize = 0
		return CodeErrorBadData
	}

	if uint32(actual) < r.blockSize*2 {
		log.Error(40003, fmt.Sprintf("file: %s - short header read: %d", r.fileName, actual))
		return CodeErrorRead
	}

	if r.cfg.RedoCopyPath != "" {
		seqHeader := types.Seq(r.context.Read32(hdr[r.blockSize+8:]))
		if r.copySequence != seqHeader {
			r.copyFile.close()
		}
		if r.copyFile.f == nil {
			if err := r.copyFile.open(r.cfg.RedoCopyPath, r.cfg.Database, seqHeader); err != nil {
				log.Errorf(10006, "redo copy open failed", err)
				return CodeErrorWrite
			}
			r.copySequence = seqHeader
		}
		if err := r.copyFile.writeAt(hdr[:r.blockSize*2], 0); err != nil {
			log.Errorf(10007, "redo copy write failed", err)
			return CodeErrorWrite
		}
	}

	return CodeOK
}

// reloadHeader reloads and fully parses the log header, enforcing the
// compat-version gate and cross-checking against the values already seen.
func (r *Reader) reloadHeader() Code {
	if ret := r.reloadHeaderRead(); ret != CodeOK {
		return ret
	}

	hdr := r.headerBuffer
	lh := hdr[r.blockSize:] // log header, block 1

	compat := r.context.Read32(lh[20:])
	if compat == 0 {
		return CodeEmpty
	}
	supported := false
	for _, rg := range compatRanges {
		if compat >= rg[0] && compat <= rg[1] {
			supported = true
			break
		}
	}
	if !supported {
		log.Error(40006, fmt.Sprintf("file: %s - invalid database version: 0x%08x", r.fileName, compat))
		return CodeErrorBadData
	}

	h := Header{
		BlockSize:    r.blockSize,
		Sequence:     types.Seq(r.context.Read32(lh[8:])),
		DatabaseId:   r.context.Read32(lh[24:]),
		DatabaseName: asciiField(lh[28:36]),
		ControlSeq:   r.context.Read32(lh[36:]),
		FileNumber:   r.context.Read16(lh[48:]),
		Activation:   r.context.Read32(lh[52:]),
		Description:  asciiField(lh[92:156]),
		NumBlocks:    r.context.Read32(lh[156:]),
		Resetlogs:    r.context.Read32(lh[160:]),
		ResetlogsScn: r.context.ReadScn(lh[164:]),
		ThreadId:     r.context.Read16(lh[176:]),
		FirstScn:     r.context.ReadScn(lh[180:]),
		FirstTime:    types.Time(r.context.Read32(lh[188:])),
		NextScn:      r.context.ReadScn(lh[192:]),
		NextTime:     types.Time(r.context.Read32(lh[200:])),
		CompatVsn:    compat,
	}
	r.header = h

	if h.NumBlocks != 0 && h.NumBlocks != 0xFFFFFFFF &&
		r.fileSize > uint64(h.NumBlocks)*uint64(r.blockSize) && r.cfg.Group == 0 {
		r.fileSize = uint64(h.NumBlocks) * uint64(r.blockSize)
		log.Info(fmt.Sprintf("updating redo log size to: %d for: %s", r.fileSize, r.fileName))
	}

	if r.context.Version.Load() == 0 {
		r.context.Version.Store(compat)
		r.context.VersionStr.Store(versionString(compat))
		log.Info(fmt.Sprintf("found redo log version: %s, activation: %d, resetlogs: %d, page: %d, sequence: %s, SID: %s, endian: %s",
			versionString(compat), h.Activation, h.Resetlogs, r.blockSize, h.Sequence,
			h.DatabaseName, endianString(r.context.IsBigEndian())))
	} else if r.context.Version.Load() != compat {
		log.Error(40007, fmt.Sprintf("file: %s - invalid database version: 0x%08x, expected: 0x%08x",
			r.fileName, compat, r.context.Version.Load()))
		return CodeErrorBadData
	}

	// The log header block itself must validate; checksum failures are
	// retried, the writer may be mid-flush.
	ret := r.checkBlockHeader(lh[:r.blockSize], 1, false)
	for retries := 0; ret == CodeErrorCrc; retries++ {
		if retries == BadBlockMaxRetries {
			return CodeErrorBadData
		}
		r.sleepUs(r.cfg.ReadSleepUs)
		if _, err := r.redoRead(hdr[:r.blockSize*2], 0); err != nil {
			return CodeErrorRead
		}
		ret = r.checkBlockHeader(lh[:r.blockSize], 1, false)
	}
	if ret != CodeOK {
		return ret
	}

	if r.firstScn.IsNone() || r.status == StatusUpdate {
		r.firstScn = h.FirstScn
		r.nextScn = h.NextScn
	} else if h.FirstScn != r.firstScn {
		log.Error(40008, fmt.Sprintf("file: %s - invalid first scn value: %s, expected: %s",
			r.fileName, h.FirstScn, r.firstScn))
		return CodeErrorBadData
	}

	if r.nextScn.IsNone() && !h.NextScn.IsNone() {
		r.nextScn = h.NextScn
	} else if !r.nextScn.IsNone() && !h.NextScn.IsNone() && r.nextScn != h.NextScn {
		log.Error(40009, fmt.Sprintf("file: %s - invalid next scn value: %s, expected: %s",
			r.fileName, h.NextScn, r.nextScn))
		return CodeErrorBadData
	}

	return CodeOK
}

func asciiField(b []byte) string {
	end := len(b)
	for i, c := range b {
		if c == 0 {
			end = i
			break
		}
	}
	return strings.TrimRight(string(b[:end]), " ")
}

func versionString(compat uint32) string {
	if compat < 0x12000000 {
		return fmt.Sprintf("%d.%d.%d.%d", compat>>24, (compat>>20)&0xF, (compat>>16)&0xF, (compat>>8)&0xFF)
	}
	return fmt.Sprintf("%d.%d.%d", compat>>24, (compat>>16)&0xFF, (compat>>8)&0xFF)
}

func endianString(big bool) string {
	if big {
		return "BIG"
	}
	return "LITTLE"
}
