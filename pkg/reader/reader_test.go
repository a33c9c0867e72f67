package reader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/types"
)

const testBlockSize = 512

// logFile builds a synthetic redo log: block 0 file header, block 1 log
// header, then content blocks with valid headers and checksums.
type logFile struct {
	blockSize uint32
	sequence  types.Seq
	firstScn  types.Scn
	nextScn   types.Scn
	numBlocks uint32
	blocks    [][]byte
}

func newLogFile(seq types.Seq, contentBlocks int) *logFile {
	lf := &logFile{
		blockSize: testBlockSize,
		sequence:  seq,
		firstScn:  100,
		nextScn:   types.ScnNone,
		numBlocks: uint32(2 + contentBlocks),
	}
	for i := 0; i < contentBlocks; i++ {
		lf.blocks = append(lf.blocks, make([]byte, testBlockSize))
	}
	return lf
}

func put32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func sealBlock(b []byte, blockNumber uint32, seq types.Seq) {
	b[0] = 0x01
	b[1] = 0x22
	put32(b, 4, blockNumber)
	put32(b, 8, uint32(seq))
	b[14], b[15] = 0, 0
	sum := CalcChecksum(b)
	b[14] = byte(sum)
	b[15] = byte(sum >> 8)
}

func (lf *logFile) bytes() []byte {
	fileHeader := make([]byte, lf.blockSize)
	fileHeader[0] = 0x00
	fileHeader[1] = 0x22
	fileHeader[28], fileHeader[29], fileHeader[30], fileHeader[31] = 0x7D, 0x7C, 0x7B, 0x7A
	put32(fileHeader, 20, lf.blockSize)

	logHeader := make([]byte, lf.blockSize)
	logHeader[0] = 0x01
	logHeader[1] = 0x22
	put32(logHeader, 4, 1)
	put32(logHeader, 8, uint32(lf.sequence))
	put32(logHeader, 20, 0x13120000) // 19.18
	copy(logHeader[28:], "ORCL")
	put32(logHeader, 156, lf.numBlocks)
	put32(logHeader, 160, 3) // resetlogs
	ctx.WriteScnLittle(logHeader[180:], lf.firstScn)
	ctx.WriteScnLittle(logHeader[192:], lf.nextScn)
	logHeader[14], logHeader[15] = 0, 0
	sum := CalcChecksum(logHeader)
	logHeader[14] = byte(sum)
	logHeader[15] = byte(sum >> 8)

	out := append([]byte{}, fileHeader...)
	out = append(out, logHeader...)
	for i, blk := range lf.blocks {
		sealBlock(blk, uint32(2+i), lf.sequence)
		out = append(out, blk...)
	}
	return out
}

func (lf *logFile) write(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, lf.bytes(), 0o600))
	return path
}

func testReader(t *testing.T, group int) (*Reader, *ctx.Ctx) {
	t.Helper()
	c := ctx.New()
	mem := memory.NewManager(c, memory.Config{
		MinChunks:      2,
		MaxChunks:      8,
		ReadBufferMin:  1,
		ReadBufferMax:  4,
		WriteBufferMin: 1,
		WriteBufferMax: 4,
		SwapPath:       t.TempDir(),
	})
	r := New(c, mem, Config{
		Database:     "ORCL",
		Group:        group,
		ReadSleepUs:  1000,
		BufferChunks: 4,
	})
	return r, c
}

func TestCalcChecksumZeroedField(t *testing.T) {
	blk := make([]byte, testBlockSize)
	for i := range blk {
		blk[i] = byte(i * 7)
	}
	blk[14], blk[15] = 0, 0
	sum := CalcChecksum(blk)
	blk[14] = byte(sum)
	blk[15] = byte(sum >> 8)

	// With the correct stored checksum the recomputation returns it.
	assert.Equal(t, sum, CalcChecksum(blk))

	// Flipping any bit breaks the match.
	blk[100] ^= 0x01
	assert.NotEqual(t, sum, CalcChecksum(blk))
}

func TestHeaderParse(t *testing.T) {
	lf := newLogFile(42, 2)
	lf.nextScn = 250
	path := lf.write(t, t.TempDir(), "log_42.arc")

	r, _ := testReader(t, 0)
	r.fileName = path
	require.Equal(t, CodeOK, r.redoOpen())
	defer r.redoClose()

	require.Equal(t, CodeOK, r.reloadHeader())
	h := r.Header()
	assert.Equal(t, uint32(testBlockSize), h.BlockSize)
	assert.Equal(t, types.Seq(42), h.Sequence)
	assert.Equal(t, "ORCL", h.DatabaseName)
	assert.Equal(t, uint32(3), h.Resetlogs)
	assert.Equal(t, types.Scn(100), h.FirstScn)
	assert.Equal(t, types.Scn(250), h.NextScn)
	assert.Equal(t, uint32(0x13120000), h.CompatVsn)
}

func TestBadCompatVersionRejected(t *testing.T) {
	lf := newLogFile(1, 1)
	data := lf.bytes()
	put32(data[testBlockSize:], 20, 0x01020304)
	path := filepath.Join(t.TempDir(), "bad.arc")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	r, _ := testReader(t, 0)
	r.fileName = path
	require.Equal(t, CodeOK, r.redoOpen())
	defer r.redoClose()
	assert.Equal(t, CodeErrorBadData, r.reloadHeader())
}

func driveReader(t *testing.T, r *Reader, path string) Code {
	t.Helper()
	go r.Run()

	require.Equal(t, CodeOK, r.Check(path))
	require.Equal(t, CodeOK, r.Update())
	r.StartReading()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if r.Sleeping() {
			return r.Result()
		}
		if time.Now().After(deadline) {
			t.Fatal("reader did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReadArchivedFile(t *testing.T) {
	lf := newLogFile(42, 3)
	lf.nextScn = 250
	path := lf.write(t, t.TempDir(), "log_42.arc")

	r, c := testReader(t, 0)
	r.SetSequence(42)
	defer c.StopHard()

	ret := driveReader(t, r, path)
	assert.Equal(t, CodeFinished, ret)
	assert.Equal(t, uint64(5*testBlockSize), r.BufferEnd())
	assert.Equal(t, types.Scn(250), r.NextScn())

	// The parser can fetch any published block.
	blk := r.BlockAt(2 * testBlockSize)
	assert.Equal(t, byte(0x01), blk[0])
}

func TestOnlineOverwriteDetected(t *testing.T) {
	// The online group holds sequence 44 but we expect 42: wrapped.
	lf := newLogFile(44, 2)
	lf.nextScn = 250
	path := lf.write(t, t.TempDir(), "group_1.log")

	r, c := testReader(t, 1)
	defer c.StopHard()
	go r.Run()

	require.Equal(t, CodeOK, r.Check(path))
	require.Equal(t, CodeOK, r.Update())
	// Update adopted the header sequence; force the expectation back.
	r.SetSequence(42)
	r.StartReading()

	deadline := time.Now().Add(5 * time.Second)
	for !r.Sleeping() {
		require.False(t, time.Now().After(deadline), "reader did not finish")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, CodeOverwritten, r.Result())
}

func TestArchiveSequenceMismatchFinishes(t *testing.T) {
	// Archived file carrying the wrong sequence: its content blocks fail
	// the sequence check, so the first scan publishes nothing and finishes
	// the file.
	lf := newLogFile(43, 2)
	lf.nextScn = 250
	path := lf.write(t, t.TempDir(), "log_43.arc")

	r, c := testReader(t, 0)
	defer c.StopHard()
	go r.Run()

	require.Equal(t, CodeOK, r.Check(path))
	require.Equal(t, CodeOK, r.Update())
	r.SetSequence(42)
	r.StartReading()

	deadline := time.Now().Add(5 * time.Second)
	for !r.Sleeping() {
		require.False(t, time.Now().After(deadline), "reader did not finish")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, CodeFinished, r.Result())
}

func TestWaitForDataAndConfirm(t *testing.T) {
	lf := newLogFile(42, 4)
	lf.nextScn = 300
	path := lf.write(t, t.TempDir(), "log_42.arc")

	r, c := testReader(t, 0)
	r.SetSequence(42)
	defer c.StopHard()

	ret := driveReader(t, r, path)
	require.Equal(t, CodeFinished, ret)

	start := uint64(2 * testBlockSize)
	end, code, ok := r.WaitForData(start)
	if ok {
		assert.Greater(t, end, start)
	} else {
		assert.Equal(t, CodeFinished, code)
		assert.Equal(t, uint64(6*testBlockSize), end)
	}

	r.Confirm(end)
	assert.Equal(t, end, r.BufferStart())
}
