package reader

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/types"
	"github.com/rs/zerolog"
)

// Code is the outcome of a read step, inspected by the parser and replicator.
type Code int

const (
	CodeOK Code = iota
	CodeOverwritten
	CodeFinished
	CodeStopped
	CodeShutdown
	CodeEmpty
	CodeErrorRead
	CodeErrorWrite
	CodeErrorSequence
	CodeErrorCrc
	CodeErrorBlock
	CodeErrorBadData
	CodeError
)

var codeNames = map[Code]string{
	CodeOK: "OK", CodeOverwritten: "OVERWRITTEN", CodeFinished: "FINISHED",
	CodeStopped: "STOPPED", CodeShutdown: "SHUTDOWN", CodeEmpty: "EMPTY",
	CodeErrorRead: "READ ERROR", CodeErrorWrite: "WRITE ERROR",
	CodeErrorSequence: "SEQUENCE ERROR", CodeErrorCrc: "CRC ERROR",
	CodeErrorBlock: "BLOCK ERROR", CodeErrorBadData: "BAD DATA ERROR",
	CodeError: "OTHER ERROR",
}

func (c Code) String() string { return codeNames[c] }

// Status is the reader state machine, driven by the replicator.
type Status int

const (
	StatusSleeping Status = iota
	StatusCheck
	StatusUpdate
	StatusRead
)

// Block geometry.
const (
	BlockHeaderSize = 16
	PageSizeMax     = 4096
	MinBlockSize    = 512
)

// BadBlockMaxRetries bounds checksum retries before giving up on a block.
const BadBlockMaxRetries = 20

// compatRanges are the supported database compat versions.
var compatRanges = [][2]uint32{
	{0x0B200000, 0x0B200400},
	{0x0C100000, 0x0C100200},
	{0x0C200000, 0x0C200100},
	{0x12000000, 0x120E0000},
	{0x13000000, 0x13120000},
	{0x15000000, 0x15080000},
	{0x17000000, 0x17030000},
}

// Header is the parsed log header (block 1), plus the file facts from
// block 0 needed to interpret it.
type Header struct {
	BlockSize    uint32
	Sequence     types.Seq
	DatabaseId   uint32
	DatabaseName string
	ControlSeq   uint32
	FileNumber   uint16
	Activation   uint32
	Description  string
	NumBlocks    uint32
	Resetlogs    uint32
	ResetlogsScn types.Scn
	ThreadId     uint16
	FirstScn     types.Scn
	FirstTime    types.Time
	NextScn      types.Scn
	NextTime     types.Time
	CompatVsn    uint32
}

// Config creates a Reader.
type Config struct {
	Database      string
	Group         int // 0 = archived/batch file, >0 = online log group
	BlockChecksum bool
	RedoCopyPath  string
	ReadSleepUs   uint64
	VerifyDelayUs uint64
	BufferChunks  uint64 // ring capacity in chunks
}

// Reader streams one redo log file into a ring of memory chunks, validating
// every block header before publishing it to the parser.
type Reader struct {
	context *ctx.Ctx
	mem     *memory.Manager
	cfg     Config
	logger  zerolog.Logger

	mtx                sync.Mutex
	condBufferFull     *sync.Cond
	condReaderSleeping *sync.Cond
	condParserSleeping *sync.Cond
	status             Status
	ret                Code
	stopped            bool

	fileName string
	file     redoFile
	fileSize uint64

	headerBuffer []byte
	header       Header
	sequence     types.Seq
	firstScn     types.Scn
	nextScn      types.Scn

	blockSize uint32

	// Ring buffer cursors; start and end are shared with the parser.
	bufferStart   atomic.Uint64
	bufferEnd     atomic.Uint64
	bufferScan    uint64
	bufferSizeMax uint64

	redoBuffers [][]byte

	lastRead      uint32
	lastReadTime  int64
	readTime      int64
	loopTime      int64
	reachedZero   bool
	readBlocks    bool
	hintDisplayed bool

	copyFile     redoCopyFile
	copySequence types.Seq
}

// New creates a reader. The ring is allocated lazily from the reader module.
func New(c *ctx.Ctx, mem *memory.Manager, cfg Config) *Reader {
	r := &Reader{
		context:       c,
		mem:           mem,
		cfg:           cfg,
		logger:        log.WithComponent("reader"),
		headerBuffer:  make([]byte, PageSizeMax*2),
		redoBuffers:   make([][]byte, cfg.BufferChunks),
		bufferSizeMax: cfg.BufferChunks * memory.ChunkSize,
		sequence:      0,
		firstScn:      types.ScnNone,
		nextScn:       types.ScnNone,
	}
	r.condBufferFull = sync.NewCond(&r.mtx)
	r.condReaderSleeping = sync.NewCond(&r.mtx)
	r.condParserSleeping = sync.NewCond(&r.mtx)
	c.RegisterCond(r.condBufferFull)
	c.RegisterCond(r.condReaderSleeping)
	c.RegisterCond(r.condParserSleeping)
	return r
}

// Header returns the last parsed log header.
func (r *Reader) Header() Header { return r.header }

// Sequence returns the sequence the reader is positioned on.
func (r *Reader) Sequence() types.Seq { return r.sequence }

// SetSequence primes the expected sequence before opening a file.
func (r *Reader) SetSequence(seq types.Seq) { r.sequence = seq }

// BlockSize returns the block size of the open file, zero before Check.
func (r *Reader) BlockSize() uint32 { return r.blockSize }

// FileName returns the path of the file being read.
func (r *Reader) FileName() string { return r.fileName }

// NextScn returns the file's next SCN, ScnNone while the log is open-ended.
func (r *Reader) NextScn() types.Scn { return r.nextScn }

// FirstScn returns the file's first SCN.
func (r *Reader) FirstScn() types.Scn { return r.firstScn }

// BufferStart returns the parser cursor.
func (r *Reader) BufferStart() uint64 { return r.bufferStart.Load() }

// BufferEnd returns the published end of validated data.
func (r *Reader) BufferEnd() uint64 { return r.bufferEnd.Load() }

// checkBlockHeader validates one block in place: type and format byte,
// stored block number, stored sequence and the XOR checksum.
func (r *Reader) checkBlockHeader(buf []byte, blockNumber uint32, showHint bool) Code {
	if buf[0] == 0 && buf[1] == 0 {
		return CodeEmpty
	}

	if (r.blockSize == 512 && buf[1] != 0x22) ||
		(r.blockSize == 1024 && buf[1] != 0x22) ||
		(r.blockSize == 4096 && buf[1] != 0x82) {
		log.Error(40001, fmt.Sprintf("file: %s - block: %d - invalid block size: %d, header[1]: %d",
			r.fileName, blockNumber, r.blockSize, buf[1]))
		return CodeErrorBadData
	}

	blockNumberHeader := r.context.Read32(buf[4:])
	sequenceHeader := types.Seq(r.context.Read32(buf[8:]))

	if r.sequence == 0 || r.status == StatusUpdate {
		r.sequence = sequenceHeader
	} else if r.cfg.Group == 0 {
		if r.sequence != sequenceHeader {
			log.Warn(60024, fmt.Sprintf("file: %s - invalid header sequence, found: %s, expected: %s",
				r.fileName, sequenceHeader, r.sequence))
			return CodeErrorSequence
		}
	} else {
		if r.sequence > sequenceHeader {
			return CodeEmpty
		}
		if r.sequence < sequenceHeader {
			return CodeOverwritten
		}
	}

	if blockNumberHeader != blockNumber {
		log.Error(40002, fmt.Sprintf("file: %s - invalid header block number: %d, expected: %d",
			r.fileName, blockNumberHeader, blockNumber))
		return CodeErrorBlock
	}

	if !r.context.IsDisabled(ctx.ChecksBlockSum) {
		stored := r.context.Read16(buf[14:])
		calculated := CalcChecksum(buf[:r.blockSize])
		if stored != calculated {
			if showHint {
				log.Warn(60025, fmt.Sprintf("file: %s - block: %d - invalid header checksum, expected: %d, calculated: %d",
					r.fileName, blockNumber, stored, calculated))
				if !r.hintDisplayed {
					if !r.cfg.BlockChecksum {
						log.Hint("set block checksumming on the database or mask the check with disable-checks for the reader")
					}
					r.hintDisplayed = true
				}
			}
			metrics.BlockCrcErrors.Inc()
			return CodeErrorCrc
		}
	}

	metrics.BlocksValidated.Inc()
	return CodeOK
}

// CalcChecksum computes the block XOR checksum: all 64-bit words XORed
// (with the stored checksum contributing as written), folded to 16 bits and
// XORed with the stored value again. A valid block yields the stored sum.
func CalcChecksum(block []byte) uint16 {
	stored := ctx.Read16Little(block[14:])
	var sum uint64
	for i := 0; i+8 <= len(block); i += 8 {
		sum ^= ctx.Read64Little(block[i:])
	}
	sum ^= sum >> 32
	sum ^= sum >> 16
	sum ^= uint64(stored)
	return uint16(sum & 0xFFFF)
}
