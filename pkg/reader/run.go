package reader

import (
	"fmt"
	"time"

	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/memory"
)

// Replicator-facing control. The replicator owns the state machine: it asks
// the reader to check a file, re-read its header, or stream it, and waits for
// the reader to fall back to sleep with a result code.

// Check asks the reader to open and validate fileName, then waits for the
// result. The expected sequence must be primed with SetSequence first.
func (r *Reader) Check(fileName string) Code {
	r.mtx.Lock()
	r.fileName = fileName
	r.status = StatusCheck
	r.condReaderSleeping.Broadcast()
	for r.status != StatusSleeping && !r.context.SoftShutdown() {
		r.condParserSleeping.Wait()
	}
	ret := r.ret
	r.mtx.Unlock()
	return ret
}

// Update asks the reader to re-read the header of the open file (an online
// log may have gained next_scn), resetting the ring cursors past the two
// header blocks. Waits for the result.
func (r *Reader) Update() Code {
	r.mtx.Lock()
	r.status = StatusUpdate
	r.condReaderSleeping.Broadcast()
	for r.status != StatusSleeping && !r.context.SoftShutdown() {
		r.condParserSleeping.Wait()
	}
	ret := r.ret
	r.mtx.Unlock()
	return ret
}

// StartReading moves the reader into the Read state without waiting.
func (r *Reader) StartReading() {
	r.mtx.Lock()
	r.status = StatusRead
	r.condReaderSleeping.Broadcast()
	r.mtx.Unlock()
}

// SetStartOffset positions the ring cursors at a byte offset inside the
// file, used to resume mid-file after an online-to-archive fallback. Must be
// called between Update and StartReading.
func (r *Reader) SetStartOffset(off uint64) {
	if off < uint64(r.blockSize)*2 || off%uint64(r.blockSize) != 0 {
		return
	}
	r.bufferStart.Store(off)
	r.bufferEnd.Store(off)
}

// Result returns the last result code; meaningful when the reader is asleep.
func (r *Reader) Result() Code {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.ret
}

// Sleeping reports whether the reader finished its current command.
func (r *Reader) Sleeping() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.status == StatusSleeping
}

// WaitForData blocks the parser until validated data extends past from, the
// reader fell asleep with a result, or shutdown. Returns the published end.
func (r *Reader) WaitForData(from uint64) (uint64, Code, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for {
		end := r.bufferEnd.Load()
		if end > from {
			return end, CodeOK, true
		}
		if r.status == StatusSleeping {
			return end, r.ret, false
		}
		if r.context.SoftShutdown() {
			return end, CodeShutdown, false
		}
		r.condParserSleeping.Wait()
	}
}

// Confirm advances the parser cursor, freeing ring chunks the cursor passed
// and waking the reader if it was blocked on a full ring.
func (r *Reader) Confirm(newStart uint64) {
	start := r.bufferStart.Load()
	if newStart <= start {
		return
	}

	firstChunk := start / memory.ChunkSize
	lastChunk := newStart / memory.ChunkSize
	for num := firstChunk; num < lastChunk; num++ {
		r.bufferFree(num % r.cfg.BufferChunks)
	}

	r.mtx.Lock()
	r.bufferStart.Store(newStart)
	r.condBufferFull.Broadcast()
	r.mtx.Unlock()
}

// Stop retires the reader after its file is consumed; Run returns once the
// current command finishes.
func (r *Reader) Stop() {
	r.mtx.Lock()
	r.stopped = true
	r.condReaderSleeping.Broadcast()
	r.condBufferFull.Broadcast()
	r.mtx.Unlock()
}

func (r *Reader) retired() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.stopped
}

// Run is the reader goroutine. It parks in Sleeping until the replicator
// issues a command, streams in Read until the file ends or fails, then goes
// back to sleep publishing the result code.
func (r *Reader) Run() {
	r.logger.Debug().Msg("reader starting")
	defer r.logger.Debug().Msg("reader stopped")

	for !r.context.SoftShutdown() && !r.retired() {
		r.mtx.Lock()
		r.condParserSleeping.Broadcast()
		if r.status == StatusSleeping && !r.context.SoftShutdown() && !r.stopped {
			r.condReaderSleeping.Wait()
		}
		status := r.status
		r.mtx.Unlock()

		if r.context.SoftShutdown() || r.retired() {
			break
		}

		switch status {
		case StatusCheck:
			r.redoClose()
			ret := r.redoOpen()
			r.finishCommand(ret)

		case StatusUpdate:
			r.copyFile.close()
			ret := r.reloadHeader()
			if ret == CodeOK {
				r.bufferStart.Store(uint64(r.blockSize) * 2)
				r.bufferEnd.Store(uint64(r.blockSize) * 2)
			}
			r.freeAllBuffers()
			r.finishCommand(ret)

		case StatusRead:
			r.readLoop()
			r.finishCommand(r.ret)
		}
	}

	r.redoClose()
	r.freeAllBuffers()
	r.copyFile.close()
}

func (r *Reader) finishCommand(ret Code) {
	r.mtx.Lock()
	r.ret = ret
	r.status = StatusSleeping
	r.condParserSleeping.Broadcast()
	r.mtx.Unlock()
}

func (r *Reader) redoOpen() Code {
	f, err := openRedoFile(r.fileName)
	if err != nil {
		log.Warn(10001, fmt.Sprintf("file: %s - open failed: %v", r.fileName, err))
		return CodeErrorRead
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return CodeErrorRead
	}
	r.file = f
	r.fileSize = uint64(size)
	return CodeOK
}

func (r *Reader) redoClose() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *Reader) bufferAllocate(num uint64) bool {
	if r.redoBuffers[num] != nil {
		return true
	}
	chunk, err := r.mem.GetChunk(memory.ModuleReader, false)
	if err != nil || chunk == nil {
		return false
	}
	r.redoBuffers[num] = chunk
	return true
}

func (r *Reader) bufferFree(num uint64) {
	if r.redoBuffers[num] == nil {
		return
	}
	_ = r.mem.FreeChunk(memory.ModuleReader, r.redoBuffers[num])
	r.redoBuffers[num] = nil
}

func (r *Reader) freeAllBuffers() {
	for num := range r.redoBuffers {
		r.bufferFree(uint64(num))
	}
}

// BlockAt returns the validated block at byte position pos of the file.
// Only positions in [bufferStart, bufferEnd) are valid.
func (r *Reader) BlockAt(pos uint64) []byte {
	chunkNum := (pos / memory.ChunkSize) % r.cfg.BufferChunks
	chunkPos := pos % memory.ChunkSize
	return r.redoBuffers[chunkNum][chunkPos : chunkPos+uint64(r.blockSize)]
}

func (r *Reader) sleepUs(us uint64) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

// readSize doubles the read window up to one chunk.
func (r *Reader) readSize(prevRead uint32) uint32 {
	if prevRead < r.blockSize {
		return r.blockSize
	}
	next := uint64(prevRead) * 2
	if next > memory.ChunkSize {
		next = memory.ChunkSize
	}
	return uint32(next)
}

func (r *Reader) bufferIsFree() bool {
	return r.bufferScan/memory.ChunkSize-r.bufferStart.Load()/memory.ChunkSize < r.cfg.BufferChunks
}
