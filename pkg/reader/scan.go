package reader

import (
	"fmt"

	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/memory"
)

// readLoop streams the open file from bufferEnd to its end, publishing
// validated blocks. It leaves r.ret with the reason it stopped.
func (r *Reader) readLoop() {
	r.lastRead = r.blockSize
	r.lastReadTime = 0
	r.readTime = 0
	r.bufferScan = r.bufferEnd.Load()
	r.reachedZero = false

	for !r.context.SoftShutdown() {
		r.loopTime = nowMicros()
		r.readBlocks = false
		r.readTime = 0

		if r.bufferEnd.Load() == r.fileSize {
			r.finishFile()
			return
		}

		// Ring full: wait for the parser to consume.
		if r.bufferStart.Load()+r.bufferSizeMax == r.bufferEnd.Load() {
			r.mtx.Lock()
			if !r.context.SoftShutdown() && r.bufferStart.Load()+r.bufferSizeMax == r.bufferEnd.Load() {
				r.condBufferFull.Wait()
				r.mtx.Unlock()
				continue
			}
			r.mtx.Unlock()
		}

		// Publish quarantined blocks whose verify delay elapsed.
		if r.bufferEnd.Load() < r.bufferScan {
			if !r.verifyDelayed() {
				return
			}
		}

		// Scan fresh data.
		if r.bufferScan < r.fileSize &&
			(r.bufferIsFree() || r.bufferScan%memory.ChunkSize > 0) &&
			(!r.reachedZero || r.lastReadTime+int64(r.cfg.ReadSleepUs) < r.loopTime) {
			if !r.scanAhead() {
				return
			}
		}

		if h := r.header; h.NumBlocks != 0 && h.NumBlocks != 0xFFFFFFFF &&
			r.bufferEnd.Load() == uint64(h.NumBlocks)*uint64(r.blockSize) {
			r.finishFile()
			return
		}

		if !r.readBlocks {
			if r.readTime == 0 {
				r.sleepUs(r.cfg.ReadSleepUs)
			} else if now := nowMicros(); r.readTime > now {
				wait := uint64(r.readTime - now)
				if r.cfg.ReadSleepUs < wait {
					wait = r.cfg.ReadSleepUs
				}
				r.sleepUs(wait)
			}
		}
	}
	r.ret = CodeShutdown
}

// finishFile decides between Finished (next_scn known) and Stopped.
func (r *Reader) finishFile() {
	if !r.header.NextScn.IsNone() {
		r.ret = CodeFinished
		r.nextScn = r.header.NextScn
	} else {
		log.Warn(60023, fmt.Sprintf("file: %s - position: %d - unexpected end of file", r.fileName, r.bufferScan))
		r.ret = CodeStopped
	}
}

// scanAhead reads the next window at bufferScan, validates its blocks and
// either publishes them directly or stamps them into the verify quarantine.
// Returns false when the loop must stop; r.ret carries the reason.
func (r *Reader) scanAhead() bool {
	toRead := r.readSize(r.lastRead)
	if r.bufferScan+uint64(toRead) > r.fileSize {
		toRead = uint32(r.fileSize - r.bufferScan)
	}

	bufPos := r.bufferScan % memory.ChunkSize
	bufNum := (r.bufferScan / memory.ChunkSize) % r.cfg.BufferChunks
	if bufPos+uint64(toRead) > memory.ChunkSize {
		toRead = uint32(memory.ChunkSize - bufPos)
	}

	if toRead == 0 {
		log.Error(40010, fmt.Sprintf("file: %s - zero to read, start: %d, end: %d, scan: %d",
			r.fileName, r.bufferStart.Load(), r.bufferEnd.Load(), r.bufferScan))
		r.ret = CodeError
		return false
	}

	if !r.bufferAllocate(bufNum) {
		r.ret = CodeShutdown
		return false
	}
	buf := r.redoBuffers[bufNum]

	actual, err := r.redoRead(buf[bufPos:bufPos+uint64(toRead)], r.bufferScan)
	if err != nil {
		log.Error(40003, fmt.Sprintf("file: %s - read failed: %v", r.fileName, err))
		r.ret = CodeErrorRead
		return false
	}

	if actual > 0 && r.copyFile.f != nil && (r.cfg.VerifyDelayUs == 0 || r.cfg.Group == 0) {
		if err := r.copyFile.writeAt(buf[bufPos:bufPos+uint64(actual)], int64(r.bufferScan)); err != nil {
			log.Errorf(10007, "redo copy write failed", err)
			r.ret = CodeErrorWrite
			return false
		}
	}

	maxBlocks := uint32(actual) / r.blockSize
	scanBlock := uint32(r.bufferScan / uint64(r.blockSize))
	goodBlocks := uint32(0)
	currentRet := CodeOK

	for n := uint32(0); n < maxBlocks; n++ {
		currentRet = r.checkBlockHeader(
			buf[bufPos+uint64(n*r.blockSize):bufPos+uint64((n+1)*r.blockSize)],
			scanBlock+n, r.cfg.VerifyDelayUs == 0 || r.cfg.Group == 0)
		if currentRet != CodeOK {
			break
		}
		goodBlocks++
	}

	// Partial archived file: nothing valid at the scan point.
	if goodBlocks == 0 && r.cfg.Group == 0 {
		r.finishFile()
		return false
	}

	// With a verify delay, a CRC failure may be a block mid-flush.
	if currentRet == CodeErrorCrc && r.cfg.VerifyDelayUs > 0 && r.cfg.Group != 0 {
		currentRet = CodeEmpty
	}

	if goodBlocks == 0 && currentRet != CodeOK && currentRet != CodeEmpty {
		r.ret = currentRet
		return false
	}

	// End of written region: reload the header, a log switch may have
	// stamped next_scn.
	if goodBlocks == 0 && currentRet == CodeEmpty {
		if ret := r.reloadHeader(); ret != CodeOK {
			r.ret = ret
			return false
		}
		r.reachedZero = true
	} else {
		r.readBlocks = true
		r.reachedZero = false
	}

	r.lastRead = goodBlocks * r.blockSize
	r.lastReadTime = nowMicros()
	if goodBlocks > 0 {
		if r.cfg.VerifyDelayUs > 0 && r.cfg.Group != 0 {
			// Quarantine: stamp each block with its read time; read2
			// publishes it after the delay by re-reading.
			r.bufferScan += uint64(goodBlocks) * uint64(r.blockSize)
			for n := uint32(0); n < goodBlocks; n++ {
				stampReadTime(buf[bufPos+uint64(n*r.blockSize):], r.lastReadTime)
			}
		} else {
			r.mtx.Lock()
			r.bufferEnd.Add(uint64(goodBlocks) * uint64(r.blockSize))
			r.bufferScan = r.bufferEnd.Load()
			r.condParserSleeping.Broadcast()
			r.mtx.Unlock()
		}
	}

	if currentRet == CodeErrorSequence && r.cfg.Group == 0 {
		r.finishFile()
		return false
	}

	return true
}

// verifyDelayed re-reads quarantined blocks whose stamp aged past the verify
// delay and publishes them. Returns false when the loop must stop.
func (r *Reader) verifyDelayed() bool {
	maxBlocks := uint32((r.bufferScan - r.bufferEnd.Load()) / uint64(r.blockSize))
	if m := uint32(memory.ChunkSize / uint64(r.blockSize)); maxBlocks > m {
		maxBlocks = m
	}
	goodBlocks := uint32(0)

	for n := uint32(0); n < maxBlocks; n++ {
		pos := r.bufferEnd.Load() + uint64(n)*uint64(r.blockSize)
		bufNum := (pos / memory.ChunkSize) % r.cfg.BufferChunks
		bufPos := pos % memory.ChunkSize
		stamp := readTimeStamp(r.redoBuffers[bufNum][bufPos:])
		if stamp+int64(r.cfg.VerifyDelayUs) < r.loopTime {
			goodBlocks++
		} else {
			r.readTime = stamp + int64(r.cfg.VerifyDelayUs)
			break
		}
	}

	if goodBlocks == 0 {
		return true
	}

	toRead := r.readSize(goodBlocks * r.blockSize)
	if toRead > goodBlocks*r.blockSize {
		toRead = goodBlocks * r.blockSize
	}

	end := r.bufferEnd.Load()
	bufPos := end % memory.ChunkSize
	bufNum := (end / memory.ChunkSize) % r.cfg.BufferChunks
	if bufPos+uint64(toRead) > memory.ChunkSize {
		toRead = uint32(memory.ChunkSize - bufPos)
	}
	if toRead == 0 {
		log.Error(40011, fmt.Sprintf("zero to read (start: %d, end: %d, scan: %d): %s",
			r.bufferStart.Load(), end, r.bufferScan, r.fileName))
		r.ret = CodeError
		return false
	}

	buf := r.redoBuffers[bufNum]
	actual, err := r.redoRead(buf[bufPos:bufPos+uint64(toRead)], end)
	if err != nil {
		log.Error(40003, fmt.Sprintf("file: %s - read failed: %v", r.fileName, err))
		r.ret = CodeErrorRead
		return false
	}

	if actual > 0 && r.copyFile.f != nil {
		if err := r.copyFile.writeAt(buf[bufPos:bufPos+uint64(actual)], int64(end)); err != nil {
			log.Errorf(10007, "redo copy write failed", err)
			r.ret = CodeErrorWrite
			return false
		}
	}

	r.readBlocks = true
	maxBlocks = uint32(actual) / r.blockSize
	endBlock := uint32(end / uint64(r.blockSize))
	currentRet := CodeOK
	published := uint32(0)

	for n := uint32(0); n < maxBlocks; n++ {
		currentRet = r.checkBlockHeader(
			buf[bufPos+uint64(n*r.blockSize):bufPos+uint64((n+1)*r.blockSize)],
			endBlock+n, true)
		if currentRet != CodeOK {
			break
		}
		published++
	}

	// The header is re-verified after every successful online read.
	if currentRet == CodeOK && r.cfg.Group > 0 {
		currentRet = r.reloadHeader()
	}
	if currentRet != CodeOK {
		r.ret = currentRet
		return false
	}

	r.mtx.Lock()
	r.bufferEnd.Add(uint64(actual))
	r.condParserSleeping.Broadcast()
	r.mtx.Unlock()
	return true
}

// The quarantine stamp lives in the first 8 bytes of the block's ring slot;
// the delayed re-read overwrites it with real data.
func stampReadTime(b []byte, t int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(t >> (8 * i))
	}
}

func readTimeStamp(b []byte) int64 {
	var t int64
	for i := 0; i < 8; i++ {
		t |= int64(b[i]) << (8 * i)
	}
	return t
}
