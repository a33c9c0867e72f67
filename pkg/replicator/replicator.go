package replicator

import (
	"fmt"
	"time"

	"github.com/redotail/redotail/pkg/config"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/metadata"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/parser"
	"github.com/redotail/redotail/pkg/reader"
	"github.com/redotail/redotail/pkg/types"
	"github.com/rs/zerolog"
)

// source describes where the next log file was found.
type source int

const (
	sourceOnline source = iota
	sourceArchive
	sourceBatch
)

// Replicator sequences which log files are consumed: it discovers the file
// carrying the expected sequence, attaches a reader and the parser to it,
// advances the position when the file is drained, and falls back from online
// groups to the archive when the database wrapped.
type Replicator struct {
	context *ctx.Ctx
	cfg     *config.Config
	mem     *memory.Manager
	meta    *metadata.Metadata
	parser  *parser.Parser
	logger  zerolog.Logger

	pattern    *archivePattern
	batchQueue []archiveFile
	archOnly   bool // set after an online sequence is permanently lost
}

// New creates a replicator.
func New(c *ctx.Ctx, cfg *config.Config, mem *memory.Manager, meta *metadata.Metadata, p *parser.Parser) (*Replicator, error) {
	r := &Replicator{
		context: c,
		cfg:     cfg,
		mem:     mem,
		meta:    meta,
		parser:  p,
		logger:  log.WithComponent("replicator"),
	}
	if cfg.Reader.ArchiveDir != "" || cfg.Mode == config.ModeArchOnly {
		pattern, err := compilePattern(cfg.Reader.LogArchiveFormat)
		if err != nil {
			return nil, err
		}
		r.pattern = pattern
	}
	return r, nil
}

// Run drives replication until shutdown or, in batch mode, until the file
// list is drained.
func (r *Replicator) Run() error {
	status := r.meta.WaitForWriter(r.context.SoftShutdown)
	if r.context.SoftShutdown() {
		return nil
	}
	r.logger.Info().Str("status", status.String()).Msg("replicator starting")
	metrics.UpdateComponent("replicator", true, "")

	if r.cfg.Mode == config.ModeBatch {
		if err := r.orderBatchFiles(); err != nil {
			return err
		}
	}

	for !r.context.SoftShutdown() {
		path, src, ok, err := r.selectNextFile()
		if err != nil {
			return err
		}
		if !ok {
			if r.cfg.Mode == config.ModeBatch {
				log.Info("batch file list drained, finishing")
				break
			}
			r.sleep(r.cfg.Reader.ArchReadSleepUs)
			continue
		}

		again, err := r.processFile(path, src)
		if err != nil {
			return err
		}
		if !again {
			break
		}
	}

	r.context.SetReplicatorFinished()
	r.meta.SetStatus(metadata.StatusFinished)
	r.logger.Info().Msg("replicator finished")
	return nil
}

// orderBatchFiles sorts the configured batch list by the sequence each file
// header carries.
func (r *Replicator) orderBatchFiles() error {
	for _, path := range r.cfg.Reader.BatchFiles {
		seq, err := peekSequence(r.context, path)
		if err != nil {
			return ctx.BootError(30012, err.Error())
		}
		r.batchQueue = append(r.batchQueue, archiveFile{path: path, seq: seq})
	}
	for i := 1; i < len(r.batchQueue); i++ {
		for j := i; j > 0 && r.batchQueue[j].seq < r.batchQueue[j-1].seq; j-- {
			r.batchQueue[j], r.batchQueue[j-1] = r.batchQueue[j-1], r.batchQueue[j]
		}
	}
	if len(r.batchQueue) > 0 && r.meta.Sequence == 0 {
		r.meta.Sequence = r.batchQueue[0].seq
	}
	return nil
}

// selectNextFile finds the file carrying metadata.Sequence. The bool result
// is false when nothing is available yet.
func (r *Replicator) selectNextFile() (string, source, bool, error) {
	if r.cfg.Mode == config.ModeBatch {
		if len(r.batchQueue) == 0 {
			return "", sourceBatch, false, nil
		}
		next := r.batchQueue[0]
		r.batchQueue = r.batchQueue[1:]
		r.meta.Sequence = next.seq
		return next.path, sourceBatch, true, nil
	}

	expected := r.meta.Sequence

	// Online groups first, unless permanently behind.
	if r.cfg.Mode == config.ModeOnline && !r.archOnly {
		anyAbove := false
		for _, path := range r.cfg.Reader.OnlineLogs {
			seq, err := peekSequence(r.context, path)
			if err != nil {
				continue // group being written or unreadable, try others
			}
			if seq == expected {
				return path, sourceOnline, true, nil
			}
			if seq > expected {
				anyAbove = true
			}
		}
		if anyAbove {
			// Every group moved past the expected sequence: the online
			// copy is permanently lost, only the archive can serve it.
			log.Warn(60035, fmt.Sprintf(
				"online logs wrapped past sequence %s, switching to archive", expected))
			r.archOnly = r.cfg.Reader.ArchiveDir == ""
			if r.cfg.Reader.ArchiveDir == "" {
				return "", sourceOnline, false,
					ctx.RuntimeError(10040, "sequence lost and no archive-dir configured", nil)
			}
		}
	}

	if r.cfg.Reader.ArchiveDir != "" {
		files, err := scanArchiveDir(r.cfg.Reader.ArchiveDir, r.pattern)
		if err != nil {
			return "", sourceArchive, false, err
		}
		for _, f := range files {
			if f.seq == expected {
				return f.path, sourceArchive, true, nil
			}
		}
	}
	return "", sourceArchive, false, nil
}

// processFile runs one reader over the chosen file and parses it to the
// end. Returns false when replication should stop.
func (r *Replicator) processFile(path string, src source) (bool, error) {
	group := 0
	if src == sourceOnline {
		group = 1
	}

	rd := reader.New(r.context, r.mem, reader.Config{
		Database:      r.cfg.Database,
		Group:         group,
		BlockChecksum: r.cfg.Reader.BlockChecksum,
		RedoCopyPath:  r.cfg.Reader.RedoCopyPath,
		ReadSleepUs:   r.cfg.Reader.RedoReadSleepUs,
		VerifyDelayUs: r.cfg.Reader.RedoVerifyDelayUs,
		BufferChunks:  r.cfg.Reader.ReadBufferMaxMb,
	})
	rd.SetSequence(r.meta.Sequence)
	go rd.Run()
	defer rd.Stop()

	if ret := rd.Check(path); ret != reader.CodeOK {
		log.Warn(60036, fmt.Sprintf("file: %s - open failed with %s, retrying", path, ret))
		r.sleep(r.cfg.Reader.RedoReadSleepUs)
		return true, nil
	}
	if ret := rd.Update(); ret != reader.CodeOK {
		if ret == reader.CodeEmpty {
			r.sleep(r.cfg.Reader.RedoReadSleepUs)
			return true, nil
		}
		return false, ctx.RedoError(40012, fmt.Sprintf(
			"file: %s - header reload failed with %s", path, ret))
	}

	hdr := rd.Header()
	if err := r.checkHeaderPosition(hdr); err != nil {
		return false, err
	}
	if r.meta.FileOffset > 0 {
		rd.SetStartOffset(r.meta.FileOffset)
	}

	r.logger.Info().
		Str("file", path).
		Uint32("sequence", uint32(rd.Sequence())).
		Bool("online", src == sourceOnline).
		Msg("processing redo log")

	rd.StartReading()
	code, err := r.parser.ProcessFile(rd)
	if err != nil {
		return false, err
	}

	switch code {
	case reader.CodeFinished:
		metrics.LogSwitches.Inc()
		r.meta.Sequence++
		r.meta.FileOffset = 0
		r.applyResetlogs(rd.NextScn())
		return true, nil

	case reader.CodeOverwritten:
		// The online group wrapped mid-read: fetch the same sequence
		// from the archive and resume at the confirmed offset.
		log.Info(fmt.Sprintf("online log overwritten at sequence %s, falling back to archive",
			r.meta.Sequence))
		r.meta.FileOffset = rd.BufferStart()
		return true, nil

	case reader.CodeStopped, reader.CodeEmpty:
		r.meta.FileOffset = rd.BufferStart()
		r.sleep(r.cfg.Reader.RedoReadSleepUs)
		return true, nil

	case reader.CodeShutdown:
		return false, nil

	default:
		return false, ctx.RedoError(40013, fmt.Sprintf(
			"file: %s - reading failed with %s", path, code))
	}
}

// checkHeaderPosition verifies the file belongs to the replicated position.
func (r *Replicator) checkHeaderPosition(hdr reader.Header) error {
	if r.meta.Resetlogs != 0 && hdr.Resetlogs != r.meta.Resetlogs {
		return ctx.RedoError(40014, fmt.Sprintf(
			"file resetlogs %d does not match expected %d", hdr.Resetlogs, r.meta.Resetlogs))
	}
	if r.meta.Activation != 0 && hdr.Activation != 0 && hdr.Activation != r.meta.Activation {
		return ctx.RedoError(40015, fmt.Sprintf(
			"file activation %d does not match expected %d", hdr.Activation, r.meta.Activation))
	}
	if r.meta.Resetlogs == 0 {
		r.meta.Resetlogs = hdr.Resetlogs
	}
	if r.meta.Activation == 0 {
		r.meta.Activation = hdr.Activation
	}
	return nil
}

// applyResetlogs checks the incarnation history after a file is fully
// consumed: a child incarnation whose resetlogs SCN equals the position just
// reached becomes current, and the sequence restarts at zero.
func (r *Replicator) applyResetlogs(nextScn types.Scn) {
	if nextScn.IsNone() {
		return
	}
	cur := r.meta.CurrentIncarnation()
	if cur == nil {
		return
	}
	for i := range r.meta.Incarnations {
		inc := &r.meta.Incarnations[i]
		if inc.Current || inc.Parent != cur.Incarnation {
			continue
		}
		if inc.ResetlogsScn == nextScn {
			log.Info(fmt.Sprintf("resetlogs change: %d -> %d at scn %s",
				cur.Resetlogs, inc.Resetlogs, nextScn))
			r.meta.ActivateIncarnation(inc.Incarnation)
			r.meta.Resetlogs = inc.Resetlogs
			r.meta.Sequence = 0
			r.meta.FileOffset = 0
			return
		}
	}
}

func (r *Replicator) sleep(us uint64) {
	if us == 0 {
		us = 10_000
	}
	time.Sleep(time.Duration(us) * time.Microsecond)
}
