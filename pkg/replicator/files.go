package replicator

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/types"
)

// archivePattern matches archive log file names against the database's
// log_archive_format and extracts the sequence number.
type archivePattern struct {
	re       *regexp.Regexp
	seqGroup int
}

// compilePattern translates a log_archive_format string into a regexp.
// Wildcards: %s/%S sequence, %t/%T thread, %r resetlogs id, %a activation
// id, %d database id, %h host. Everything else matches literally.
func compilePattern(format string) (*archivePattern, error) {
	var sb strings.Builder
	sb.WriteByte('^')
	group := 0
	seqGroup := -1

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			sb.WriteString(regexp.QuoteMeta(string(c)))
			continue
		}
		i++
		if i >= len(format) {
			return nil, ctx.ConfigError(30010, "log-archive-format ends with %")
		}
		switch format[i] {
		case 's', 'S':
			sb.WriteString(`(\d+)`)
			group++
			seqGroup = group
		case 't', 'T', 'r', 'a', 'd':
			sb.WriteString(`(\w+)`)
			group++
		case 'h':
			sb.WriteString(`([\w.-]+)`)
			group++
		case '%':
			sb.WriteByte('%')
		default:
			return nil, ctx.ConfigError(30010, fmt.Sprintf(
				"log-archive-format: unknown wildcard %%%c", format[i]))
		}
	}
	sb.WriteByte('$')

	if seqGroup == -1 {
		return nil, ctx.ConfigError(30011, "log-archive-format carries no %s sequence wildcard")
	}
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, ctx.ConfigError(30010, "log-archive-format: "+err.Error())
	}
	return &archivePattern{re: re, seqGroup: seqGroup}, nil
}

// sequenceOf extracts the sequence from a file name, false when the name
// does not match the pattern.
func (p *archivePattern) sequenceOf(name string) (types.Seq, bool) {
	m := p.re.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[p.seqGroup], 10, 32)
	if err != nil {
		return 0, false
	}
	return types.Seq(n), true
}

// archiveFile is one discovered archived log.
type archiveFile struct {
	path string
	seq  types.Seq
}

// scanArchiveDir lists archive files matching the pattern, ascending by
// sequence.
func scanArchiveDir(dir string, pattern *archivePattern) ([]archiveFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ctx.RuntimeError(10012, "archive directory "+dir+" unreadable", err)
	}
	var files []archiveFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := pattern.sequenceOf(e.Name()); ok {
			files = append(files, archiveFile{path: filepath.Join(dir, e.Name()), seq: seq})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })
	return files, nil
}

// peekSequence reads a file's log header directly and returns the sequence
// it carries. Used to order batch files and probe online groups without
// committing a reader to them.
func peekSequence(c *ctx.Ctx, path string) (types.Seq, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, 8192)
	n, _ := f.ReadAt(head, 0)
	if n < 1024 {
		return 0, fmt.Errorf("file %s too short for a log header", path)
	}

	blockSize := ctx.Read32Little(head[20:])
	if head[28] == 0x7A && head[29] == 0x7B && head[30] == 0x7C && head[31] == 0x7D {
		blockSize = ctx.Read32Big(head[20:])
	}
	if blockSize != 512 && blockSize != 1024 && blockSize != 4096 {
		return 0, fmt.Errorf("file %s carries invalid block size %d", path, blockSize)
	}
	if uint32(n) < blockSize+12 {
		return 0, fmt.Errorf("file %s too short for a log header", path)
	}
	if c.IsBigEndian() || (head[28] == 0x7A && head[29] == 0x7B) {
		return types.Seq(ctx.Read32Big(head[blockSize+8:])), nil
	}
	return types.Seq(ctx.Read32Little(head[blockSize+8:])), nil
}
