package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	gxbytes "github.com/dubbogo/gost/bytes"
	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
)

// FixedSource reads records of a fixed byte width per column, one record
// per line. Values are right-padded with spaces; a field that trims down
// to the NULL string is NULL.
type FixedSource struct {
	f        *os.File
	r        *bufio.Reader
	rel      *catalog.Relation
	widths   []int
	total    int
	nullStr  string
	encoding string

	bufp *[]byte
	buf  []byte

	line int64
	skip int64
	eof  bool
}

var _ Source = (*FixedSource)(nil)

func OpenFixed(cfg *conf.Cfg, rel *catalog.Relation) (*FixedSource, error) {
	if len(cfg.ColWidths) != len(rel.Columns) {
		return nil, errors.Errorf("COL gives %d widths, table %s has %d columns",
			len(cfg.ColWidths), rel.Name, len(rel.Columns))
	}
	total := 0
	for _, w := range cfg.ColWidths {
		total += w
	}
	f, err := os.Open(cfg.Infile)
	if err != nil {
		return nil, errors.Annotatef(err, "open input %s", cfg.Infile)
	}
	// 定长记录一行一条, 缓冲区按记录长度开
	rdSize := total + 2
	if rdSize < 4096 {
		rdSize = 4096
	}
	bufp := gxbytes.GetBytes(rdSize)
	s := &FixedSource{
		f:        f,
		r:        bufio.NewReaderSize(f, rdSize),
		rel:      rel,
		widths:   append([]int(nil), cfg.ColWidths...),
		total:    total,
		nullStr:  cfg.NullStr,
		encoding: cfg.Encoding,
		bufp:     bufp,
		buf:      (*bufp)[:0],
		skip:     cfg.SkipRows,
	}
	logger.Debugf("fixed source opened: %s record=%d bytes, %d columns",
		cfg.Infile, total, len(s.widths))
	return s, nil
}

func (s *FixedSource) Next(ctx context.Context) (*basic.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Annotatef(basic.ErrInterrupted, "read %s", s.f.Name())
	}
	for s.skip > 0 {
		s.skip--
		if err := discardLine(s.r); err != nil {
			if err == io.EOF {
				s.eof = true
				return nil, io.EOF
			}
			return nil, errors.Annotatef(err, "read %s", s.f.Name())
		}
		s.line++
	}
	if s.eof {
		return nil, io.EOF
	}
	line, err := s.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) != s.total {
		return nil, &RowError{Line: s.line,
			Reason: fmt.Sprintf("record is %d bytes, expected %d", len(line), s.total)}
	}
	fields := make([]string, len(s.widths))
	null := make([]bool, len(s.widths))
	off := 0
	for i, w := range s.widths {
		raw := bytes.TrimRight(line[off:off+w], " ")
		off += w
		fields[i] = decodeField(raw, s.encoding)
		null[i] = fields[i] == s.nullStr
	}
	return buildRow(s.rel, s.line, fields, null)
}

// readLine returns the next line without its terminator; a lone trailing
// \r before the \n is stripped. The slice is reused across calls.
func (s *FixedSource) readLine() ([]byte, error) {
	buf := s.buf[:0]
	for {
		c, err := s.r.ReadByte()
		if err == io.EOF {
			if len(buf) == 0 {
				return nil, io.EOF
			}
			s.eof = true
			s.line++
			s.buf = buf
			return buf, nil
		}
		if err != nil {
			return nil, errors.Annotatef(err, "read %s", s.f.Name())
		}
		if c == '\n' {
			s.line++
			if n := len(buf); n > 0 && buf[n-1] == '\r' {
				buf = buf[:n-1]
			}
			s.buf = buf
			return buf, nil
		}
		buf = append(buf, c)
	}
}

func (s *FixedSource) Close() error {
	if s.bufp != nil {
		gxbytes.PutBytes(s.bufp)
		s.bufp = nil
		s.buf = nil
	}
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return errors.Trace(err)
}
