package source

import (
	"bufio"
	"context"
	"io"
	"os"

	gxbytes "github.com/dubbogo/gost/bytes"
	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
)

const csvScratchSize = 64 * 1024

// CSVSource parses delimited text in the COPY CSV dialect: quotes protect
// delimiters and newlines, the escape character protects a quote inside
// quotes, and only an unquoted field equal to the NULL string is NULL.
type CSVSource struct {
	f        *os.File
	r        *bufio.Reader
	rel      *catalog.Relation
	delim    byte
	quote    byte
	escape   byte
	nullStr  string
	encoding string

	// one record's field bytes live concatenated in the pooled scratch,
	// split by ends
	bufp   *[]byte
	buf    []byte
	ends   []int
	quoted []bool

	line    int64 // physical lines consumed
	recLine int64 // first line of the record being parsed
	skip    int64
	eof     bool
}

var _ Source = (*CSVSource)(nil)

func firstByte(s string, def byte) byte {
	if s == "" {
		return def
	}
	return s[0]
}

func OpenCSV(cfg *conf.Cfg, rel *catalog.Relation) (*CSVSource, error) {
	f, err := os.Open(cfg.Infile)
	if err != nil {
		return nil, errors.Annotatef(err, "open input %s", cfg.Infile)
	}
	bufp := gxbytes.GetBytes(csvScratchSize)
	s := &CSVSource{
		f:        f,
		r:        bufio.NewReaderSize(f, csvScratchSize),
		rel:      rel,
		delim:    firstByte(cfg.Delimiter, ','),
		quote:    firstByte(cfg.Quote, '"'),
		escape:   firstByte(cfg.Escape, '"'),
		nullStr:  cfg.NullStr,
		encoding: cfg.Encoding,
		bufp:     bufp,
		buf:      (*bufp)[:0],
		skip:     cfg.SkipRows,
	}
	logger.Debugf("CSV source opened: %s delimiter=%q quote=%q null=%q",
		cfg.Infile, string(s.delim), string(s.quote), s.nullStr)
	return s, nil
}

func (s *CSVSource) Next(ctx context.Context) (*basic.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Annotatef(basic.ErrInterrupted, "read %s", s.f.Name())
	}
	// SKIP discards raw lines, so an unparseable header costs nothing from
	// the error budget
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

	rawFields, rawQuoted, err := s.readRecord()
	if err != nil {
		return nil, err
	}
	fields := make([]string, len(rawFields))
	null := make([]bool, len(rawFields))
	for i, raw := range rawFields {
		fields[i] = decodeField(raw, s.encoding)
		null[i] = !rawQuoted[i] && fields[i] == s.nullStr
	}
	return buildRow(s.rel, s.recLine, fields, null)
}

// readRecord scans one record; fields come back as slices of the pooled
// scratch, valid until the next call. A quoted field may span lines. Parse
// trouble is reported as a RowError after the scan reaches the record's
// end, so the stream stays aligned.
func (s *CSVSource) readRecord() ([][]byte, []bool, error) {
	s.buf = s.buf[:0]
	s.ends = s.ends[:0]
	s.quoted = s.quoted[:0]
	s.recLine = s.line + 1

	var (
		sawAny      bool
		fieldStart  int
		fieldQuoted bool
		inQuote     bool
		closed      bool // the field body ended with a closing quote
		rerr        *RowError
	)
	endField := func() {
		s.ends = append(s.ends, len(s.buf))
		s.quoted = append(s.quoted, fieldQuoted)
		fieldStart = len(s.buf)
		fieldQuoted = false
		closed = false
	}

loop:
	for {
		c, err := s.r.ReadByte()
		if err == io.EOF {
			s.eof = true
			if inQuote {
				return nil, nil, &RowError{Line: s.recLine, Reason: "unterminated quoted field"}
			}
			if !sawAny {
				return nil, nil, io.EOF
			}
			s.line++
			endField()
			break loop
		}
		if err != nil {
			return nil, nil, errors.Annotatef(err, "read %s", s.f.Name())
		}
		sawAny = true

		if inQuote {
			switch c {
			case s.escape:
				// 引号里的转义符保护随后的引号; 转义符就是引号时, 双写引号表示字面引号
				nxt, nerr := s.r.ReadByte()
				if nerr == io.EOF {
					if s.escape == s.quote {
						inQuote = false
						closed = true
					} else {
						s.buf = append(s.buf, c)
					}
					continue
				}
				if nerr != nil {
					return nil, nil, errors.Annotatef(nerr, "read %s", s.f.Name())
				}
				if nxt == s.quote || nxt == s.escape {
					s.buf = append(s.buf, nxt)
					continue
				}
				s.r.UnreadByte()
				if s.escape == s.quote {
					inQuote = false
					closed = true
				} else {
					s.buf = append(s.buf, c)
				}
			case s.quote:
				inQuote = false
				closed = true
			case '\n':
				s.line++
				s.buf = append(s.buf, c)
			default:
				s.buf = append(s.buf, c)
			}
			continue
		}

		switch c {
		case s.delim:
			endField()
		case '\n':
			s.line++
			endField()
			break loop
		case '\r':
			if nxt, nerr := s.r.ReadByte(); nerr == nil && nxt != '\n' {
				s.r.UnreadByte()
			} else if nerr != nil && nerr != io.EOF {
				return nil, nil, errors.Annotatef(nerr, "read %s", s.f.Name())
			}
			s.line++
			endField()
			break loop
		case s.quote:
			if len(s.buf) == fieldStart && !closed {
				inQuote = true
				fieldQuoted = true
				continue
			}
			if rerr == nil {
				rerr = &RowError{Line: s.recLine, Reason: "quote character inside an unquoted field"}
			}
			s.buf = append(s.buf, c)
		default:
			if closed && rerr == nil {
				rerr = &RowError{Line: s.recLine, Reason: "garbage after a closing quote"}
			}
			s.buf = append(s.buf, c)
		}
	}

	if rerr != nil {
		return nil, nil, rerr
	}
	fields := make([][]byte, len(s.ends))
	prev := 0
	for i, end := range s.ends {
		fields[i] = s.buf[prev:end]
		prev = end
	}
	return fields, s.quoted, nil
}

func (s *CSVSource) Close() error {
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
