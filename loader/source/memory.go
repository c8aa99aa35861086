package source

import (
	"context"
	"io"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
)

// MemorySource hands out rows already built in memory. Demos and tests use
// it to feed the writer without touching the filesystem.
type MemorySource struct {
	rows []*basic.Row
	pos  int
}

var _ Source = (*MemorySource)(nil)

func NewMemory(rows ...*basic.Row) *MemorySource {
	return &MemorySource{rows: rows}
}

func (s *MemorySource) Next(ctx context.Context) (*basic.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Annotatef(basic.ErrInterrupted, "memory source")
	}
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}

func (s *MemorySource) Close() error { return nil }
