// Package source turns input files into streams of typed rows. A source
// owns its file and parse state; the caller owns the error budget:
// malformed records come back as RowError values and the stream stays
// usable, so the driver decides how many bad records a load may survive.
package source

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
)

// Source is a stream of parsed input records. Next returns io.EOF once the
// input is exhausted and a *RowError for a rejected record; any other error
// ends the stream.
type Source interface {
	Next(ctx context.Context) (*basic.Row, error)
	Close() error
}

// RowError reports one rejected input record. The source skips the record
// and stays usable.
type RowError struct {
	Line   int64  // first physical input line of the record, 1-based
	Column string // column name when the failure is column-scoped
	Reason string
}

func (e *RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("input line %d, column %s: %s", e.Line, e.Column, e.Reason)
	}
	return fmt.Sprintf("input line %d: %s", e.Line, e.Reason)
}

// AsRowError unwraps err down to a RowError if one is in there.
func AsRowError(err error) (*RowError, bool) {
	re, ok := errors.Cause(err).(*RowError)
	return re, ok
}

// Open builds the source the configuration names. TYPE=MEMORY has no file
// form; memory sources are built directly with NewMemory.
func Open(cfg *conf.Cfg, rel *catalog.Relation) (Source, error) {
	switch cfg.Input {
	case conf.SourceCSV:
		return OpenCSV(cfg, rel)
	case conf.SourceFixed:
		return OpenFixed(cfg, rel)
	case conf.SourceMemory:
		return nil, errors.Errorf("TYPE=MEMORY is only available programmatically")
	}
	return nil, errors.Errorf("unknown input kind %d", cfg.Input)
}
