package writer

import (
	"context"
	"sync"

	gxsync "github.com/dubbogo/gost/sync"
	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
)

// parallelQueueDepth bounds the rows in flight between the producer and the
// writing goroutine.
const parallelQueueDepth = 1024

// ParallelWriter decouples parsing from writing: Insert hands rows to a
// bounded queue drained by a single task-pool worker that drives the wrapped
// writer, which therefore never sees concurrent calls. The first failure
// wins and later rows are drained and dropped, so a producer can never
// deadlock on a dead consumer. Row-level tolerances do not apply on this
// path; any insert failure ends the load.
type ParallelWriter struct {
	inner Writer
	rows  chan *basic.Row
	pool  gxsync.GenericTaskPool
	done  chan struct{}

	mu     sync.Mutex
	err    error
	failed chan struct{} // closed once err is set
	closed bool
}

var _ Writer = (*ParallelWriter)(nil)

// NewParallel wraps inner and starts its pump.
func NewParallel(inner Writer) *ParallelWriter {
	p := &ParallelWriter{
		inner:  inner,
		rows:   make(chan *basic.Row, parallelQueueDepth),
		pool:   gxsync.NewTaskPoolSimple(0),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	p.pool.AddTask(p.pump)
	return p
}

// pump is the single consumer. After a failure it keeps draining so that
// blocked producers wake up.
func (p *ParallelWriter) pump() {
	for row := range p.rows {
		if p.Err() != nil {
			continue
		}
		if err := p.inner.Insert(context.Background(), row); err != nil {
			p.setErr(err)
		}
	}
	close(p.done)
}

func (p *ParallelWriter) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
		close(p.failed)
	}
}

// Err reports the first failure of the writing side, if any.
func (p *ParallelWriter) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *ParallelWriter) Insert(ctx context.Context, row *basic.Row) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Trace(basic.ErrWriterClosed)
	}
	p.mu.Unlock()

	select {
	case <-p.failed:
		return p.Err()
	default:
	}
	select {
	case p.rows <- row:
		return nil
	case <-p.failed:
		return p.Err()
	case <-ctx.Done():
		return errors.Annotatef(basic.ErrInterrupted, "parallel insert")
	}
}

// Close joins the pump, then finishes or abandons the wrapped writer. A
// failure recorded by the pump forces the abandon path, so the crash
// protocol of the wrapped writer stays armed for recovery.
func (p *ParallelWriter) Close(ctx context.Context, onError bool) (*Report, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Trace(basic.ErrWriterClosed)
	}
	p.closed = true
	p.mu.Unlock()

	close(p.rows)
	<-p.done
	p.pool.Close()

	if err := p.Err(); err != nil {
		p.inner.Close(ctx, true)
		return nil, err
	}
	return p.inner.Close(ctx, onError)
}
