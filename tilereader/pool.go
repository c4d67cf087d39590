package tilereader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/airbusgeo/geocube-mosaic/interface/raster"
	"github.com/airbusgeo/geocube-mosaic/service"
)

// ErrPoolClosed is returned by Acquire once the pool is closed
var ErrPoolClosed = errors.New("pool is closed")

// Pool is a fixed-capacity pool of handles on the same raster.
// Handles are opened on demand, up to the capacity. Acquire blocks while all of them are in use.
type Pool struct {
	opener   raster.Opener
	path     string
	capacity int

	tokens      chan struct{}
	mu          sync.Mutex
	idle        []raster.Dataset
	opened      int
	outstanding int
	closed      bool
}

// NewPool creates a pool of at most capacity handles on path
func NewPool(opener raster.Opener, path string, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		opener:   opener,
		path:     path,
		capacity: capacity,
		tokens:   make(chan struct{}, capacity),
	}
}

// Acquire returns a handle that must be released with Release.
// It blocks until a handle is available or the context is done.
func (p *Pool) Acquire(ctx context.Context) (raster.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.tokens
		return nil, ErrPoolClosed
	}
	p.outstanding++
	if n := len(p.idle); n > 0 {
		ds := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return ds, nil
	}
	p.opened++
	p.mu.Unlock()

	ds, err := p.opener.Open(ctx, p.path)
	if err != nil {
		p.mu.Lock()
		p.outstanding--
		p.opened--
		p.mu.Unlock()
		<-p.tokens
		return nil, fmt.Errorf("Acquire.Open: %w", err)
	}
	return ds, nil
}

// Release returns a handle to the pool
func (p *Pool) Release(ds raster.Dataset) {
	p.mu.Lock()
	p.outstanding--
	if p.closed {
		p.opened--
		ds.Close()
	} else {
		p.idle = append(p.idle, ds)
	}
	p.mu.Unlock()
	<-p.tokens
}

// Do calls fn with a handle. The handle is released when fn returns.
func (p *Pool) Do(ctx context.Context, fn func(ds raster.Dataset) error) error {
	ds, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(ds)
	return fn(ds)
}

// Outstanding returns the number of handles currently acquired
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Opened returns the number of open handles
func (p *Pool) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// Close closes the idle handles. It fails if some handles are still acquired.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding > 0 {
		return fmt.Errorf("Close: %d handles of %s are still in use", p.outstanding, p.path)
	}
	p.closed = true
	var err error
	for _, ds := range p.idle {
		err = service.MergeErrors(true, err, ds.Close())
	}
	p.opened -= len(p.idle)
	p.idle = nil
	return err
}
