package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("worker pool closed")

// Pool runs jobs on at most size goroutines at a time.
type Pool struct {
	name string
	sem  chan struct{}
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{name: name, sem: make(chan struct{}, size)}
}

// Submit blocks until a slot is free, then runs fn on its own goroutine.
// It returns ctx.Err() if ctx ends first.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("pool", p.name).Interface("panic", r).Msg("job panicked")
			}
			<-p.sem
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Busy reports how many jobs are running.
func (p *Pool) Busy() int { return len(p.sem) }

func (p *Pool) Size() int { return cap(p.sem) }

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Close rejects further submissions and waits for running jobs.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
