// Package chanio streams an open file in fixed-size blocks, reading only as
// far ahead as the consumer has asked for.
package chanio

import (
	"context"
	"io"
	"math"
	"sync"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBlockSize = 1 << 20

	// Unbounded demand lets the reader run ahead without waiting.
	Unbounded int64 = math.MaxInt64
)

var ErrIO = errors.Base("i/o error")

// IOError is a read or write failure on the underlying descriptor.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

// IsCanceled reports whether err is the expected result of a consumer
// cancelling, as opposed to a real failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || isCanceledErrno(err)
}

// Chunk is one block of a stream. The last chunk has Done set and may still
// carry data.
type Chunk struct {
	Data []byte
	Done bool
}

// Reader issues block reads against src, one per unit of granted demand.
type Reader struct {
	src       io.ReadCloser
	blockSize int
	chunks    chan Chunk
	wake      chan struct{}
	cancel    context.CancelFunc
	group     *errgroup.Group

	mu     sync.Mutex
	demand int64

	closeOnce sync.Once
	closeErr  error
}

// NewReader starts reading src in blockSize blocks. Nothing is read until
// Request grants demand. Cancelling ctx closes src, which unblocks a read in
// progress.
func NewReader(ctx context.Context, src io.ReadCloser, blockSize int) *Reader {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r := &Reader{
		src:       src,
		blockSize: blockSize,
		chunks:    make(chan Chunk),
		wake:      make(chan struct{}, 1),
		cancel:    cancel,
		group:     g,
	}
	context.AfterFunc(ctx, func() { _ = r.closeSrc() })
	g.Go(func() error { return r.pump(gctx) })
	return r
}

// Chunks is closed after the Done chunk, on error, or on cancellation.
func (r *Reader) Chunks() <-chan Chunk { return r.chunks }

// Request grants n more blocks of demand.
func (r *Reader) Request(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	switch {
	case r.demand == Unbounded:
	case n >= Unbounded-r.demand:
		r.demand = Unbounded
	default:
		r.demand += n
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the pump exits. Cancellation yields nil.
func (r *Reader) Wait() error {
	return r.group.Wait()
}

// Close cancels the stream, closes src and waits for the pump, releasing it
// if it is parked waiting for demand.
func (r *Reader) Close() error {
	r.cancel()
	err := r.closeSrc()
	_ = r.group.Wait()
	return err
}

func (r *Reader) closeSrc() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.src.Close()
	})
	return r.closeErr
}

func (r *Reader) acquire(ctx context.Context) bool {
	for {
		r.mu.Lock()
		switch {
		case r.demand == Unbounded:
			r.mu.Unlock()
			return true
		case r.demand > 0:
			r.demand--
			r.mu.Unlock()
			return true
		}
		r.mu.Unlock()

		select {
		case <-r.wake:
		case <-ctx.Done():
			return false
		}
	}
}

func (r *Reader) pump(ctx context.Context) error {
	defer close(r.chunks)
	for {
		if !r.acquire(ctx) {
			return nil
		}

		buf := make([]byte, r.blockSize)
		n, err := io.ReadFull(r.src, buf)
		done := false
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			done = true
		case ctx.Err() != nil, IsCanceled(err):
			return nil
		default:
			// Bytes read before the failure are still handed over.
			if n > 0 {
				select {
				case r.chunks <- Chunk{Data: buf[:n]}:
				case <-ctx.Done():
					return nil
				}
			}
			return &IOError{Op: "read", Err: err}
		}

		select {
		case r.chunks <- Chunk{Data: buf[:n], Done: done}:
		case <-ctx.Done():
			return nil
		}
		if done {
			return nil
		}
	}
}

// Pump copies src into dst, granting the reader one block of demand at a
// time so that at most one unwritten block is ever in flight. progress is
// called after every write with the running total. src is closed on return.
//
// If the stream stops before end of file without a failure, the returned
// error is context.Canceled.
func Pump(ctx context.Context, dst io.Writer, src io.ReadCloser, blockSize int, progress func(written int64) error) (int64, error) {
	r := NewReader(ctx, src, blockSize)
	defer r.Close()

	var written int64
	finished := false
	r.Request(1)
	for chunk := range r.Chunks() {
		if len(chunk.Data) > 0 {
			n, err := dst.Write(chunk.Data)
			written += int64(n)
			if err == nil && n < len(chunk.Data) {
				err = io.ErrShortWrite
			}
			if err != nil {
				if IsCanceled(err) {
					return written, context.Canceled
				}
				return written, &IOError{Op: "write", Err: err}
			}
			if progress != nil {
				if err := progress(written); err != nil {
					return written, err
				}
			}
		}
		if chunk.Done {
			finished = true
			break
		}
		r.Request(1)
	}

	if err := r.Wait(); err != nil {
		return written, err
	}
	if !finished {
		return written, context.Canceled
	}
	return written, nil
}
