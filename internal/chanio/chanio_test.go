package chanio_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/snadrus/fsbridge/internal/chanio"
)

type countingSource struct {
	r      io.Reader
	read   atomic.Int64
	closed atomic.Bool
}

func (c *countingSource) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *countingSource) Close() error {
	c.closed.Store(true)
	return nil
}

type failingSource struct{ err error }

func (f failingSource) Read([]byte) (int, error) { return 0, f.err }
func (f failingSource) Close() error             { return nil }

func collect(t *testing.T, r *chanio.Reader) []chanio.Chunk {
	t.Helper()
	var out []chanio.Chunk
	for c := range r.Chunks() {
		out = append(out, c)
	}
	return out
}

func TestReaderHonoursDemand(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 10<<20)
	src := &countingSource{r: bytes.NewReader(data)}
	r := chanio.NewReader(context.Background(), src, chanio.DefaultBlockSize)
	defer r.Close()

	var consumed int64
	r.Request(1)
	for chunk := range r.Chunks() {
		assert.LessOrEqual(t, src.read.Load()-consumed, int64(chanio.DefaultBlockSize))
		consumed += int64(len(chunk.Data))
		if chunk.Done {
			break
		}

		// With no outstanding demand the reader must stay parked.
		time.Sleep(2 * time.Millisecond)
		assert.Equal(t, consumed, src.read.Load())
		r.Request(1)
	}

	require.NoError(t, r.Wait())
	assert.Equal(t, int64(len(data)), consumed)
}

func TestReaderChunking(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		block    int
		wantLens []int
	}{
		{name: "empty", size: 0, block: 4, wantLens: []int{0}},
		{name: "done with data", size: 10, block: 4, wantLens: []int{4, 4, 2}},
		{name: "exact multiple", size: 8, block: 4, wantLens: []int{4, 4, 0}},
		{name: "single short block", size: 3, block: 4, wantLens: []int{3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := io.NopCloser(bytes.NewReader(make([]byte, tt.size)))
			r := chanio.NewReader(context.Background(), src, tt.block)
			defer r.Close()
			r.Request(chanio.Unbounded)

			chunks := collect(t, r)
			require.NoError(t, r.Wait())
			require.Len(t, chunks, len(tt.wantLens))
			for i, c := range chunks {
				assert.Len(t, c.Data, tt.wantLens[i], "chunk %d", i)
				assert.Equal(t, i == len(chunks)-1, c.Done, "chunk %d done flag", i)
			}
		})
	}
}

func TestReaderCloseReleasesParkedPump(t *testing.T) {
	src := &countingSource{r: bytes.NewReader(make([]byte, 1<<16))}
	r := chanio.NewReader(context.Background(), src, 1024)

	done := make(chan struct{})
	go func() {
		_ = r.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while the pump waited for demand")
	}
	assert.Empty(t, collect(t, r))
	assert.NoError(t, r.Wait())
	assert.True(t, src.closed.Load())
	assert.Zero(t, src.read.Load())
}

func TestReaderCancelUnblocksRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := chanio.NewReader(ctx, pr, 1024)
	r.Request(1)

	time.AfterFunc(20*time.Millisecond, cancel)
	chunks := collect(t, r)
	assert.Empty(t, chunks)
	assert.NoError(t, r.Wait())
}

func TestReaderErrors(t *testing.T) {
	t.Run("canceled is silent", func(t *testing.T) {
		src := failingSource{err: fmt.Errorf("remote: %w", context.Canceled)}
		r := chanio.NewReader(context.Background(), src, 8)
		defer r.Close()
		r.Request(1)

		assert.Empty(t, collect(t, r))
		assert.NoError(t, r.Wait())
	})

	t.Run("read failure is typed", func(t *testing.T) {
		boom := errors.New("disk on fire")
		r := chanio.NewReader(context.Background(), failingSource{err: boom}, 8)
		defer r.Close()
		r.Request(1)

		assert.Empty(t, collect(t, r))
		err := r.Wait()
		require.Error(t, err)
		assert.ErrorIs(t, err, chanio.ErrIO)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("bytes before a failure are delivered", func(t *testing.T) {
		boom := errors.New("cable pulled")
		src := io.NopCloser(io.MultiReader(strings.NewReader("abc"), failingSource{err: boom}))
		r := chanio.NewReader(context.Background(), src, 8)
		defer r.Close()
		r.Request(1)

		chunks := collect(t, r)
		require.Len(t, chunks, 1)
		assert.Equal(t, "abc", string(chunks[0].Data))
		assert.False(t, chunks[0].Done)
		assert.ErrorIs(t, r.Wait(), boom)
	})
}

func TestPump(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	var dst bytes.Buffer
	var seen []int64

	n, err := chanio.Pump(context.Background(), &dst, io.NopCloser(bytes.NewReader(data)), 1024, func(written int64) error {
		seen = append(seen, written)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, dst.Bytes())
	require.NotEmpty(t, seen)
	assert.IsNonDecreasing(t, seen)
	assert.Equal(t, int64(len(data)), seen[len(seen)-1])
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestPumpShortWrite(t *testing.T) {
	_, err := chanio.Pump(context.Background(), shortWriter{}, io.NopCloser(bytes.NewReader(make([]byte, 64))), 16, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.ErrorIs(t, err, chanio.ErrIO)
}

func TestPumpCanceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = pw.Write([]byte("partial"))
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := chanio.Pump(ctx, io.Discard, pr, 1024, nil)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not stop after cancellation")
	}
}
