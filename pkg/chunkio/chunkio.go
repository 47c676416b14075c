// Package chunkio splits large file reads and writes into fixed-size chunks
// processed concurrently by a bounded worker pool.
//
// The output is byte-for-byte identical to a sequential implementation: read
// chunks land at their own offsets in a single preallocated buffer, write
// chunks land at their own offsets in the destination. A failure in any
// chunk aborts the whole operation and surfaces the first error; no partial
// success is ever reported.
//
// Atomicity is the caller's concern and is preserved by construction: the
// repositories point WriteAt at the temporary file inside an atomic write,
// so the rename into place happens only after every chunk has succeeded, and
// cancellation before the rename leaves no visible effect.
package chunkio

import (
	"context"
	"fmt"
	"io"
	"sync"
)

const (
	defaultThreshold = 8 << 20 // 8MB
	defaultChunkSize = 1 << 20 // 1MB
	defaultWorkers   = 4
)

// Config tunes the processor. Zero values select the defaults above.
type Config struct {
	// Threshold is the size in bytes from which repositories route I/O
	// through the processor instead of the sequential path.
	Threshold int64

	// ChunkSize is the fixed chunk length in bytes.
	ChunkSize int

	// Workers bounds the number of concurrent chunk operations.
	Workers int
}

// Processor performs chunked, concurrent reads and writes.
//
// Thread Safety: Safe for concurrent use; each call owns its worker pool.
type Processor struct {
	threshold int64
	chunkSize int
	workers   int
}

func NewProcessor(cfg Config) *Processor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Processor{threshold: cfg.Threshold, chunkSize: cfg.ChunkSize, workers: cfg.Workers}
}

// Threshold reports the size from which callers should prefer the processor.
func (p *Processor) Threshold() int64 {
	return p.threshold
}

// chunk is a half-open byte range [off, off+length).
type chunk struct {
	off    int64
	length int
}

// ReadAll reads size bytes from src into a single buffer using concurrent
// chunk reads. src must support independent reads at arbitrary offsets
// (*os.File does).
func (p *Processor) ReadAll(ctx context.Context, src io.ReaderAt, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative size %d", size)
	}

	out := make([]byte, size)
	err := p.run(ctx, size, func(c chunk) error {
		buf := out[c.off : c.off+int64(c.length)]
		n, err := src.ReadAt(buf, c.off)
		if n == c.length {
			// A full read may still return io.EOF on the final chunk.
			return nil
		}
		if err != nil {
			return fmt.Errorf("read chunk at %d: %w", c.off, err)
		}
		return fmt.Errorf("read chunk at %d: %w", c.off, io.ErrUnexpectedEOF)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteAll writes data to dst using concurrent chunk writes at fixed
// offsets. Callers hand in the temporary file of an atomic write so the
// all-or-nothing contract holds: the rename happens only after WriteAll
// returns nil.
func (p *Processor) WriteAll(ctx context.Context, dst io.WriterAt, data []byte) error {
	return p.run(ctx, int64(len(data)), func(c chunk) error {
		if _, err := dst.WriteAt(data[c.off:c.off+int64(c.length)], c.off); err != nil {
			return fmt.Errorf("write chunk at %d: %w", c.off, err)
		}
		return nil
	})
}

// run fans chunk jobs out to a bounded worker pool and waits. The first
// error cancels the pool; workers observe cancellation between chunk
// boundaries, never mid-chunk.
func (p *Processor) run(ctx context.Context, total int64, process func(chunk) error) error {
	if total == 0 {
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan chunk)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	workers := p.workers
	if chunks := int((total + int64(p.chunkSize) - 1) / int64(p.chunkSize)); workers > chunks {
		workers = chunks
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if ctx.Err() != nil {
					return
				}
				if err := process(c); err != nil {
					fail(err)
					return
				}
			}
		}()
	}

	for off := int64(0); off < total; off += int64(p.chunkSize) {
		length := p.chunkSize
		if remaining := total - off; remaining < int64(length) {
			length = int(remaining)
		}

		select {
		case jobs <- chunk{off: off, length: length}:
		case <-ctx.Done():
			off = total // stop feeding; drain below
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
