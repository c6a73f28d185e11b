// Package splice implements the splice engine (C7): concurrent bidirectional
// copy between two byte streams, with a kill switch, graceful half-close on
// exit, and an optional tap that clones bytes to a dissector pipeline
// without ever slowing or altering the splice itself.
package splice

import (
	"context"
	"io"
	"sync"

	"github.com/devolutions/gateway-go/internal/shutdown"
)

// DefaultBufferSize is used when no override is configured, matching the
// gateway's general-purpose TCP/WS throughput profile.
const DefaultBufferSize = 32 * 1024

// Tap receives a read-only copy of every chunk read from one side of the
// splice. Implementations must not block: Run calls Observe synchronously
// from both copy loops, so a slow tap would stall the copy. ChannelTap is
// the implementation that drops to a bounded channel and stops delivering
// once its consumer can't keep up.
type Tap interface {
	// Observe is called with direction ("a->b" or "b->a") and a fresh copy
	// of the bytes just read, which the tap may keep. It may be called
	// from both directions concurrently.
	Observe(direction string, chunk []byte)
}

// Chunk is one observed read, tagged with its direction.
type Chunk struct {
	Direction string
	Data      []byte
}

// ChannelTap is a Tap that forwards chunks to a bounded channel and, once
// a consumer falls behind and the channel fills up, silently stops
// forwarding rather than ever applying backpressure to the splice —
// exactly the "drops to a bounded channel; overflow ends the tap but not
// the splice" contract.
type ChannelTap struct {
	ch      chan Chunk
	mu      sync.Mutex
	stopped bool
}

// NewChannelTap builds a ChannelTap with the given channel capacity.
func NewChannelTap(capacity int) *ChannelTap {
	return &ChannelTap{ch: make(chan Chunk, capacity)}
}

// Chunks returns the channel chunks are delivered on. It is closed once the
// tap is stopped via Stop.
func (t *ChannelTap) Chunks() <-chan Chunk { return t.ch }

func (t *ChannelTap) Observe(direction string, chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.ch <- Chunk{Direction: direction, Data: chunk}:
	default:
		t.stopped = true
		close(t.ch)
	}
}

// Stop ends the tap; safe to call more than once.
func (t *ChannelTap) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.ch)
}

// Result reports how a Splice call ended.
type Result struct {
	BytesAtoB int64
	BytesBtoA int64
	ErrAtoB   error
	ErrBtoA   error
}

// Options configures a single Splice call.
type Options struct {
	BufferSize int
	Tap        Tap
}

// Run copies a<->b concurrently until both directions finish (EOF or
// error) or ctx is canceled, then gracefully half-closes both sides and
// returns once both copy goroutines have exited. Errors from each
// direction are returned unclassified (io.EOF is reported as nil); callers
// classify them with the shutdown package to log benign closes at a lower
// level than real failures.
func Run(ctx context.Context, a, b io.ReadWriteCloser, opts Options) Result {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
			_ = b.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	var res Result
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := copyTapped(a, b, bufSize, "a->b", opts.Tap)
		res.BytesAtoB = n
		res.ErrAtoB = err
		shutdown.CloseGraceful(b)
	}()

	go func() {
		defer wg.Done()
		n, err := copyTapped(b, a, bufSize, "b->a", opts.Tap)
		res.BytesBtoA = n
		res.ErrBtoA = err
		shutdown.CloseGraceful(a)
	}()

	wg.Wait()
	close(done)
	return res
}

func copyTapped(dst io.Writer, src io.Reader, bufSize int, direction string, tap Tap) (int64, error) {
	buf := make([]byte, bufSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if tap != nil {
				tapCopy := make([]byte, n)
				copy(tapCopy, buf[:n])
				tap.Observe(direction, tapCopy)
			}
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if w < n {
				return total, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}
