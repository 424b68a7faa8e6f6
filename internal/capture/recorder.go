package capture

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"
	"etwpipe/internal/logger"

	"github.com/google/uuid"
	"github.com/phuslu/log"
)

// RecorderState is the recorder lifecycle: Idle -> Recording -> Flushing -> Closed.
// An encode, compression or write error moves Recording to Failed; Stop then
// closes the file without finalizing the header.
type RecorderState int32

const (
	RecorderIdle RecorderState = iota
	RecorderRecording
	RecorderFlushing
	RecorderClosed
	RecorderFailed
)

var recorderStateNames = [...]string{"idle", "recording", "flushing", "closed", "failed"}

func (s RecorderState) String() string {
	if int(s) < len(recorderStateNames) {
		return recorderStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithCompression selects the frame codec. The default is zstd.
func WithCompression(c Compression) RecorderOption {
	return func(r *Recorder) { r.header.Compression = c }
}

// Recorder writes events to a container. Observe has the signature of a
// session tap, so a recorder can be attached to a running session.
type Recorder struct {
	mu     sync.Mutex
	w      io.WriteSeeker
	bw     *bufio.Writer
	closer io.Closer
	codec  Codec
	header Header
	state  RecorderState
	err    error

	first, last int64
	started     bool

	frame   []byte
	payload []byte
	log     log.Logger
}

// NewRecorder prepares a recorder writing to w. The header is written on
// Start and rewritten with the final counts on Stop, which is why w must be
// seekable.
func NewRecorder(w io.WriteSeeker, providers []uuid.UUID, opts ...RecorderOption) (*Recorder, error) {
	r := &Recorder{
		w:  w,
		bw: bufio.NewWriterSize(w, 64<<10),
		header: Header{
			Version:     FormatVersion,
			Compression: CompressionZstd,
			Providers:   append([]uuid.UUID(nil), providers...),
		},
		log: logger.NewLoggerWithContext("recorder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	codec, err := NewCodec(r.header.Compression)
	if err != nil {
		return nil, err
	}
	r.codec = codec
	return r, nil
}

// Create creates path (and its directory) and returns a recorder that owns
// the file.
func Create(path string, providers []uuid.UUID, opts ...RecorderOption) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	r, err := NewRecorder(f, providers, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	r.log.Context = log.NewContext(r.log.Context).Str("path", path).Value()
	return r, nil
}

// Start writes the provisional header.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RecorderIdle {
		return fmt.Errorf("%w: cannot start a %s recorder", etwerr.ErrInvalidState, r.state)
	}
	hdr, err := r.header.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := r.bw.Write(hdr); err != nil {
		return fmt.Errorf("failed to write capture header: %w", err)
	}
	r.state = RecorderRecording
	r.log.Info().Str("compression", r.header.Compression.String()).
		Int("providers", len(r.header.Providers)).Msg("Recording started")
	return nil
}

// Observe appends ev as one frame.
func (r *Recorder) Observe(ev *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	if r.state != RecorderRecording {
		return fmt.Errorf("%w: cannot record to a %s recorder", etwerr.ErrInvalidState, r.state)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return r.fail(fmt.Errorf("failed to encode event: %w", err))
	}
	r.payload, err = r.codec.Compress(r.payload, raw)
	if err != nil {
		if !errors.Is(err, etwerr.ErrCompression) {
			err = fmt.Errorf("%w: %w", etwerr.ErrCompression, err)
		}
		return r.fail(err)
	}

	ticks := ev.Timestamp.Ticks
	var delta uint64
	if !r.started {
		r.first, r.last, r.started = ticks, ticks, true
	} else if ticks > r.last {
		// A timestamp older than the previous frame is recorded with
		// delta 0 so frame times never go backwards.
		delta = uint64(ticks - r.last)
		r.last = ticks
	}

	r.frame = appendFrame(r.frame[:0], delta, r.payload)
	if _, err := r.bw.Write(r.frame); err != nil {
		return r.fail(fmt.Errorf("failed to write frame: %w", err))
	}
	r.header.EventCount++
	return nil
}

// fail makes err terminal. Nothing is written after a lost frame, so the
// container never has a gap.
func (r *Recorder) fail(err error) error {
	r.err = err
	r.state = RecorderFailed
	r.log.Error().Err(err).Uint64("events", r.header.EventCount).Msg("Recording failed")
	return err
}

// Stop flushes buffered frames, finalizes the header and closes the file
// when the recorder owns it. After a failure it only closes and returns the
// failure. Stopping a closed recorder returns the same result again.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case RecorderClosed:
		return r.err
	case RecorderIdle:
		return fmt.Errorf("%w: recorder was never started", etwerr.ErrInvalidState)
	case RecorderFailed:
		_ = r.release()
		r.state = RecorderClosed
		return r.err
	}
	r.state = RecorderFlushing

	err := r.finalize()
	if cerr := r.release(); err == nil {
		err = cerr
	}
	r.err = err
	r.state = RecorderClosed

	r.log.Info().Uint64("events", r.header.EventCount).Uint64("duration_ticks", r.header.DurationTicks).
		Err(err).Msg("Recording stopped")
	return err
}

// release closes the codec and, when the recorder owns it, the file.
func (r *Recorder) release() error {
	var err error
	if cerr := r.codec.Close(); cerr != nil {
		err = fmt.Errorf("%w: %w", etwerr.ErrCompression, cerr)
	}
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close capture file: %w", cerr)
		}
	}
	return err
}

func (r *Recorder) finalize() error {
	if err := r.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush frames: %w", err)
	}
	if r.started {
		r.header.DurationTicks = uint64(r.last - r.first)
	}
	hdr, err := r.header.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := r.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind capture: %w", err)
	}
	if _, err := r.w.Write(hdr); err != nil {
		return fmt.Errorf("failed to rewrite capture header: %w", err)
	}
	if _, err := r.w.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek capture end: %w", err)
	}
	return nil
}

// State returns the lifecycle state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Count is the number of frames written.
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.EventCount
}

// Header returns a copy of the current header.
func (r *Recorder) Header() Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.header
	h.Providers = append([]uuid.UUID(nil), h.Providers...)
	return h
}
