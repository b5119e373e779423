// Package capture owns the microphone lifecycle: device acquisition, chunked
// recording with duration bounds, and artifact assembly.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/viva/internal/exam"
)

const (
	// DefaultMinDuration is the floor below which a stop is deferred rather
	// than producing a truncated or empty artifact.
	DefaultMinDuration = 500 * time.Millisecond

	elapsedInterval = 250 * time.Millisecond
)

// Source delivers time-sliced audio fragments from an open input stream.
// The channel closes when the stream ends; Close must be safe to call twice.
type Source interface {
	Fragments() <-chan []byte
	MIME() string
	Close() error
}

// Microphone is an acquirable audio input device. Acquire is idempotent and
// must leave no partial state behind on failure.
type Microphone interface {
	Acquire(ctx context.Context) error
	Open(ctx context.Context) (Source, error)
	Release()
	Describe() string
}

// Lifecycle is the capture contract consumed by the session controller.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context, maxDuration time.Duration) error
	Stop(ctx context.Context) (exam.Artifact, error)
	Cleanup()
	Elapsed() <-chan time.Duration
}

// Recorder implements Lifecycle on top of a Microphone. Fragments accumulate
// in time slices so a forced stop never loses more than one slice.
type Recorder struct {
	mic         Microphone
	logger      *slog.Logger
	minDuration time.Duration

	elapsed chan time.Duration

	mu          sync.Mutex
	acquired    bool
	active      bool
	srcOpen     bool
	startedAt   time.Time
	frags       [][]byte
	mime        string
	src         Source
	collectDone chan struct{}
	reportStop  chan struct{}
	maxTimer    *time.Timer
}

// NewRecorder builds a recorder with the default minimum capture duration.
func NewRecorder(mic Microphone, logger *slog.Logger) *Recorder {
	return &Recorder{
		mic:         mic,
		logger:      logger,
		minDuration: DefaultMinDuration,
		elapsed:     make(chan time.Duration, 8),
	}
}

// SetMinDuration overrides the stop-deferral floor; zero disables it.
func (r *Recorder) SetMinDuration(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minDuration = d
}

// Elapsed reports capture progress while recording is active, so the timing
// engine and host UI never poll hardware directly.
func (r *Recorder) Elapsed() <-chan time.Duration {
	return r.elapsed
}

// Initialize requests exclusive access to the input device. Repeated calls
// reuse the already-acquired handle.
func (r *Recorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acquired {
		return nil
	}
	if err := r.mic.Acquire(ctx); err != nil {
		return err
	}
	r.acquired = true
	return nil
}

// Start begins capturing and arms the max-duration auto-stop deadline.
// A failed Start leaves the recorder exactly as it was before the call.
func (r *Recorder) Start(ctx context.Context, maxDuration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrAlreadyRecording
	}
	acquiredHere := false
	if !r.acquired {
		if err := r.mic.Acquire(ctx); err != nil {
			return err
		}
		r.acquired = true
		acquiredHere = true
	}

	src, err := r.mic.Open(ctx)
	if err != nil {
		// A failed start leaves the lifecycle exactly as it was before.
		if acquiredHere {
			r.mic.Release()
			r.acquired = false
		}
		return err
	}

	done := make(chan struct{})
	stop := make(chan struct{})
	r.src = src
	r.srcOpen = true
	r.mime = src.MIME()
	r.frags = nil
	r.active = true
	r.startedAt = time.Now()
	r.collectDone = done
	r.reportStop = stop

	go r.collect(src, done)
	go r.report(r.startedAt, stop)

	if maxDuration > 0 {
		r.maxTimer = time.AfterFunc(maxDuration, r.haltIntake)
	}
	return nil
}

// collect appends fragments until the source channel closes.
func (r *Recorder) collect(src Source, done chan struct{}) {
	defer close(done)
	for frag := range src.Fragments() {
		if len(frag) == 0 {
			continue
		}
		r.mu.Lock()
		if r.active {
			r.frags = append(r.frags, frag)
		}
		r.mu.Unlock()
	}
}

// report sends elapsed durations on a fixed cadence while active.
func (r *Recorder) report(startedAt time.Time, stop chan struct{}) {
	ticker := time.NewTicker(elapsedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case r.elapsed <- time.Since(startedAt):
			default:
			}
		}
	}
}

// haltIntake closes the source when the max-duration deadline fires. The
// accumulated fragments stay in place so a later Stop still yields them.
func (r *Recorder) haltIntake() {
	r.mu.Lock()
	src, open := r.src, r.srcOpen
	r.srcOpen = false
	r.mu.Unlock()
	if open && src != nil {
		_ = src.Close()
		if r.logger != nil {
			r.logger.Info("max recording duration reached; intake stopped")
		}
	}
}

// Stop resolves the finished artifact. A stop issued before the minimum
// duration has elapsed is deferred until the minimum is reached.
func (r *Recorder) Stop(ctx context.Context) (exam.Artifact, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return exam.Artifact{}, ErrNoActiveRecording
	}
	wait := r.minDuration - time.Since(r.startedAt)
	r.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			// Teardown-driven contexts still harvest whatever was captured.
		}
	}

	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return exam.Artifact{}, ErrNoActiveRecording
	}
	src, open := r.src, r.srcOpen
	r.srcOpen = false
	done := r.collectDone
	r.mu.Unlock()

	if open && src != nil {
		_ = src.Close()
	}
	if done != nil {
		<-done
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivateLocked()

	if len(r.frags) == 0 {
		return exam.Artifact{}, ErrEmptyCapture
	}

	total := 0
	for _, frag := range r.frags {
		total += len(frag)
	}
	joined := make([]byte, 0, total)
	for _, frag := range r.frags {
		joined = append(joined, frag...)
	}
	r.frags = nil

	mime := r.mime
	if mime == MIMERawPCM {
		return exam.Artifact{Bytes: EncodeWAV(joined, SampleRate, 1), MIME: MIMEWAV}, nil
	}
	return exam.Artifact{Bytes: joined, MIME: mime}, nil
}

// Cleanup releases the device and discards fragments unconditionally. Safe
// from any state, including mid-recording.
func (r *Recorder) Cleanup() {
	r.mu.Lock()
	src, open := r.src, r.srcOpen
	r.srcOpen = false
	done := r.collectDone
	r.deactivateLocked()
	r.frags = nil
	acquired := r.acquired
	r.acquired = false
	r.mu.Unlock()

	if open && src != nil {
		_ = src.Close()
	}
	if done != nil {
		<-done
	}
	if acquired {
		r.mic.Release()
	}
}

// deactivateLocked tears down per-recording state; callers hold r.mu.
func (r *Recorder) deactivateLocked() {
	if r.maxTimer != nil {
		r.maxTimer.Stop()
		r.maxTimer = nil
	}
	if r.reportStop != nil {
		close(r.reportStop)
		r.reportStop = nil
	}
	r.active = false
	r.src = nil
	r.collectDone = nil
}
