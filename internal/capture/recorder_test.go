package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSource pushes one fragment per interval until closed.
type fakeSource struct {
	interval time.Duration
	mime     string

	once      sync.Once
	fragments chan []byte
	stop      chan struct{}
	done      chan struct{}
}

func newFakeSource(interval time.Duration) *fakeSource {
	s := &fakeSource{
		interval:  interval,
		mime:      "audio/webm",
		fragments: make(chan []byte, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				select {
				case s.fragments <- []byte{0x01, 0x02, 0x03, 0x04}:
				case <-s.stop:
					return
				}
			}
		}
	}()
	return s
}

func (s *fakeSource) Fragments() <-chan []byte { return s.fragments }
func (s *fakeSource) MIME() string             { return s.mime }

func (s *fakeSource) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		close(s.fragments)
	})
	return nil
}

type fakeMicrophone struct {
	mu         sync.Mutex
	acquireErr error
	openErr    error
	acquires   int
	releases   int
	interval   time.Duration
	sources    []*fakeSource
}

func (m *fakeMicrophone) Acquire(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return m.acquireErr
	}
	m.acquires++
	return nil
}

func (m *fakeMicrophone) Open(context.Context) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	interval := m.interval
	if interval == 0 {
		interval = 20 * time.Millisecond
	}
	src := newFakeSource(interval)
	m.sources = append(m.sources, src)
	return src, nil
}

func (m *fakeMicrophone) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
}

func (m *fakeMicrophone) Describe() string { return "fake mic" }

func TestInitializeIsIdempotent(t *testing.T) {
	mic := &fakeMicrophone{}
	rec := NewRecorder(mic, nil)

	require.NoError(t, rec.Initialize(context.Background()))
	require.NoError(t, rec.Initialize(context.Background()))
	require.Equal(t, 1, mic.acquires)
}

func TestInitializePropagatesDeviceErrors(t *testing.T) {
	mic := &fakeMicrophone{acquireErr: ErrPermissionDenied}
	rec := NewRecorder(mic, nil)

	err := rec.Initialize(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.True(t, IsDeviceError(err))
}

func TestStartWhileActiveFails(t *testing.T) {
	mic := &fakeMicrophone{}
	rec := NewRecorder(mic, nil)
	t.Cleanup(rec.Cleanup)

	require.NoError(t, rec.Start(context.Background(), time.Minute))
	require.ErrorIs(t, rec.Start(context.Background(), time.Minute), ErrAlreadyRecording)
}

func TestFailedStartLeavesStateUnchanged(t *testing.T) {
	mic := &fakeMicrophone{openErr: ErrDeviceUnavailable}
	rec := NewRecorder(mic, nil)

	require.ErrorIs(t, rec.Start(context.Background(), time.Minute), ErrDeviceUnavailable)

	// A later stop must still report nothing recording.
	_, err := rec.Stop(context.Background())
	require.ErrorIs(t, err, ErrNoActiveRecording)
}

func TestStopDefersUntilMinimumDuration(t *testing.T) {
	mic := &fakeMicrophone{interval: 50 * time.Millisecond}
	rec := NewRecorder(mic, nil)
	t.Cleanup(rec.Cleanup)

	started := time.Now()
	require.NoError(t, rec.Start(context.Background(), time.Minute))
	time.Sleep(100 * time.Millisecond)

	art, err := rec.Stop(context.Background())
	elapsed := time.Since(started)
	require.NoError(t, err)
	require.GreaterOrEqual(t, elapsed, DefaultMinDuration)
	require.False(t, art.Empty())
	require.Equal(t, "audio/webm", art.MIME)
}

func TestStopWithoutStartFails(t *testing.T) {
	rec := NewRecorder(&fakeMicrophone{}, nil)
	_, err := rec.Stop(context.Background())
	require.ErrorIs(t, err, ErrNoActiveRecording)
}

func TestStopWithNoFragmentsReportsEmptyCapture(t *testing.T) {
	mic := &fakeMicrophone{interval: time.Hour} // never produces a fragment
	rec := NewRecorder(mic, nil)
	rec.SetMinDuration(0)
	t.Cleanup(rec.Cleanup)

	require.NoError(t, rec.Start(context.Background(), time.Minute))
	_, err := rec.Stop(context.Background())
	require.ErrorIs(t, err, ErrEmptyCapture)
}

func TestMaxDurationHaltsIntakeButKeepsArtifact(t *testing.T) {
	mic := &fakeMicrophone{interval: 10 * time.Millisecond}
	rec := NewRecorder(mic, nil)
	rec.SetMinDuration(0)
	t.Cleanup(rec.Cleanup)

	require.NoError(t, rec.Start(context.Background(), 80*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	// Intake stopped at the deadline, yet stop still resolves the sample.
	art, err := rec.Stop(context.Background())
	require.NoError(t, err)
	require.False(t, art.Empty())
}

func TestElapsedReportsProgress(t *testing.T) {
	mic := &fakeMicrophone{interval: 10 * time.Millisecond}
	rec := NewRecorder(mic, nil)
	t.Cleanup(rec.Cleanup)

	require.NoError(t, rec.Start(context.Background(), time.Minute))

	select {
	case d := <-rec.Elapsed():
		require.Greater(t, d, time.Duration(0))
	case <-time.After(2 * time.Second):
		t.Fatal("no elapsed report received")
	}
}

func TestCleanupSafeFromAnyState(t *testing.T) {
	mic := &fakeMicrophone{}
	rec := NewRecorder(mic, nil)

	rec.Cleanup() // nothing acquired

	require.NoError(t, rec.Initialize(context.Background()))
	require.NoError(t, rec.Start(context.Background(), time.Minute))
	rec.Cleanup() // mid-recording: abrupt stop, no artifact
	rec.Cleanup() // repeated

	require.Equal(t, 1, mic.releases)
	_, err := rec.Stop(context.Background())
	require.ErrorIs(t, err, ErrNoActiveRecording)
}

func TestPickDevicePrefersMatchThenFallsBack(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb_mic", Description: "USB Microphone", Available: true},
		{ID: "alsa_input.internal", Description: "Internal Microphone", Available: true, Default: true},
		{ID: "alsa_input.headset", Description: "Headset", Available: false},
	}

	picked, warning, err := pickDevice(devices, "usb", "")
	require.NoError(t, err)
	require.Empty(t, warning)
	require.Equal(t, "alsa_input.usb_mic", picked.ID)

	picked, _, err = pickDevice(devices, "default", "")
	require.NoError(t, err)
	require.Equal(t, "alsa_input.internal", picked.ID)
}

func TestPickDeviceFallsBackWhenPreferredMuted(t *testing.T) {
	devices := []Device{
		{ID: "usb", Description: "USB Microphone", Available: true, Muted: true},
		{ID: "internal", Description: "Internal Microphone", Available: true, Default: true},
	}

	picked, warning, err := pickDevice(devices, "usb", "default")
	require.NoError(t, err)
	require.NotEmpty(t, warning)
	require.Equal(t, "internal", picked.ID)
}

func TestPickDeviceErrors(t *testing.T) {
	_, _, err := pickDevice(nil, "default", "")
	require.ErrorIs(t, err, ErrDeviceUnavailable)

	devices := []Device{{ID: "usb", Available: false}}
	_, _, err = pickDevice(devices, "usb", "")
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 320)
	wav := EncodeWAV(pcm, SampleRate, 1)
	require.Len(t, wav, 44+len(pcm))
	require.Equal(t, "RIFF", string(wav[0:4]))
	require.Equal(t, "WAVE", string(wav[8:12]))
	require.Equal(t, "data", string(wav[36:40]))
}
