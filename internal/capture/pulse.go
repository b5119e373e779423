package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// SampleRate is the capture rate for all exam recordings.
	SampleRate = 16000

	// fragmentBytes is one 100ms slice @ 16kHz mono s16. A forced stop can
	// lose at most one of these.
	fragmentBytes = 3200

	MIMERawPCM = "audio/x-raw-pcm16"
	MIMEWAV    = "audio/wav"
)

// Device describes one input source surfaced to the exam session.
type Device struct {
	ID          string
	Description string
	Available   bool
	Muted       bool
	Default     bool
}

// ListDevices returns input sources with default/availability metadata.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("viva"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect audio server: %v", ErrNotSupported, err)
	}
	defer client.Close()
	return listDevices(client)
}

func listDevices(client *pulse.Client) ([]Device, error) {
	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("%w: read default source: %v", ErrDeviceUnavailable, err)
	}
	defaultID := defaultSource.ID()

	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("%w: list sources: %v", ErrDeviceUnavailable, err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          info.SourceName,
			Description: info.Device,
			Available:   portAvailable(info),
			Muted:       info.Mute,
			Default:     info.SourceName == defaultID,
		})
	}
	return devices, nil
}

// Selection is the outcome of live device resolution.
type Selection struct {
	Device  Device
	Warning string
}

// SelectDevice resolves preferred/fallback terms against the live
// source list, surfacing the fallback warning to diagnostics.
func SelectDevice(ctx context.Context, preferred, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	device, warning, err := pickDevice(devices, preferred, fallback)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Device: device, Warning: warning}, nil
}

// pickDevice resolves preferred/fallback terms against the live device list.
// The returned warning is non-empty when the preferred device was bypassed.
func pickDevice(devices []Device, preferred, fallback string) (Device, string, error) {
	if len(devices) == 0 {
		return Device{}, "", ErrDeviceUnavailable
	}

	preferred = strings.TrimSpace(strings.ToLower(preferred))
	fallback = strings.TrimSpace(strings.ToLower(fallback))

	find := func(term string) *Device {
		if term == "" || term == "default" {
			for i := range devices {
				if devices[i].Default {
					return &devices[i]
				}
			}
			return nil
		}
		for i := range devices {
			id := strings.ToLower(devices[i].ID)
			desc := strings.ToLower(devices[i].Description)
			if strings.Contains(id, term) || strings.Contains(desc, term) {
				return &devices[i]
			}
		}
		return nil
	}

	primary := find(preferred)
	if primary == nil {
		return Device{}, "", fmt.Errorf("%w: input %q did not match any device", ErrDeviceUnavailable, preferred)
	}
	if primary.Available && !primary.Muted {
		return *primary, "", nil
	}

	reason := "unavailable"
	if primary.Muted {
		reason = "muted"
	}
	alternate := find(fallback)
	if alternate == nil || !alternate.Available || alternate.Muted {
		return Device{}, "", fmt.Errorf("%w: input %q is %s and no usable fallback", ErrDeviceUnavailable, primary.ID, reason)
	}
	warning := fmt.Sprintf("input %q is %s; falling back to %q", primary.ID, reason, alternate.ID)
	return *alternate, warning, nil
}

func portAvailable(info *pulseproto.GetSourceInfoReply) bool {
	if info == nil {
		return false
	}
	if len(info.Ports) == 0 {
		return true
	}
	for _, port := range info.Ports {
		if port.Name != info.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}

// PulseMicrophone implements Microphone on a PulseAudio input source.
type PulseMicrophone struct {
	preferred string
	fallback  string

	mu     sync.Mutex
	client *pulse.Client
	device Device
}

// NewPulseMicrophone builds a microphone bound to device preference terms.
func NewPulseMicrophone(preferred, fallback string) *PulseMicrophone {
	return &PulseMicrophone{preferred: preferred, fallback: fallback}
}

// Acquire connects to the audio server and resolves the capture device.
// Repeated calls reuse the open connection.
func (m *PulseMicrophone) Acquire(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}

	client, err := pulse.NewClient(
		pulse.ClientApplicationName("viva"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "access denied") {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("%w: connect audio server: %v", ErrNotSupported, err)
	}

	devices, err := listDevices(client)
	if err != nil {
		client.Close()
		return err
	}
	device, _, err := pickDevice(devices, m.preferred, m.fallback)
	if err != nil {
		client.Close()
		return err
	}

	m.client = client
	m.device = device
	return nil
}

// Open starts a 16kHz mono s16 record stream sliced into fragments.
func (m *PulseMicrophone) Open(_ context.Context) (Source, error) {
	m.mu.Lock()
	client := m.client
	device := m.device
	m.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("%w: microphone not acquired", ErrDeviceUnavailable)
	}

	source, err := client.SourceByID(device.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve source %q: %v", ErrDeviceUnavailable, device.ID, err)
	}

	ps := &pulseSource{
		fragments: make(chan []byte, 128),
		stopCh:    make(chan struct{}),
	}
	writer := pulse.NewWriter(writerFunc(ps.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(fragmentBytes),
		pulse.RecordMediaName("viva exam response"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create record stream: %v", ErrDeviceUnavailable, err)
	}
	ps.stream = stream
	stream.Start()
	return ps, nil
}

// Release closes the audio server connection.
func (m *PulseMicrophone) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.device = Device{}
}

// Describe returns device metadata for logs and diagnostics.
func (m *PulseMicrophone) Describe() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device.ID == "" {
		return "unacquired"
	}
	if m.device.Description == "" {
		return m.device.ID
	}
	return fmt.Sprintf("%s (%s)", m.device.Description, m.device.ID)
}

// pulseSource adapts one record stream into the Source fragment contract.
type pulseSource struct {
	stream *pulse.RecordStream

	fragments chan []byte
	stopCh    chan struct{}

	mu       sync.Mutex
	pending  []byte
	stopped  bool
	inflight sync.WaitGroup
}

func (s *pulseSource) Fragments() <-chan []byte {
	return s.fragments
}

func (s *pulseSource) MIME() string {
	return MIMERawPCM
}

// Close halts the stream, flushes the residual fragment, and closes the
// fragment channel exactly once.
func (s *pulseSource) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
	}
	s.inflight.Wait()

	s.mu.Lock()
	residual := append([]byte(nil), s.pending...)
	s.pending = nil
	s.mu.Unlock()

	if len(residual) > 0 {
		select {
		case s.fragments <- residual:
		default:
		}
	}
	close(s.fragments)
	return nil
}

// onPCM receives raw frames and emits fragmentBytes slices.
func (s *pulseSource) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-s.stopCh:
		return 0, io.EOF
	default:
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, io.EOF
	}
	// Guard Add under the same mutex as s.stopped to avoid Add/Wait races.
	s.inflight.Add(1)
	s.pending = append(s.pending, buffer...)

	ready := make([][]byte, 0, len(s.pending)/fragmentBytes)
	for len(s.pending) >= fragmentBytes {
		frag := make([]byte, fragmentBytes)
		copy(frag, s.pending[:fragmentBytes])
		s.pending = s.pending[fragmentBytes:]
		ready = append(ready, frag)
	}
	s.mu.Unlock()
	defer s.inflight.Done()

	for _, frag := range ready {
		select {
		case <-s.stopCh:
			return 0, io.EOF
		case s.fragments <- frag:
		}
	}
	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// EncodeWAV wraps raw little-endian PCM16 bytes with a minimal WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	const bitsPerSample = 16
	byteRate := sampleRate * channels * (bitsPerSample / 8)
	blockAlign := channels * (bitsPerSample / 8)

	out := make([]byte, 44+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
