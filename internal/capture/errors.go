package capture

import "errors"

// Device-class failures. Each maps to user-facing messaging in the session
// controller; none is ever silently swallowed.
var (
	// ErrDeviceUnavailable indicates no usable audio input device exists.
	ErrDeviceUnavailable = errors.New("no audio input device available")
	// ErrPermissionDenied indicates the runtime refused microphone access.
	ErrPermissionDenied = errors.New("microphone access denied")
	// ErrNotSupported indicates the runtime lacks recording capability.
	ErrNotSupported = errors.New("audio recording not supported in this runtime")
	// ErrAlreadyRecording indicates Start was called while capture is active.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNoActiveRecording indicates Stop was called with nothing recording.
	ErrNoActiveRecording = errors.New("no active recording")
	// ErrEmptyCapture indicates a stop completed with zero data fragments.
	ErrEmptyCapture = errors.New("no audio data captured")
)

// IsDeviceError reports whether err belongs to the device failure class.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrNotSupported)
}
