package media

import (
	"errors"
	"os"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrInsecureContext  = errors.New("media capture requires a secure context")

	ErrAlreadyAcquired = errors.New("local media already acquired")
	ErrReleased        = errors.New("local media released")
	ErrNoTrack         = errors.New("no local track of that kind")
	ErrNoVideoSender   = errors.New("connection has no outbound video sender")
)

// DeviceErrorKind classifies capture failures for the user-facing banner
type DeviceErrorKind int

const (
	DeviceErrorUnknown DeviceErrorKind = iota
	DeviceErrorPermissionDenied
	DeviceErrorNotFound
	DeviceErrorInsecureContext
)

func (k DeviceErrorKind) String() string {
	switch k {
	case DeviceErrorPermissionDenied:
		return "permission-denied"
	case DeviceErrorNotFound:
		return "device-not-found"
	case DeviceErrorInsecureContext:
		return "insecure-context"
	}
	return "unknown"
}

// DeviceError is a classified capture failure. It is never fatal to the
// session; the affected track is simply absent.
type DeviceError struct {
	Kind DeviceErrorKind
	Err  error
}

func (e *DeviceError) Error() string {
	return "media capture (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *DeviceError) Unwrap() error { return e.Err }

// UserMessage is the text shown in the persistent media banner.
func (e *DeviceError) UserMessage() string {
	switch e.Kind {
	case DeviceErrorPermissionDenied:
		return "Access to the camera or microphone was denied. Allow the devices in your system settings."
	case DeviceErrorNotFound:
		return "No camera or microphone was found. Connect a device and try again."
	case DeviceErrorInsecureContext:
		return "Video calls require a secure connection. Open the consultation over HTTPS."
	}
	return "Could not access the camera or microphone. Check the device permissions."
}

// Classify wraps err into a DeviceError. Drivers rarely return typed errors,
// so well known messages are matched as a fallback.
func Classify(err error) *DeviceError {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	return &DeviceError{Kind: classifyKind(err), Err: err}
}

func classifyKind(err error) DeviceErrorKind {
	switch {
	case errors.Is(err, ErrInsecureContext):
		return DeviceErrorInsecureContext
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, os.ErrPermission):
		return DeviceErrorPermissionDenied
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, os.ErrNotExist):
		return DeviceErrorNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "secure"), strings.Contains(msg, "https"):
		return DeviceErrorInsecureContext
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not allowed"):
		return DeviceErrorPermissionDenied
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such device"),
		strings.Contains(msg, "failed to find"):
		return DeviceErrorNotFound
	}
	return DeviceErrorUnknown
}
