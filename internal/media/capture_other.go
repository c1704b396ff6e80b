//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

type unsupportedCapturer struct{}

// NewDeviceCapturer returns a capturer that reports no devices on platforms
// without a capture driver.
func NewDeviceCapturer(log *zap.Logger) Capturer {
	if log != nil {
		log.Named("capture").Warn("device capture unsupported", zap.String("os", runtime.GOOS))
	}
	return unsupportedCapturer{}
}

func (unsupportedCapturer) Open(context.Context, Constraints) ([]Source, error) {
	return nil, fmt.Errorf("capture on %s: %w", runtime.GOOS, ErrDeviceNotFound)
}
