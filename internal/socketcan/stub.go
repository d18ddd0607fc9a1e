//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

var errUnsupported = errors.New("socketcan: only supported on linux")

// Device is a placeholder so callers compile on other platforms.
type Device struct{}

func Open(string) (*Device, error) { return nil, errUnsupported }

func (*Device) Close() error               { return errUnsupported }
func (*Device) ReadFrame(*can.Frame) error { return errUnsupported }
func (*Device) WriteFrame(can.Frame) error { return errUnsupported }
