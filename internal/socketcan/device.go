//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

// Device is a CAN_RAW socket bound to one interface.
type Device struct {
	fd int
}

type sockopt struct {
	name     string
	opt, val int
}

// Classic frames only; our own transmissions are reported through the
// transport, not read back; every error class is delivered as an error
// frame. Kernels without an option are tolerated.
var rawOpts = []sockopt{
	{"fd_frames", unix.CAN_RAW_FD_FRAMES, 0},
	{"recv_own_msgs", unix.CAN_RAW_RECV_OWN_MSGS, 0},
	{"err_filter", unix.CAN_RAW_ERR_FILTER, can.CAN_EFF_MASK},
}

func Open(iface string) (*Device, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan: interface %q: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: socket: %w", err)
	}
	for _, o := range rawOpts {
		err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, o.opt, o.val)
		if err != nil && !errors.Is(err, unix.ENOPROTOOPT) {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("socketcan: %s: %w", o.name, err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind %s: %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame blocks for the next frame. Error frames come back as
// ErrBusError so the caller can report them without counting traffic.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [frameSize]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	return unpackFrame(buf[:n], fr)
}

func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [frameSize]byte
	packFrame(&buf, fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
