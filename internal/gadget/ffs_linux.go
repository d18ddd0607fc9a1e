//go:build linux

package gadget

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FunctionFS is a mounted FunctionFS instance.
type FunctionFS struct {
	dir string
	ep0 *os.File
}

// Open opens ep0 under dir and writes the descriptors and strings. The
// gadget becomes visible to the host once the UDC is bound.
func Open(dir, iface string) (*FunctionFS, error) {
	f, err := os.OpenFile(filepath.Join(dir, "ep0"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open ep0: %w", err)
	}
	if _, err := f.Write(Descriptors()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write descriptors: %w", err)
	}
	if _, err := f.Write(Strings(iface)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write strings: %w", err)
	}
	return &FunctionFS{dir: dir, ep0: f}, nil
}

func (f *FunctionFS) Read(p []byte) (int, error)  { return f.ep0.Read(p) }
func (f *FunctionFS) Write(p []byte) (int, error) { return f.ep0.Write(p) }
func (f *FunctionFS) Close() error                { return f.ep0.Close() }

// Stall halts the pending request: a zero-length transfer against the data
// stage direction. The kernel answers EL2HLT once the stall is set.
func (f *FunctionFS) Stall(in bool) error {
	err := f.raw(func(fd int) error {
		var err error
		if in {
			_, err = unix.Read(fd, nil)
		} else {
			_, err = unix.Write(fd, nil)
		}
		return err
	})
	if err == unix.EL2HLT {
		return nil
	}
	return err
}

// AckOut completes the status stage of an OUT request with no data.
func (f *FunctionFS) AckOut() error {
	return f.raw(func(fd int) error {
		_, err := unix.Read(fd, nil)
		return err
	})
}

// raw runs fn on the ep0 descriptor. Zero-length transfers have to bypass
// os.File, which returns early on empty buffers.
func (f *FunctionFS) raw(fn func(fd int) error) error {
	rc, err := f.ep0.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

// OpenBulk opens ep1 (IN) and ep2 (OUT).
func (f *FunctionFS) OpenBulk() (io.WriteCloser, io.ReadCloser, error) {
	in, err := os.OpenFile(filepath.Join(f.dir, "ep1"), os.O_WRONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open ep1: %w", err)
	}
	out, err := os.OpenFile(filepath.Join(f.dir, "ep2"), os.O_RDONLY, 0)
	if err != nil {
		_ = in.Close()
		return nil, nil, fmt.Errorf("open ep2: %w", err)
	}
	return in, out, nil
}

// Run opens the FunctionFS instance mounted at dir and serves g until ctx
// is done.
func Run(ctx context.Context, dir string, g *Gadget) error {
	f, err := Open(dir, DefaultInterfaceName)
	if err != nil {
		return err
	}
	g.logger.Info("ffs_ready", "dir", dir)
	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()
	defer f.Close()
	return g.Serve(ctx, f, f.OpenBulk)
}
