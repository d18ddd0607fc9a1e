// Package capture records bus traffic to a pcap file readable by Wireshark
// (LINKTYPE_CAN_SOCKETCAN).
package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

// LinkTypeSocketCAN is LINKTYPE_CAN_SOCKETCAN.
const LinkTypeSocketCAN = layers.LinkType(227)

// recordSize is the SocketCAN pseudo header plus 8 data bytes.
const recordSize = 16

// Direction tells whether a frame was read from or written to the bus.
type Direction uint8

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "tx"
	}
	return "rx"
}

// Writer appends frames to a pcap stream. Safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	counts [2]uint64
}

// Create opens path for writing and emits the pcap file header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes the pcap file header to out.
func NewWriter(out io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(out)
	if err := pw.WriteFileHeader(65535, LinkTypeSocketCAN); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{w: pw}, nil
}

// Record appends one frame. The can_id word is written big-endian with the
// EFF and RTR flags, as Wireshark expects.
func (w *Writer) Record(dir Direction, fr can.Frame, ts time.Time) error {
	var b [recordSize]byte
	binary.BigEndian.PutUint32(b[0:4], fr.RawID())
	b[4] = fr.DLC()
	copy(b[8:], fr.Payload())
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: recordSize, Length: recordSize}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return io.ErrClosedPipe
	}
	if err := w.w.WritePacket(ci, b[:]); err != nil {
		return fmt.Errorf("write pcap record: %w", err)
	}
	w.counts[dir&1]++
	return nil
}

// Counts returns how many rx and tx frames were recorded.
func (w *Writer) Counts() (rx, tx uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[RX], w.counts[TX]
}

// Close stops recording and closes the underlying file if Create opened it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w = nil
	if w.closer != nil {
		c := w.closer
		w.closer = nil
		return c.Close()
	}
	return nil
}
