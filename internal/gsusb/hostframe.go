package gsusb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

// HostFrameSize is the fixed wire size of a classic CAN host frame.
const HostFrameSize = 20

// EchoUnsolicited marks frames originated by the device rather than
// acknowledgements of host transmissions.
const EchoUnsolicited uint32 = 0xFFFFFFFF

// HostFrame is one record of the bulk stream. CANID carries the SocketCAN
// style flag bits.
type HostFrame struct {
	EchoID   uint32
	CANID    uint32
	DLC      uint8
	Channel  uint8
	Flags    uint8
	Reserved uint8
	Data     [8]byte
}

// FromCAN wraps a frame received from the bus (or generated locally) as an
// unsolicited host frame.
func FromCAN(fr can.Frame) HostFrame {
	return HostFrame{EchoID: EchoUnsolicited, CANID: fr.RawID(), DLC: fr.Len, Data: fr.Data}
}

// CAN converts the record to a bus frame: flag bits are stripped from the
// identifier and the DLC is clamped to 8.
func (h HostFrame) CAN() can.Frame { return can.FromRaw(h.CANID, h.DLC, h.Data) }

// Unsolicited reports whether the record was not initiated by the host.
func (h HostFrame) Unsolicited() bool { return h.EchoID == EchoUnsolicited }

func (h HostFrame) AppendBinary(b []byte) ([]byte, error) {
	b = le.AppendUint32(b, h.EchoID)
	b = le.AppendUint32(b, h.CANID)
	b = append(b, h.DLC, h.Channel, h.Flags, h.Reserved)
	return append(b, h.Data[:]...), nil
}

func (h HostFrame) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, HostFrameSize))
}

func (h *HostFrame) UnmarshalBinary(b []byte) error {
	if len(b) < HostFrameSize {
		return fmt.Errorf("host frame: %w (%d)", ErrShortBuffer, len(b))
	}
	h.EchoID = le.Uint32(b[0:4])
	h.CANID = le.Uint32(b[4:8])
	h.DLC = b[8]
	h.Channel = b[9]
	h.Flags = b[10]
	h.Reserved = b[11]
	copy(h.Data[:], b[12:20])
	return nil
}

func (h HostFrame) String() string {
	return fmt.Sprintf("echo=0x%08X %s", h.EchoID, h.CAN())
}

// Codec batches host frames on a byte stream. Stateless and safe for
// concurrent use.
type Codec struct{}

// DecodeBatch reads every complete record in b, calling on for each, and
// returns the number of bytes consumed. A trailing partial record is left
// for the caller to retry once more bytes arrive.
func (Codec) DecodeBatch(b []byte, on func(HostFrame)) int {
	n := len(b) / HostFrameSize * HostFrameSize
	for off := 0; off < n; off += HostFrameSize {
		var hf HostFrame
		_ = hf.UnmarshalBinary(b[off : off+HostFrameSize])
		on(hf)
	}
	return n
}

// Encode packs frames back to back.
func (c Codec) Encode(frames []HostFrame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * HostFrameSize)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w in a single Write and returns the bytes
// written. A USB bulk endpoint sees one transfer per call.
func (Codec) EncodeTo(w io.Writer, frames []HostFrame) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	b := make([]byte, 0, len(frames)*HostFrameSize)
	for _, f := range frames {
		b, _ = f.AppendBinary(b)
	}
	n, err := w.Write(b)
	if err != nil {
		return n, fmt.Errorf("gsusb encode: %w", err)
	}
	return n, nil
}
