package can

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>). gs_usb
// hosts use the same encoding in HostFrame.can_id.
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDLC is the largest classic CAN data length code.
const MaxDLC = 8

var (
	ErrInvalidLen = errors.New("can: invalid data length")
	ErrInvalidID  = errors.New("can: invalid identifier")
)

// Frame is a classic CAN frame as it travels through the gateway.
//
// ID never carries flag bits: it is masked to 29 bits wherever a frame is
// built from a raw identifier. Extended records whether the frame uses the
// 29-bit format on the wire. RTR marks a remote request: Len is the
// requested length and no data travels. Otherwise only the first Len bytes
// of Data are valid.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	Len      uint8
	Data     [8]byte
}

// FromRaw builds a frame from a raw identifier word (flags allowed) and a
// DLC taken off the wire. The identifier is masked to 29 bits and the DLC is
// clamped to 8. Data is dropped for remote requests.
func FromRaw(rawID uint32, dlc uint8, data [8]byte) Frame {
	id := rawID & CAN_EFF_MASK
	fr := Frame{
		ID:       id,
		Extended: rawID&CAN_EFF_FLAG != 0 || id > CAN_SFF_MASK,
		RTR:      rawID&CAN_RTR_FLAG != 0,
		Len:      min(dlc, MaxDLC),
	}
	if !fr.RTR {
		fr.Data = data
	}
	return fr
}

// NewFrame builds an extended frame from an identifier and payload,
// rejecting payloads longer than 8 bytes and identifiers wider than 29 bits.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > MaxDLC {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidLen, len(data))
	}
	if id > CAN_EFF_MASK {
		return Frame{}, fmt.Errorf("%w: 0x%X", ErrInvalidID, id)
	}
	f := Frame{ID: id, Extended: true, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f, nil
}

// RawID returns the identifier with the EFF and RTR flags set as needed,
// the representation expected by SocketCAN and gs_usb hosts.
func (f Frame) RawID() uint32 {
	raw := f.ID
	if f.Extended {
		raw |= CAN_EFF_FLAG
	}
	if f.RTR {
		raw |= CAN_RTR_FLAG
	}
	return raw
}

// DLC is the length code on the wire, clamped to 8.
func (f Frame) DLC() uint8 { return min(f.Len, MaxDLC) }

// Payload returns the data bytes that travel on the wire, none for a
// remote request.
func (f Frame) Payload() []byte {
	if f.RTR {
		return nil
	}
	return f.Data[:f.DLC()]
}

// Words returns the payload viewed as two little-endian 32-bit words.
func (f Frame) Words() [2]uint32 {
	return [2]uint32{
		binary.LittleEndian.Uint32(f.Data[0:4]),
		binary.LittleEndian.Uint32(f.Data[4:8]),
	}
}

// SetWords stores two little-endian 32-bit words into the payload.
func (f *Frame) SetWords(w0, w1 uint32) {
	binary.LittleEndian.PutUint32(f.Data[0:4], w0)
	binary.LittleEndian.PutUint32(f.Data[4:8], w1)
}

func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	if f.RTR {
		b.WriteString(" R")
	}
	for _, d := range f.Payload() {
		fmt.Fprintf(&b, " %02X", d)
	}
	return b.String()
}
