package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

// frameSize is sizeof(struct can_frame): can_id u32, len u8, three pad
// bytes, eight data bytes. Fields are host order, little-endian on every
// target we ship.
const frameSize = 16

func packFrame(buf *[frameSize]byte, fr can.Frame) {
	*buf = [frameSize]byte{}
	binary.LittleEndian.PutUint32(buf[0:4], fr.RawID())
	buf[4] = fr.DLC()
	copy(buf[8:], fr.Payload())
}

// unpackFrame decodes a raw socket read. Kernel error frames map to
// ErrBusError carrying the error class bits.
func unpackFrame(b []byte, fr *can.Frame) error {
	if len(b) != frameSize {
		return fmt.Errorf("socketcan: short read: %d", len(b))
	}
	raw := binary.LittleEndian.Uint32(b[0:4])
	if raw&can.CAN_ERR_FLAG != 0 {
		return fmt.Errorf("%w: class 0x%08X", ErrBusError, raw&can.CAN_EFF_MASK)
	}
	var data [8]byte
	copy(data[:], b[8:16])
	*fr = can.FromRaw(raw, b[4], data)
	return nil
}
