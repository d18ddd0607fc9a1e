package gsusb

import "fmt"

// SetupPacketSize is the size of a USB control SETUP packet.
const SetupPacketSize = 8

// bmRequestType bits.
const (
	DirIn        = 0x80
	TypeMask     = 0x60
	TypeStandard = 0x00
	TypeClass    = 0x20
	TypeVendor   = 0x40
)

// SetupPacket is a decoded USB control request.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes an 8-byte little-endian SETUP packet.
func ParseSetup(b []byte) (SetupPacket, error) {
	if len(b) < SetupPacketSize {
		return SetupPacket{}, fmt.Errorf("setup: %w", ErrShortBuffer)
	}
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       le.Uint16(b[2:4]),
		Index:       le.Uint16(b[4:6]),
		Length:      le.Uint16(b[6:8]),
	}, nil
}

// In reports a device-to-host data stage.
func (p SetupPacket) In() bool { return p.RequestType&DirIn != 0 }

// Vendor reports a vendor specific request.
func (p SetupPacket) Vendor() bool { return p.RequestType&TypeMask == TypeVendor }

func (p SetupPacket) BReq() BReq { return BReq(p.Request) }
