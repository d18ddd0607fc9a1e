package gadget

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-gsusb-gateway/internal/gsusb"
)

// FunctionFS blob magics and flags (linux/usb/functionfs.h).
const (
	descriptorsMagicV2 = 3
	stringsMagic       = 2

	flagHasFSDesc = 1
	flagHasHSDesc = 2
)

// Endpoint addresses used by gs_usb hosts: frames from the device on 0x81,
// frames from the host on 0x02. FunctionFS names them ep1 and ep2 in
// descriptor order.
const (
	EndpointIn  = 0x81
	EndpointOut = 0x02

	fsMaxPacket = 64
	hsMaxPacket = 512

	langEnUS = 0x0409
)

var le = binary.LittleEndian

func appendInterface(b []byte) []byte {
	return append(b,
		9,    // bLength
		0x04, // INTERFACE
		0,    // bInterfaceNumber
		0,    // bAlternateSetting
		2,    // bNumEndpoints
		0xFF, // vendor class
		0xFF,
		0xFF,
		1, // iInterface
	)
}

func appendBulkEndpoint(b []byte, addr uint8, maxPacket uint16) []byte {
	b = append(b, 7, 0x05, addr, 0x02) // bLength, ENDPOINT, address, bulk
	b = le.AppendUint16(b, maxPacket)
	return append(b, 0) // bInterval
}

// Descriptors returns the FunctionFS v2 descriptor blob for one vendor
// interface with a bulk IN/OUT pair at full and high speed.
func Descriptors() []byte {
	var body []byte
	for _, mp := range []uint16{fsMaxPacket, hsMaxPacket} {
		body = appendInterface(body)
		body = appendBulkEndpoint(body, EndpointIn, mp)
		body = appendBulkEndpoint(body, EndpointOut, mp)
	}
	const header = 4 * 5 // magic, length, flags, fs_count, hs_count
	b := make([]byte, 0, header+len(body))
	b = le.AppendUint32(b, descriptorsMagicV2)
	b = le.AppendUint32(b, uint32(header+len(body)))
	b = le.AppendUint32(b, flagHasFSDesc|flagHasHSDesc)
	b = le.AppendUint32(b, 3) // interface + 2 endpoints
	b = le.AppendUint32(b, 3)
	return append(b, body...)
}

// Strings returns the FunctionFS string table holding the interface name.
func Strings(iface string) []byte {
	const header = 4 * 4 // magic, length, str_count, lang_count
	n := header + 2 + len(iface) + 1
	b := make([]byte, 0, n)
	b = le.AppendUint32(b, stringsMagic)
	b = le.AppendUint32(b, uint32(n))
	b = le.AppendUint32(b, 1)
	b = le.AppendUint32(b, 1)
	b = le.AppendUint16(b, langEnUS)
	b = append(b, iface...)
	return append(b, 0)
}

// EventType is the kind of a FunctionFS ep0 event.
type EventType uint8

const (
	EventBind EventType = iota
	EventUnbind
	EventEnable
	EventDisable
	EventSetup
	EventSuspend
	EventResume
)

var eventNames = [...]string{"bind", "unbind", "enable", "disable", "setup", "suspend", "resume"}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("event(%d)", uint8(t))
}

// EventSize is sizeof(struct usb_functionfs_event).
const EventSize = 12

// Event is one ep0 event. Setup is only meaningful for EventSetup.
type Event struct {
	Type  EventType
	Setup gsusb.SetupPacket
}

// ParseEvent decodes one event record.
func ParseEvent(b []byte) (Event, error) {
	if len(b) < EventSize {
		return Event{}, fmt.Errorf("ffs event: %w (%d)", gsusb.ErrShortBuffer, len(b))
	}
	req, _ := gsusb.ParseSetup(b[:gsusb.SetupPacketSize])
	return Event{Type: EventType(b[8]), Setup: req}, nil
}
