// Package frc models the FRC CAN arbitration identifier used by REV
// motor controllers and the SPARK MAX API code space.
package frc

import "fmt"

// Field widths of the 29-bit identifier, least significant first.
const (
	deviceNumberBits = 6
	apiIndexBits     = 4
	apiClassBits     = 6
	manufacturerBits = 8
	deviceTypeBits   = 5

	apiIndexShift     = deviceNumberBits
	apiClassShift     = apiIndexShift + apiIndexBits
	manufacturerShift = apiClassShift + apiClassBits
	deviceTypeShift   = manufacturerShift + manufacturerBits

	// APIBits is the width of the combined api_index/api_class code.
	APIBits = apiIndexBits + apiClassBits
)

// MaxDeviceNumber is the largest addressable device number on one bus.
const MaxDeviceNumber = 1<<deviceNumberBits - 1

// ID is the decoded view of a 29-bit arbitration identifier.
type ID struct {
	DeviceNumber uint8
	APIIndex     uint8
	APIClass     uint8
	Manufacturer Manufacturer
	DeviceType   DeviceType
}

func field(raw uint32, shift, bits int) uint32 { return (raw >> shift) & (1<<bits - 1) }

// Decode splits a raw identifier into its fields. Bits above 29 are ignored.
func Decode(raw uint32) ID {
	return ID{
		DeviceNumber: uint8(field(raw, 0, deviceNumberBits)),
		APIIndex:     uint8(field(raw, apiIndexShift, apiIndexBits)),
		APIClass:     uint8(field(raw, apiClassShift, apiClassBits)),
		Manufacturer: Manufacturer(field(raw, manufacturerShift, manufacturerBits)),
		DeviceType:   DeviceType(field(raw, deviceTypeShift, deviceTypeBits)),
	}
}

// NewID builds an identifier for a command addressed to one device.
func NewID(dt DeviceType, m Manufacturer, api API, device uint8) ID {
	var id ID
	id.DeviceType = dt
	id.Manufacturer = m
	id.DeviceNumber = device
	id.SetAPI(api)
	return id
}

// API returns the combined 10-bit api code (api_class:api_index).
func (id ID) API() API {
	return API(uint16(id.APIClass&(1<<apiClassBits-1))<<apiIndexBits | uint16(id.APIIndex&(1<<apiIndexBits-1)))
}

// SetAPI stores a 10-bit api code into the class and index fields.
func (id *ID) SetAPI(a API) {
	v := uint16(a) & (1<<APIBits - 1)
	id.APIIndex = uint8(v & (1<<apiIndexBits - 1))
	id.APIClass = uint8(v >> apiIndexBits)
}

// Encode packs the fields back into a 29-bit identifier. Out of range field
// values are truncated to their width.
func (id ID) Encode() uint32 {
	return uint32(id.DeviceNumber)&(1<<deviceNumberBits-1) |
		uint32(id.APIIndex)&(1<<apiIndexBits-1)<<apiIndexShift |
		uint32(id.APIClass)&(1<<apiClassBits-1)<<apiClassShift |
		uint32(id.Manufacturer)&(1<<manufacturerBits-1)<<manufacturerShift |
		uint32(id.DeviceType)&(1<<deviceTypeBits-1)<<deviceTypeShift
}

func (id ID) String() string {
	return fmt.Sprintf("%s %s #%d api=%s", id.Manufacturer, id.DeviceType, id.DeviceNumber, id.API())
}
