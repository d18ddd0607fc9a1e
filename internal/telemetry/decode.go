// Package telemetry decodes REV SPARK MAX periodic status frames and keeps
// the latest decoded state per device.
package telemetry

import (
	"encoding/binary"
	"math"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/frc"
)

// NumStatus is the number of periodic status kinds tracked per device.
const NumStatus = 8

// fixedPointScale converts the 12-bit voltage and current fields to volts
// and amps.
const fixedPointScale = 128

// Record is one decoded status payload. Exactly one concrete type exists
// per status kind.
type Record interface {
	Status() int
	apply(*Motor)
}

// Status0: applied output, faults and follower flag.
type Status0 struct {
	AppliedOutput int16
	Faults        uint16
	StickyFaults  uint16
	IsFollower    bool
}

// Status1: velocity, temperature, bus voltage and motor current.
type Status1 struct {
	Velocity    float32
	Temperature uint8
	Voltage     float32
	Current     float32
}

// Status2: primary encoder position.
type Status2 struct {
	Position float32
}

// Status3: analog sensor.
type Status3 struct {
	AnalogVoltage  uint16 // raw 10-bit reading
	AnalogVelocity uint32 // unsigned 22-bit field, bits 10..31
	AnalogPosition float32
}

// Status4: alternate encoder.
type Status4 struct {
	AltEncoderVelocity float32
	AltEncoderPosition float32
}

// Status5: duty cycle (absolute) encoder position.
type Status5 struct {
	DutyCyclePosition float32
	DutyCycleAngle    uint16
}

// Status6: duty cycle encoder velocity.
type Status6 struct {
	DutyCycleVelocity  float32
	DutyCycleFrequency uint16
}

// Status7 is undocumented; the payload is kept as received.
type Status7 struct {
	Raw [8]byte
	Len uint8
}

func (Status0) Status() int { return 0 }
func (Status1) Status() int { return 1 }
func (Status2) Status() int { return 2 }
func (Status3) Status() int { return 3 }
func (Status4) Status() int { return 4 }
func (Status5) Status() int { return 5 }
func (Status6) Status() int { return 6 }
func (Status7) Status() int { return 7 }

func (r Status0) apply(m *Motor) {
	m.AppliedOutput = r.AppliedOutput
	m.Faults = r.Faults
	m.StickyFaults = r.StickyFaults
	m.IsFollower = r.IsFollower
}

func (r Status1) apply(m *Motor) {
	m.Velocity = r.Velocity
	m.Temperature = r.Temperature
	m.Voltage = r.Voltage
	m.Current = r.Current
}

func (r Status2) apply(m *Motor) { m.Position = r.Position }

func (r Status3) apply(m *Motor) {
	m.AnalogVoltage = r.AnalogVoltage
	m.AnalogVelocity = r.AnalogVelocity
	m.AnalogPosition = r.AnalogPosition
}

func (r Status4) apply(m *Motor) {
	m.AltEncoderVelocity = r.AltEncoderVelocity
	m.AltEncoderPosition = r.AltEncoderPosition
}

func (r Status5) apply(m *Motor) {
	m.DutyCyclePosition = r.DutyCyclePosition
	m.DutyCycleAngle = r.DutyCycleAngle
}

func (r Status6) apply(m *Motor) {
	m.DutyCycleVelocity = r.DutyCycleVelocity
	m.DutyCycleFrequency = r.DutyCycleFrequency
}

func (r Status7) apply(m *Motor) { m.Status7 = r.Raw[:r.Len:r.Len] }

// Update is the result of decoding one status frame.
type Update struct {
	Device uint8
	API    frc.API
	Record Record
}

// minLen is the smallest DLC that carries every field of a status layout.
var minLen = [NumStatus]uint8{8, 8, 4, 8, 8, 6, 6, 0}

// Classify extracts the api code from an identifier. ok is false for codes
// outside the SPARK MAX enumeration.
func Classify(id uint32) (frc.API, bool) {
	api := frc.Decode(id & can.CAN_EFF_MASK).API()
	return api, api.Known()
}

// Decode turns a periodic status frame from a REV motor controller into an
// Update. Remote requests, frames with other api codes, other vendors or a
// payload too short for the layout are not decoded.
func Decode(fr can.Frame) (Update, bool) {
	if fr.RTR {
		return Update{}, false
	}
	id := frc.Decode(fr.ID & can.CAN_EFF_MASK)
	if id.Manufacturer != frc.ManufacturerREV || id.DeviceType != frc.MotorController {
		return Update{}, false
	}
	api := id.API()
	n, ok := api.Status()
	if !ok || fr.Len < minLen[n] || fr.Len > can.MaxDLC {
		return Update{}, false
	}
	d := fr.Data
	var rec Record
	switch n {
	case 0:
		rec = Status0{
			AppliedOutput: int16(binary.LittleEndian.Uint16(d[0:2])),
			Faults:        binary.LittleEndian.Uint16(d[2:4]),
			StickyFaults:  binary.LittleEndian.Uint16(d[4:6]),
			IsFollower:    d[7] != 0,
		}
	case 1:
		packed := uint32(d[5]) | uint32(d[6])<<8 | uint32(d[7])<<16
		rec = Status1{
			Velocity:    f32(d[0:4]),
			Temperature: d[4],
			Voltage:     float32(packed&0xFFF) / fixedPointScale,
			Current:     float32(packed>>12&0xFFF) / fixedPointScale,
		}
	case 2:
		rec = Status2{Position: f32(d[0:4])}
	case 3:
		w := binary.LittleEndian.Uint32(d[0:4])
		rec = Status3{
			AnalogVoltage:  uint16(w & 0x3FF),
			AnalogVelocity: w >> 10,
			AnalogPosition: f32(d[4:8]),
		}
	case 4:
		rec = Status4{AltEncoderVelocity: f32(d[0:4]), AltEncoderPosition: f32(d[4:8])}
	case 5:
		rec = Status5{DutyCyclePosition: f32(d[0:4]), DutyCycleAngle: binary.LittleEndian.Uint16(d[4:6])}
	case 6:
		rec = Status6{DutyCycleVelocity: f32(d[0:4]), DutyCycleFrequency: binary.LittleEndian.Uint16(d[4:6])}
	default:
		rec = Status7{Raw: d, Len: fr.Len}
	}
	return Update{Device: id.DeviceNumber, API: api, Record: rec}, true
}

func f32(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
