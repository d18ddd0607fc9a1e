// Package gsusb implements the device side of the gs_usb (candleLight) USB
// CAN adapter protocol: vendor control requests carrying fixed capability
// structures and a bulk stream of 20-byte host frames.
package gsusb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BReq is a gs_usb vendor control request code (bRequest).
type BReq uint8

const (
	BReqHostFormat BReq = iota
	BReqBitTiming
	BReqMode
	BReqBerr
	BReqBtConst
	BReqDeviceConfig
	BReqTimestamp
	BReqIdentify
	BReqGetUserID
	BReqSetUserID
	BReqDataBitTiming
	BReqBtConstExt
)

var breqNames = [...]string{
	"host_format", "bittiming", "mode", "berr", "bt_const", "device_config",
	"timestamp", "identify", "get_user_id", "set_user_id", "data_bittiming", "bt_const_ext",
}

func (r BReq) String() string {
	if int(r) < len(breqNames) {
		return breqNames[r]
	}
	return fmt.Sprintf("breq(%d)", uint8(r))
}

// Mode values carried in Mode.Mode.
const (
	ModeReset uint32 = 0
	ModeStart uint32 = 1
)

var (
	// ErrStall means the control request must be answered with a stall.
	ErrStall = errors.New("gsusb: stall")
	// ErrShortBuffer means fewer bytes than the fixed record size were given.
	ErrShortBuffer = errors.New("gsusb: short buffer")
)

// Wire sizes of the capability structures.
const (
	HostConfigSize   = 4
	DeviceConfigSize = 12
	BtConstSize      = 40
	BitTimingSize    = 20
	ModeSize         = 8
)

var le = binary.LittleEndian

// HostConfig is the host byte order word written by BREQ_HOST_FORMAT.
type HostConfig struct {
	ByteOrder uint32
}

func (h HostConfig) MarshalBinary() ([]byte, error) {
	return le.AppendUint32(make([]byte, 0, HostConfigSize), h.ByteOrder), nil
}

func (h *HostConfig) UnmarshalBinary(b []byte) error {
	if len(b) < HostConfigSize {
		return fmt.Errorf("host config: %w", ErrShortBuffer)
	}
	h.ByteOrder = le.Uint32(b)
	return nil
}

// DeviceConfig identifies the adapter. ICount is the number of CAN channels
// minus one.
type DeviceConfig struct {
	Reserved  [3]byte
	ICount    uint8
	SWVersion uint32
	HWVersion uint32
}

func (d DeviceConfig) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, DeviceConfigSize)
	b = append(b, d.Reserved[:]...)
	b = append(b, d.ICount)
	b = le.AppendUint32(b, d.SWVersion)
	b = le.AppendUint32(b, d.HWVersion)
	return b, nil
}

func (d *DeviceConfig) UnmarshalBinary(b []byte) error {
	if len(b) < DeviceConfigSize {
		return fmt.Errorf("device config: %w", ErrShortBuffer)
	}
	copy(d.Reserved[:], b[0:3])
	d.ICount = b[3]
	d.SWVersion = le.Uint32(b[4:8])
	d.HWVersion = le.Uint32(b[8:12])
	return nil
}

// BtConst describes the bit timing limits of the CAN controller.
type BtConst struct {
	Feature  uint32
	FclkCAN  uint32
	Tseg1Min uint32
	Tseg1Max uint32
	Tseg2Min uint32
	Tseg2Max uint32
	SjwMax   uint32
	BrpMin   uint32
	BrpMax   uint32
	BrpInc   uint32
}

func (c BtConst) words() []uint32 {
	return []uint32{c.Feature, c.FclkCAN, c.Tseg1Min, c.Tseg1Max, c.Tseg2Min, c.Tseg2Max, c.SjwMax, c.BrpMin, c.BrpMax, c.BrpInc}
}

func (c BtConst) MarshalBinary() ([]byte, error) { return appendWords(nil, c.words()), nil }

func (c *BtConst) UnmarshalBinary(b []byte) error {
	if len(b) < BtConstSize {
		return fmt.Errorf("bt const: %w", ErrShortBuffer)
	}
	dst := []*uint32{&c.Feature, &c.FclkCAN, &c.Tseg1Min, &c.Tseg1Max, &c.Tseg2Min, &c.Tseg2Max, &c.SjwMax, &c.BrpMin, &c.BrpMax, &c.BrpInc}
	readWords(b, dst)
	return nil
}

// BitTiming is the bit timing requested by the host.
type BitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	Sjw       uint32
	Brp       uint32
}

func (t BitTiming) MarshalBinary() ([]byte, error) {
	return appendWords(nil, []uint32{t.PropSeg, t.PhaseSeg1, t.PhaseSeg2, t.Sjw, t.Brp}), nil
}

func (t *BitTiming) UnmarshalBinary(b []byte) error {
	if len(b) < BitTimingSize {
		return fmt.Errorf("bittiming: %w", ErrShortBuffer)
	}
	readWords(b, []*uint32{&t.PropSeg, &t.PhaseSeg1, &t.PhaseSeg2, &t.Sjw, &t.Brp})
	return nil
}

// Bitrate derives the nominal bitrate for a controller clocked at fclk.
// It returns 0 for an unset timing.
func (t BitTiming) Bitrate(fclk uint32) uint32 {
	tq := 1 + t.PropSeg + t.PhaseSeg1 + t.PhaseSeg2
	if t.Brp == 0 || fclk == 0 {
		return 0
	}
	return fclk / t.Brp / tq
}

// Mode starts or resets the channel.
type Mode struct {
	Mode  uint32
	Flags uint32
}

func (m Mode) MarshalBinary() ([]byte, error) { return appendWords(nil, []uint32{m.Mode, m.Flags}), nil }

func (m *Mode) UnmarshalBinary(b []byte) error {
	if len(b) < ModeSize {
		return fmt.Errorf("mode: %w", ErrShortBuffer)
	}
	readWords(b, []*uint32{&m.Mode, &m.Flags})
	return nil
}

func appendWords(b []byte, w []uint32) []byte {
	if b == nil {
		b = make([]byte, 0, 4*len(w))
	}
	for _, v := range w {
		b = le.AppendUint32(b, v)
	}
	return b
}

func readWords(b []byte, dst []*uint32) {
	for i, p := range dst {
		*p = le.Uint32(b[4*i:])
	}
}

// DefaultDeviceConfig is the identity reported to hosts.
var DefaultDeviceConfig = DeviceConfig{ICount: 0, SWVersion: 2, HWVersion: 1}

// DefaultBtConst is reported for BREQ_BT_CONST. Hosts only use it to
// compute bit timing; the backend bitrate is configured separately.
var DefaultBtConst = BtConst{
	Feature:  0,
	FclkCAN:  48000000,
	Tseg1Min: 1,
	Tseg1Max: 16,
	Tseg2Min: 1,
	Tseg2Max: 8,
	SjwMax:   4,
	BrpMin:   1,
	BrpMax:   1024,
	BrpInc:   1,
}
