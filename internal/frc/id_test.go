package frc

import "testing"

func TestDecodeSparkMaxStatus(t *testing.T) {
	// REV motor controller #5 sending periodic status 1.
	raw := uint32(2)<<24 | uint32(5)<<16 | uint32(0x61)<<6 | 5
	id := Decode(raw)
	if id.DeviceNumber != 5 || id.Manufacturer != ManufacturerREV || id.DeviceType != MotorController {
		t.Fatalf("unexpected fields %+v", id)
	}
	if id.API() != PeriodicStatus1 {
		t.Fatalf("api=%s", id.API())
	}
	if id.APIClass != 0x6 || id.APIIndex != 0x1 {
		t.Fatalf("class=%X index=%X", id.APIClass, id.APIIndex)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []ID{
		NewID(MotorController, ManufacturerREV, DutyCycleSet, 5),
		NewID(MotorController, ManufacturerREV, NonRioHeartbeat, 63),
		NewID(FirmwareUpdate, ManufacturerVividHosting, ParameterAccess, 0),
		NewID(BroadcastMessages, ManufacturerBroadcast, BroadcastDisable, 0),
	}
	for _, id := range tests {
		raw := id.Encode()
		if raw > 0x1FFFFFFF {
			t.Fatalf("%v encodes beyond 29 bits: 0x%X", id, raw)
		}
		if got := Decode(raw); got != id {
			t.Fatalf("round trip mismatch: %+v != %+v", got, id)
		}
	}
}

func TestDecodeIgnoresUpperBits(t *testing.T) {
	raw := NewID(MotorController, ManufacturerREV, PeriodicStatus0, 3).Encode()
	if Decode(raw|0xE0000000) != Decode(raw) {
		t.Fatalf("flag bits changed decoded id")
	}
}

func TestKnownDutyCycleID(t *testing.T) {
	// Well-known SPARK MAX duty cycle set for device 5.
	if got := NewID(MotorController, ManufacturerREV, DutyCycleSet, 5).Encode(); got != 0x02050085 {
		t.Fatalf("encode=0x%08X want 0x02050085", got)
	}
}

func TestNames(t *testing.T) {
	cases := []struct{ got, want string }{
		{ManufacturerREV.String(), "REV Robotics"},
		{Manufacturer(17).String(), "Reserved"},
		{Manufacturer(200).String(), "Reserved"},
		{MotorController.String(), "Motor Controller"},
		{DeviceType(20).String(), "Reserved"},
		{FirmwareUpdate.String(), "Firmware Update"},
		{PeriodicStatus3.String(), "PERIODIC_STATUS_3"},
		{SetpointSet.String(), "SETPOINT_SET"},
		{API(0x3FF).String(), "UNKNOWN(0x3FF)"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("got %q want %q", c.got, c.want)
		}
	}
}

func TestAPIStatusAndKnown(t *testing.T) {
	if n, ok := PeriodicStatus6.Status(); !ok || n != 6 {
		t.Fatalf("status index %d %v", n, ok)
	}
	if _, ok := DrvStatus.Status(); ok {
		t.Fatalf("DRV_STATUS is not a periodic status")
	}
	if !ParameterAccess.Known() || API(0x3FE).Known() {
		t.Fatalf("Known() mismatch")
	}
}
