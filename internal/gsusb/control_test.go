package gsusb

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func inReq(r BReq, length uint16) SetupPacket {
	return SetupPacket{RequestType: DirIn | TypeVendor | 0x01, Request: uint8(r), Length: length}
}

func outReq(r BReq, length uint16) SetupPacket {
	return SetupPacket{RequestType: TypeVendor | 0x01, Request: uint8(r), Length: length}
}

func TestControlRejectsFirstRequestOnce(t *testing.T) {
	c := NewControl(WithControlLogger(testLogger()))
	if _, err := c.Setup(inReq(BReqDeviceConfig, DeviceConfigSize)); !errors.Is(err, ErrStall) {
		t.Fatalf("first request should stall, got %v", err)
	}
	b, err := c.Setup(inReq(BReqDeviceConfig, DeviceConfigSize))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	want := []byte{0, 0, 0, 0, 2, 0, 0, 0, 1, 0, 0, 0}
	if !bytes.Equal(b, want) {
		t.Fatalf("device config % X", b)
	}
	c.Reset()
	if _, err := c.Setup(inReq(BReqDeviceConfig, DeviceConfigSize)); !errors.Is(err, ErrStall) {
		t.Fatalf("Reset should re-arm rejection")
	}
}

func TestControlRejectCountTunable(t *testing.T) {
	c := NewControl(WithRejectFirst(2), WithControlLogger(testLogger()))
	for i := 0; i < 2; i++ {
		if _, err := c.Setup(inReq(BReqBtConst, BtConstSize)); !errors.Is(err, ErrStall) {
			t.Fatalf("request %d should stall", i)
		}
	}
	if _, err := c.Setup(inReq(BReqBtConst, BtConstSize)); err != nil {
		t.Fatalf("third request: %v", err)
	}
	c = NewControl(WithRejectFirst(0), WithControlLogger(testLogger()))
	if _, err := c.Setup(inReq(BReqBtConst, BtConstSize)); err != nil {
		t.Fatalf("reject disabled but got %v", err)
	}
	if c.State().Stalls != 0 {
		t.Fatalf("stall counted")
	}
}

func TestControlBtConstAndTruncation(t *testing.T) {
	c := NewControl(WithRejectFirst(0), WithControlLogger(testLogger()))
	b, err := c.Setup(inReq(BReqBtConst, 64))
	if err != nil || len(b) != BtConstSize {
		t.Fatalf("bt const len=%d err=%v", len(b), err)
	}
	var bc BtConst
	if err := bc.UnmarshalBinary(b); err != nil || bc != DefaultBtConst {
		t.Fatalf("bt const mismatch %+v", bc)
	}
	b, _ = c.Setup(inReq(BReqBtConst, 8))
	if len(b) != 8 {
		t.Fatalf("expected truncation to wLength, got %d", len(b))
	}
}

func TestControlUnknownRequestStalls(t *testing.T) {
	c := NewControl(WithRejectFirst(0), WithControlLogger(testLogger()))
	for _, r := range []BReq{BReqBerr, BReqIdentify, BReqBtConstExt, BReq(200)} {
		if _, err := c.Setup(inReq(r, 4)); !errors.Is(err, ErrStall) {
			t.Fatalf("%s should stall", r)
		}
	}
	// still operational afterwards
	if _, err := c.Setup(inReq(BReqHostFormat, 4)); err != nil {
		t.Fatalf("host format after unknown: %v", err)
	}
}

func TestControlOutStagesRecorded(t *testing.T) {
	var got Mode
	c := NewControl(WithRejectFirst(0), WithControlLogger(testLogger()), WithModeHook(func(m Mode) { got = m }))

	host, _ := HostConfig{ByteOrder: 0x0000BEEF}.MarshalBinary()
	bt, _ := BitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, Sjw: 1, Brp: 3}.MarshalBinary()
	mode, _ := Mode{Mode: ModeStart}.MarshalBinary()
	for _, step := range []struct {
		r    BReq
		data []byte
	}{{BReqHostFormat, host}, {BReqBitTiming, bt}, {BReqMode, mode}} {
		req := outReq(step.r, uint16(len(step.data)))
		b, err := c.Setup(req)
		if err != nil || b != nil {
			t.Fatalf("%s setup: %v %v", step.r, b, err)
		}
		c.Ack(req, step.data)
	}
	st := c.State()
	if st.Host.ByteOrder != 0xBEEF || st.BitTiming.PhaseSeg1 != 12 || st.Mode.Mode != ModeStart {
		t.Fatalf("state %+v", st)
	}
	if got.Mode != ModeStart {
		t.Fatalf("mode hook not called")
	}
	// 48MHz / 3 / 16tq = 1Mbit
	if br := st.BitTiming.Bitrate(DefaultBtConst.FclkCAN); br != 1000000 {
		t.Fatalf("bitrate=%d", br)
	}
}

func TestParseSetup(t *testing.T) {
	p, err := ParseSetup([]byte{0xC1, 0x05, 0x01, 0x00, 0x02, 0x00, 0x0C, 0x00})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.In() || !p.Vendor() || p.BReq() != BReqDeviceConfig || p.Value != 1 || p.Index != 2 || p.Length != 12 {
		t.Fatalf("unexpected %+v", p)
	}
	if _, err := ParseSetup([]byte{1}); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("short setup accepted")
	}
}
