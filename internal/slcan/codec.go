package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

var (
	ErrMalformed = errors.New("slcan: malformed line")
	ErrBitrate   = errors.New("slcan: unsupported bitrate")
)

const (
	cr  = '\r'
	bel = 0x07

	// maxLine is the longest valid line: T + 8 id + 1 dlc + 16 data + 4 timestamp.
	maxLine = 1 + 8 + 1 + 16 + 4
)

var bitrates = map[int]string{
	10000:   "S0\r",
	20000:   "S1\r",
	50000:   "S2\r",
	100000:  "S3\r",
	125000:  "S4\r",
	250000:  "S5\r",
	500000:  "S6\r",
	800000:  "S7\r",
	1000000: "S8\r",
}

// BitrateCommand returns the Sn command selecting bitrate.
func BitrateCommand(bitrate int) (string, error) {
	cmd, ok := bitrates[bitrate]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrBitrate, bitrate)
	}
	return cmd, nil
}

// Codec speaks the Lawicel ASCII protocol used by SLCAN adapters.
type Codec struct {
	// OnNack is called for every BEL answer from the adapter.
	OnNack func()
}

// CompactBuffer reclaims consumed prefix capacity when the underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

const hexDigits = "0123456789ABCDEF"

// Encode renders a transmit command: tIIIL<data>\r for standard frames and
// TIIIIIIIIL<data>\r for extended ones. Remote requests use r and R and
// carry only the length digit.
func (Codec) Encode(f can.Frame) []byte {
	p := f.Payload()
	out := make([]byte, 0, maxLine)
	kind := byte('t')
	if f.RTR {
		kind = 'r'
	}
	if f.Extended {
		out = append(out, kind-'a'+'A')
		out = appendHex(out, f.ID, 8)
	} else {
		out = append(out, kind)
		out = appendHex(out, f.ID&can.CAN_SFF_MASK, 3)
	}
	out = append(out, hexDigits[f.DLC()])
	for _, b := range p {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return append(out, cr)
}

func appendHex(b []byte, v uint32, digits int) []byte {
	for i := digits - 1; i >= 0; i-- {
		b = append(b, hexDigits[(v>>(4*uint(i)))&0x0F])
	}
	return b
}

// DecodeStream consumes complete lines from in and emits received frames via
// out. Partial lines stay in the buffer for the next call. Command answers
// (CR, z/Z transmit acks) are skipped; BEL is reported through OnNack.
// Malformed lines are counted and dropped.
func (c Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		i := bytes.IndexAny(data, "\r\a")
		if i < 0 {
			if len(data) > maxLine {
				metrics.IncMalformed()
				in.Reset()
			}
			return nil
		}
		line, term := data[:i], data[i]
		if term == bel {
			if c.OnNack != nil {
				c.OnNack()
			}
		} else if len(line) > 0 {
			switch line[0] {
			case 't', 'T', 'r', 'R':
				fr, err := ParseLine(line)
				if err != nil {
					metrics.IncMalformed()
				} else {
					out(fr)
				}
			case 'z', 'Z':
				// transmit acknowledged
			default:
				metrics.IncMalformed()
			}
		}
		in.Next(i + 1)
	}
}

// ParseLine decodes one t, T, r or R line without its terminator. A
// trailing four digit timestamp is accepted and ignored. Remote requests
// carry no data digits.
func ParseLine(line []byte) (can.Frame, error) {
	var idLen int
	switch {
	case len(line) == 0:
		return can.Frame{}, ErrMalformed
	case line[0] == 't' || line[0] == 'r':
		idLen = 3
	case line[0] == 'T' || line[0] == 'R':
		idLen = 8
	default:
		return can.Frame{}, fmt.Errorf("%w: kind %q", ErrMalformed, line[0])
	}
	if len(line) < 1+idLen+1 {
		return can.Frame{}, fmt.Errorf("%w: short", ErrMalformed)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: id: %v", ErrMalformed, err)
	}
	dlc := int(line[1+idLen] - '0')
	if dlc > can.MaxDLC {
		return can.Frame{}, fmt.Errorf("%w: dlc %q", ErrMalformed, line[1+idLen])
	}
	rtr := line[0] == 'r' || line[0] == 'R'
	digits := 2 * dlc
	if rtr {
		digits = 0
	}
	body := line[2+idLen:]
	if n := len(body); n != digits && n != digits+4 {
		return can.Frame{}, fmt.Errorf("%w: %d data digits for dlc %d", ErrMalformed, n, dlc)
	}
	if idLen == 3 && id > can.CAN_SFF_MASK || id > can.CAN_EFF_MASK {
		return can.Frame{}, fmt.Errorf("%w: id 0x%X", ErrMalformed, id)
	}
	fr := can.Frame{ID: uint32(id), Extended: idLen == 8, RTR: rtr, Len: uint8(dlc)}
	for j := 0; j < digits/2; j++ {
		v, err := strconv.ParseUint(string(body[2*j:2*j+2]), 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		fr.Data[j] = byte(v)
	}
	return fr, nil
}
