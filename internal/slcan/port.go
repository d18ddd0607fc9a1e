package slcan

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream to the adapter; *serial.Port in production.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens a USB CDC or UART adapter as 8N1. baud is ignored by CDC
// adapters but required by UART ones.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout,
	})
}

// Init closes any open channel on the adapter, selects the bus bitrate and
// opens the channel again. Adapters answer each command with CR or BEL; the
// answers are consumed by the decoder like any other line.
func Init(p Port, bitrate int) error {
	sel, err := BitrateCommand(bitrate)
	if err != nil {
		return err
	}
	for _, cmd := range [...]string{"C\r", sel, "O\r"} {
		if _, err := p.Write([]byte(cmd)); err != nil {
			return fmt.Errorf("slcan: init %q: %w", cmd[:len(cmd)-1], err)
		}
	}
	return nil
}
