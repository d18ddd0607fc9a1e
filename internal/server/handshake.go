package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is exchanged in both directions before the host frame stream starts.
const Hello = "GSUSB/TCP v1"

var (
	errBadHello = errors.New("bad hello")
	errVersion  = errors.New("unsupported protocol version")
)

// Handshake sends Hello and waits for the peer's copy. Both must complete
// within timeout; cancelling ctx aborts the exchange. c must be a stream
// with kernel buffering (TCP), as the write does not wait for the peer read.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrHandshake, err)
		}
	}()
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	abort := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer func() {
		if !abort() && ctx.Err() != nil {
			err = ctx.Err()
		}
		_ = c.SetDeadline(time.Time{})
	}()

	if _, err := io.WriteString(c, Hello); err != nil {
		return err
	}
	var peer [len(Hello)]byte
	if _, err := io.ReadFull(c, peer[:]); err != nil {
		return err
	}
	return checkHello(peer[:])
}

func checkHello(b []byte) error {
	if string(b) == Hello {
		return nil
	}
	proto, _, _ := bytes.Cut([]byte(Hello), []byte(" "))
	if bytes.HasPrefix(b, append(proto, ' ')) {
		return fmt.Errorf("%w: %q", errVersion, b)
	}
	return fmt.Errorf("%w: %q", errBadHello, b)
}
