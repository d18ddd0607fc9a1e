package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
	"github.com/kstaniek/go-gsusb-gateway/internal/slcan"
	"github.com/kstaniek/go-gsusb-gateway/internal/transport"
)

// openSerialPort is replaced in tests.
var openSerialPort = slcan.Open

// initSLCANBackend opens the adapter, programs the bitrate and launches the
// RX loop.
func initSLCANBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*transport.Transport, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
	}
	if err := slcan.Init(sp, cfg.canBitrate); err != nil {
		_ = sp.Close()
		return nil, func() {}, err
	}
	l.Info("slcan_open", "device", cfg.serialDev, "baud", cfg.baud, "bitrate", cfg.canBitrate)

	rx := &slcanRX{port: sp, logger: l}
	rx.codec = slcan.Codec{OnNack: func() {
		metrics.IncError(metrics.ErrCANBus)
		rx.tr.ReportError()
	}}
	rx.tr = slcan.NewTransport(ctx, sp, rx.codec, cfg.txQueue)
	wg.Add(1)
	go func() {
		defer wg.Done()
		rx.run(ctx)
	}()
	tr := rx.tr
	return tr, func() { _ = sp.Close(); tr.Close() }, nil
}

// slcanRX turns the adapter's byte stream into delivered frames. Partial
// lines stay in acc until the rest arrives.
type slcanRX struct {
	port   slcan.Port
	codec  slcan.Codec
	tr     *transport.Transport
	logger *slog.Logger
	acc    bytes.Buffer
}

func (r *slcanRX) run(ctx context.Context) {
	defer r.logger.Info("slcan_rx_end")
	buf := make([]byte, serialReadBufSize)
	backoff := rxBackoffMin
	for ctx.Err() == nil {
		n, err := r.port.Read(buf)
		if n > 0 {
			r.feed(buf[:n])
			backoff = rxBackoffMin
		}
		if err == nil || ctx.Err() != nil {
			continue
		}
		var perr *os.PathError
		switch {
		case errors.As(err, &perr):
			r.logger.Error("slcan_device_lost", "error", err)
			return
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			// read timeout on an idle line
		default:
			metrics.IncError(metrics.ErrSerialRead)
			r.logger.Warn("slcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = nextBackoff(backoff)
		}
	}
}

func (r *slcanRX) feed(b []byte) {
	r.acc.Write(b)
	if err := r.codec.DecodeStream(&r.acc, r.deliver); err != nil {
		r.logger.Debug("slcan_decode_error", "error", err)
	}
	if r.acc.Len() == 0 && r.acc.Cap() > largeBufferReclaimThreshold {
		r.acc = bytes.Buffer{}
	}
}

func (r *slcanRX) deliver(fr can.Frame) {
	metrics.IncCANRx()
	r.tr.Deliver(fr)
}
