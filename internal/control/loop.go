// Package control runs a periodic position PID loop against one SPARK MAX
// and commands it with duty cycle frames.
package control

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/frc"
	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
)

const (
	DefaultPeriod     = 20 * time.Millisecond
	DefaultBusVoltage = 12.0
)

// Source is the telemetry the loop reads (see telemetry.Store).
type Source interface {
	PositionKnown(dev uint8) bool
	Position(dev uint8) float32
	HasTimedOut(dev uint8) bool
}

// Emitter puts a frame on the bus and mirrors it to hosts (see
// gateway.Gateway).
type Emitter interface {
	Emit(can.Frame) bool
}

// atomicFloat is a float32 that can be swapped from any goroutine.
type atomicFloat struct{ bits atomic.Uint32 }

func (f *atomicFloat) Load() float32   { return math.Float32frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float32) { f.bits.Store(math.Float32bits(v)) }

// Loop holds the PID state. Setpoint, gains and flags may be changed at any
// time from other goroutines; the integrator and previous error belong to
// the goroutine calling Step.
type Loop struct {
	src    Source
	out    Emitter
	device uint8
	period time.Duration
	logger *slog.Logger

	setpoint    atomicFloat
	kp, ki, kd  atomicFloat
	busVoltage  atomicFloat
	heartbeat   atomic.Bool
	requireLive atomic.Bool
	resetReq    atomic.Bool

	iAccum  float32
	lastErr float32

	lastError  atomicFloat
	lastOutput atomicFloat
	active     atomic.Bool
	steps      atomic.Uint64
}

type Option func(*Loop)

func WithPeriod(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.period = d
		}
	}
}

func WithBusVoltage(v float32) Option {
	return func(l *Loop) {
		if v > 0 {
			l.busVoltage.Store(v)
		}
	}
}

func WithGains(kp, ki, kd float32) Option {
	return func(l *Loop) { l.kp.Store(kp); l.ki.Store(ki); l.kd.Store(kd) }
}

func WithSetpoint(v float32) Option  { return func(l *Loop) { l.setpoint.Store(v) } }
func WithHeartbeat(on bool) Option   { return func(l *Loop) { l.heartbeat.Store(on) } }
func WithRequireLive(on bool) Option { return func(l *Loop) { l.requireLive.Store(on) } }
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New builds a loop for the device number dev.
func New(src Source, out Emitter, dev uint8, opts ...Option) *Loop {
	l := &Loop{src: src, out: out, device: dev & frc.MaxDeviceNumber, period: DefaultPeriod, logger: logging.Component("control")}
	l.busVoltage.Store(DefaultBusVoltage)
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loop) Device() uint8          { return l.device }
func (l *Loop) Period() time.Duration  { return l.period }
func (l *Loop) SetSetpoint(v float32)  { l.setpoint.Store(v) }
func (l *Loop) Setpoint() float32      { return l.setpoint.Load() }
func (l *Loop) SetKp(v float32)        { l.kp.Store(v) }
func (l *Loop) SetKi(v float32)        { l.ki.Store(v) }
func (l *Loop) SetKd(v float32)        { l.kd.Store(v) }
func (l *Loop) Kp() float32            { return l.kp.Load() }
func (l *Loop) Ki() float32            { return l.ki.Load() }
func (l *Loop) Kd() float32            { return l.kd.Load() }
func (l *Loop) BusVoltage() float32    { return l.busVoltage.Load() }
func (l *Loop) SetHeartbeat(on bool)   { l.heartbeat.Store(on) }
func (l *Loop) Heartbeat() bool        { return l.heartbeat.Load() }
func (l *Loop) SetRequireLive(on bool) { l.requireLive.Store(on) }
func (l *Loop) RequireLive() bool      { return l.requireLive.Load() }
func (l *Loop) Output() float32        { return l.lastOutput.Load() }

// SetBusVoltage ignores non-positive values.
func (l *Loop) SetBusVoltage(v float32) {
	if v > 0 {
		l.busVoltage.Store(v)
	}
}

// ResetIntegrator clears the integral and derivative memory before the
// next step.
func (l *Loop) ResetIntegrator() { l.resetReq.Store(true) }

// Error returns the last control error computed for dev. It is 0 for any
// other device and before the first step.
func (l *Loop) Error(dev uint8) float32 {
	if dev != l.device || !l.active.Load() {
		return 0
	}
	return l.lastError.Load()
}

// Step runs one control period. It returns the commanded output and false
// when the loop idled (no position reported yet, or stale with RequireLive).
func (l *Loop) Step() (float32, bool) {
	if l.heartbeat.Load() {
		l.out.Emit(HeartbeatFrame(l.device))
	}
	if l.resetReq.Swap(false) {
		l.iAccum, l.lastErr = 0, 0
	}
	if !l.src.PositionKnown(l.device) {
		return 0, false
	}
	if l.requireLive.Load() && l.src.HasTimedOut(l.device) {
		return 0, false
	}
	dt := float32(l.period.Seconds())
	e := l.setpoint.Load() - l.src.Position(l.device)
	l.iAccum += e * dt
	deriv := (e - l.lastErr) / dt
	l.lastErr = e
	out := (l.kp.Load()*e + l.ki.Load()*l.iAccum + l.kd.Load()*deriv) / l.busVoltage.Load()

	l.lastError.Store(e)
	l.lastOutput.Store(out)
	l.active.Store(true)
	l.steps.Add(1)
	l.out.Emit(DutyCycleFrame(l.device, out))
	metrics.IncControlCommand(out)
	return out, true
}

// Run calls Step every period until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("control_start", "device", l.device, "period", l.period, "kp", l.Kp(), "ki", l.Ki(), "kd", l.Kd(), "setpoint", l.Setpoint())
	defer l.logger.Info("control_stop", "device", l.device, "steps", l.steps.Load())
	t := time.NewTicker(l.period)
	defer t.Stop()
	idle := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, ok := l.Step()
			if ok == idle { // log transitions only
				idle = !ok
				if idle {
					l.logger.Info("control_idle", "device", l.device)
				} else {
					l.logger.Info("control_active", "device", l.device)
				}
			}
		}
	}
}

// DutyCycleFrame commands duty cycle v on a REV motor controller.
func DutyCycleFrame(dev uint8, v float32) can.Frame {
	fr := can.Frame{
		ID:       frc.NewID(frc.MotorController, frc.ManufacturerREV, frc.DutyCycleSet, dev).Encode(),
		Extended: true,
		Len:      8,
	}
	fr.SetWords(math.Float32bits(v), 0)
	return fr
}

// HeartbeatFrame keeps REV motor controllers enabled without a roboRIO.
func HeartbeatFrame(dev uint8) can.Frame {
	fr := can.Frame{
		ID:       frc.NewID(frc.MotorController, frc.ManufacturerREV, frc.NonRioHeartbeat, dev).Encode(),
		Extended: true,
		Len:      8,
	}
	fr.SetWords(0xFFFFFFFF, 0xFFFFFFFF)
	return fr
}
