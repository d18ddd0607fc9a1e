// Package sim is an in-memory CAN controller with simulated SPARK MAX
// motor controllers attached. It satisfies the same read/write device
// contract as a SocketCAN socket, so the gateway runs unchanged without
// hardware.
package sim

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/frc"
)

var ErrClosed = errors.New("sim: bus closed")

const (
	DefaultPeriod    = 10 * time.Millisecond
	DefaultFreeSpeed = 5676 // NEO free speed, RPM
	DefaultVoltage   = 12.0

	// tau is the time constant of the velocity response.
	tau     = 50 * time.Millisecond
	rxDepth = 64
)

type motor struct {
	duty      float32
	velocity  float32 // RPM
	position  float32 // rotations
	current   float32
	heartbeat time.Duration // sim time of the last heartbeat
	hbSeen    bool
}

// Bus is the simulated controller. Frames written to it are commands for the
// attached motors; status frames come back through ReadFrame.
type Bus struct {
	mu        sync.Mutex
	motors    map[uint8]*motor
	elapsed   time.Duration
	ticks     uint64
	period    time.Duration
	freeSpeed float32
	voltage   float32
	hbTimeout time.Duration

	rx        chan can.Frame
	dropped   uint64
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Bus)

// WithPeriod sets the simulation step and the status0 frame period.
func WithPeriod(d time.Duration) Option { return func(b *Bus) { b.period = d } }

// WithDevices attaches one motor per device number.
func WithDevices(devs ...uint8) Option {
	return func(b *Bus) {
		for _, d := range devs {
			b.motors[d&frc.MaxDeviceNumber] = &motor{}
		}
	}
}

// WithFreeSpeed sets the velocity reached at full duty cycle.
func WithFreeSpeed(rpm float32) Option { return func(b *Bus) { b.freeSpeed = rpm } }

// WithVoltage sets the reported bus voltage.
func WithVoltage(v float32) Option { return func(b *Bus) { b.voltage = v } }

// WithHeartbeatTimeout disables a motor's output when no heartbeat arrived
// within d. Zero keeps motors always enabled.
func WithHeartbeatTimeout(d time.Duration) Option { return func(b *Bus) { b.hbTimeout = d } }

// New starts the simulation. Without WithDevices a single motor with
// device number 1 is attached.
func New(opts ...Option) *Bus {
	b := &Bus{
		motors:    make(map[uint8]*motor),
		period:    DefaultPeriod,
		freeSpeed: DefaultFreeSpeed,
		voltage:   DefaultVoltage,
		rx:        make(chan can.Frame, rxDepth),
		closed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if len(b.motors) == 0 {
		b.motors[1] = &motor{}
	}
	if b.period <= 0 {
		b.period = DefaultPeriod
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer b.wg.Done()
	t := time.NewTicker(b.period)
	defer t.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-t.C:
			b.step(b.period)
		}
	}
}

// ReadFrame blocks until the next status frame or until the bus is closed.
func (b *Bus) ReadFrame(fr *can.Frame) error {
	select {
	case <-b.closed:
		return ErrClosed
	case f := <-b.rx:
		*fr = f
		return nil
	}
}

// WriteFrame applies a command frame. Frames not addressed to an attached
// REV motor controller are accepted and ignored, as on a real bus.
func (b *Bus) WriteFrame(fr can.Frame) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	id := frc.Decode(fr.ID)
	if fr.RTR || id.Manufacturer != frc.ManufacturerREV || id.DeviceType != frc.MotorController {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch id.API() {
	case frc.DutyCycleSet:
		if m := b.motors[id.DeviceNumber]; m != nil && fr.Len >= 4 {
			d := math.Float32frombits(fr.Words()[0])
			if math.IsNaN(float64(d)) {
				d = 0
			}
			m.duty = max(-1, min(1, d))
		}
	case frc.NonRioHeartbeat:
		for dev, m := range b.motors {
			if id.DeviceNumber == 0 || dev == id.DeviceNumber {
				m.heartbeat = b.elapsed
				m.hbSeen = true
			}
		}
	}
	return nil
}

// Close stops the simulation and wakes a blocked ReadFrame.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	b.wg.Wait()
	return nil
}

// Dropped reports status frames lost because nobody was reading.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// step advances every motor by dt and queues its status frames: status 0
// every step, status 1 and 2 every second step.
func (b *Bus) step(dt time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elapsed += dt
	b.ticks++
	alpha := float32(min(1, dt.Seconds()/tau.Seconds()))
	for dev, m := range b.motors {
		duty := m.duty
		if b.hbTimeout > 0 && (!m.hbSeen || b.elapsed-m.heartbeat > b.hbTimeout) {
			duty = 0
		}
		target := duty * b.freeSpeed
		slip := target - m.velocity
		m.velocity += slip * alpha
		m.position += m.velocity / 60 * float32(dt.Seconds())
		m.current = float32(math.Abs(float64(slip))) / b.freeSpeed * 40
		b.queue(status0(dev, duty))
		if b.ticks%2 == 0 {
			b.queue(status1(dev, m.velocity, b.voltage, m.current))
			b.queue(status2(dev, m.position))
		}
	}
}

func (b *Bus) queue(fr can.Frame) {
	select {
	case b.rx <- fr:
	default:
		b.dropped++
	}
}

func statusFrame(dev uint8, n int) can.Frame {
	id := frc.NewID(frc.MotorController, frc.ManufacturerREV, frc.PeriodicStatus0+frc.API(n), dev)
	return can.Frame{ID: id.Encode(), Extended: true, Len: 8}
}

func status0(dev uint8, duty float32) can.Frame {
	fr := statusFrame(dev, 0)
	binary.LittleEndian.PutUint16(fr.Data[0:2], uint16(int16(duty*math.MaxInt16)))
	return fr
}

func status1(dev uint8, velocity, voltage, current float32) can.Frame {
	fr := statusFrame(dev, 1)
	binary.LittleEndian.PutUint32(fr.Data[0:4], math.Float32bits(velocity))
	fr.Data[4] = 25
	packed := fixed12(voltage) | fixed12(current)<<12
	fr.Data[5] = byte(packed)
	fr.Data[6] = byte(packed >> 8)
	fr.Data[7] = byte(packed >> 16)
	return fr
}

func status2(dev uint8, position float32) can.Frame {
	fr := statusFrame(dev, 2)
	binary.LittleEndian.PutUint32(fr.Data[0:4], math.Float32bits(position))
	return fr
}

// fixed12 encodes v as the 12-bit 1/128 fixed point used by status 1.
func fixed12(v float32) uint32 {
	return uint32(max(0, min(4095, v*128)))
}
