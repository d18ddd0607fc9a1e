package telemetry

import (
	"slices"
	"sync"
	"time"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
)

// Timeout is how long a device may go without a status 0 frame before it is
// reported as timed out.
const Timeout = 1000 * time.Millisecond

// Motor is the decoded state of one motor controller. A field is only
// meaningful once the timestamp of the status kind carrying it is set.
type Motor struct {
	AppliedOutput int16
	Faults        uint16
	StickyFaults  uint16
	IsFollower    bool

	Velocity    float32 // RPM
	Temperature uint8   // °C
	Voltage     float32 // V
	Current     float32 // A
	Position    float32 // rotations

	AnalogVoltage  uint16
	AnalogVelocity uint32
	AnalogPosition float32

	AltEncoderVelocity float32
	AltEncoderPosition float32

	DutyCyclePosition  float32
	DutyCycleAngle     uint16
	DutyCycleVelocity  float32
	DutyCycleFrequency uint16

	Status7 []byte

	Updated [NumStatus]time.Time
}

// Seen reports whether status kind n has been received at least once.
func (m *Motor) Seen(n int) bool { return n >= 0 && n < NumStatus && !m.Updated[n].IsZero() }

// Store holds the latest Motor per device number. Entries are created on
// the first status frame from a device and never removed.
type Store struct {
	mu   sync.RWMutex
	devs map[uint8]*Motor
	now  func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for update timestamps and
// staleness checks.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{devs: make(map[uint8]*Motor), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply merges a decoded update and refreshes that status kind's timestamp,
// whatever the field values are.
func (s *Store) Apply(u Update) {
	if u.Record == nil {
		return
	}
	n := u.Record.Status()
	if n < 0 || n >= NumStatus {
		return
	}
	ts := s.now()
	s.mu.Lock()
	m, ok := s.devs[u.Device]
	if !ok {
		m = &Motor{}
		s.devs[u.Device] = m
	}
	u.Record.apply(m)
	m.Updated[n] = ts
	s.mu.Unlock()
}

// Ingest decodes fr and applies it. It reports whether the frame carried
// telemetry.
func (s *Store) Ingest(fr can.Frame) bool {
	u, ok := Decode(fr)
	if ok {
		s.Apply(u)
	}
	return ok
}

// Get returns a copy of a device's state.
func (s *Store) Get(dev uint8) (Motor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.devs[dev]
	if !ok {
		return Motor{}, false
	}
	cp := *m
	cp.Status7 = slices.Clone(m.Status7)
	return cp, true
}

// Has reports whether any status frame has been seen from dev.
func (s *Store) Has(dev uint8) bool {
	s.mu.RLock()
	_, ok := s.devs[dev]
	s.mu.RUnlock()
	return ok
}

// PositionKnown reports whether dev has sent at least one status 2 frame.
// Until then Position is a placeholder, not a measurement.
func (s *Store) PositionKnown(dev uint8) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.devs[dev]
	return ok && m.Seen(2)
}

// Position returns the last reported position, 0 for unknown devices.
func (s *Store) Position(dev uint8) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.devs[dev]; ok {
		return m.Position
	}
	return 0
}

// Velocity returns the last reported velocity, 0 for unknown devices.
func (s *Store) Velocity(dev uint8) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.devs[dev]; ok {
		return m.Velocity
	}
	return 0
}

// HasTimedOut is true when dev is unknown, has never sent status 0, or sent
// its last status 0 more than Timeout ago. Other status kinds do not count.
func (s *Store) HasTimedOut(dev uint8) bool {
	s.mu.RLock()
	m, ok := s.devs[dev]
	var last time.Time
	if ok {
		last = m.Updated[0]
	}
	s.mu.RUnlock()
	if !ok || last.IsZero() {
		return true
	}
	return s.now().Sub(last) > Timeout
}

// Devices lists known device numbers in ascending order.
func (s *Store) Devices() []uint8 {
	s.mu.RLock()
	out := make([]uint8, 0, len(s.devs))
	for d := range s.devs {
		out = append(out, d)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}
