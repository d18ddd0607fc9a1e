package telemetry

import (
	"encoding/json"
	"net/http"

	"github.com/kstaniek/go-gsusb-gateway/internal/frc"
)

// DeviceView is the JSON form of one device served by Handler.
type DeviceView struct {
	Device        uint8              `json:"device"`
	TimedOut      bool               `json:"timed_out"`
	AppliedOutput int16              `json:"applied_output"`
	Faults        uint16             `json:"faults"`
	StickyFaults  uint16             `json:"sticky_faults"`
	IsFollower    bool               `json:"is_follower"`
	Velocity      float32            `json:"velocity"`
	Position      float32            `json:"position"`
	Temperature   uint8              `json:"temperature"`
	Voltage       float32            `json:"voltage"`
	Current       float32            `json:"current"`
	AgeMS         map[string]int64   `json:"age_ms"`
	Extra         map[string]float64 `json:"extra,omitempty"`
}

// Snapshot returns a view of every known device.
func (s *Store) Snapshot() []DeviceView {
	now := s.now()
	devs := s.Devices()
	out := make([]DeviceView, 0, len(devs))
	for _, d := range devs {
		m, ok := s.Get(d)
		if !ok {
			continue
		}
		v := DeviceView{
			Device:        d,
			TimedOut:      s.HasTimedOut(d),
			AppliedOutput: m.AppliedOutput,
			Faults:        m.Faults,
			StickyFaults:  m.StickyFaults,
			IsFollower:    m.IsFollower,
			Velocity:      m.Velocity,
			Position:      m.Position,
			Temperature:   m.Temperature,
			Voltage:       m.Voltage,
			Current:       m.Current,
			AgeMS:         make(map[string]int64),
		}
		for n := 0; n < NumStatus; n++ {
			if m.Seen(n) {
				v.AgeMS[(frc.PeriodicStatus0 + frc.API(n)).String()] = now.Sub(m.Updated[n]).Milliseconds()
			}
		}
		if m.Seen(3) || m.Seen(4) || m.Seen(5) || m.Seen(6) {
			v.Extra = map[string]float64{
				"analog_voltage":       float64(m.AnalogVoltage),
				"analog_velocity":      float64(m.AnalogVelocity),
				"analog_position":      float64(m.AnalogPosition),
				"alt_encoder_velocity": float64(m.AltEncoderVelocity),
				"alt_encoder_position": float64(m.AltEncoderPosition),
				"duty_cycle_position":  float64(m.DutyCyclePosition),
				"duty_cycle_angle":     float64(m.DutyCycleAngle),
				"duty_cycle_velocity":  float64(m.DutyCycleVelocity),
				"duty_cycle_frequency": float64(m.DutyCycleFrequency),
			}
		}
		out = append(out, v)
	}
	return out
}

// Handler serves Snapshot as JSON.
func Handler(s *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Timeout int64        `json:"timeout_ms"`
			Devices []DeviceView `json:"devices"`
		}{Timeout: Timeout.Milliseconds(), Devices: s.Snapshot()})
	})
}
