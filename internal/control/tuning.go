package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidTuning = errors.New("invalid tuning")

// Tuning is the on-disk loop configuration. Absent keys keep the current
// value.
type Tuning struct {
	Setpoint    *float32 `yaml:"setpoint"`
	Kp          *float32 `yaml:"kp"`
	Ki          *float32 `yaml:"ki"`
	Kd          *float32 `yaml:"kd"`
	BusVoltage  *float32 `yaml:"bus_voltage"`
	Heartbeat   *bool    `yaml:"heartbeat"`
	RequireLive *bool    `yaml:"require_live"`
}

// LoadTuning reads a YAML tuning file.
func LoadTuning(path string) (Tuning, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning: %w", err)
	}
	return ParseTuning(b)
}

// ParseTuning decodes YAML and rejects unknown keys and a non-positive bus
// voltage.
func ParseTuning(b []byte) (Tuning, error) {
	var t Tuning
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return Tuning{}, fmt.Errorf("%w: %v", ErrInvalidTuning, err)
	}
	if t.BusVoltage != nil && *t.BusVoltage <= 0 {
		return Tuning{}, fmt.Errorf("%w: bus_voltage must be > 0", ErrInvalidTuning)
	}
	return t, nil
}

// Apply pushes the set fields into the loop through its setters.
func (l *Loop) Apply(t Tuning) {
	if t.Setpoint != nil {
		l.SetSetpoint(*t.Setpoint)
	}
	if t.Kp != nil {
		l.SetKp(*t.Kp)
	}
	if t.Ki != nil {
		l.SetKi(*t.Ki)
	}
	if t.Kd != nil {
		l.SetKd(*t.Kd)
	}
	if t.BusVoltage != nil {
		l.SetBusVoltage(*t.BusVoltage)
	}
	if t.Heartbeat != nil {
		l.SetHeartbeat(*t.Heartbeat)
	}
	if t.RequireLive != nil {
		l.SetRequireLive(*t.RequireLive)
	}
	l.logger.Info("control_tuning", "setpoint", l.Setpoint(), "kp", l.Kp(), "ki", l.Ki(), "kd", l.Kd(), "bus_voltage", l.BusVoltage(), "heartbeat", l.Heartbeat(), "require_live", l.RequireLive())
}
