package control

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Status is the JSON view served by Handler.
type Status struct {
	Device      uint8   `json:"device"`
	PeriodMS    int64   `json:"period_ms"`
	Setpoint    float32 `json:"setpoint"`
	Kp          float32 `json:"kp"`
	Ki          float32 `json:"ki"`
	Kd          float32 `json:"kd"`
	BusVoltage  float32 `json:"bus_voltage"`
	Heartbeat   bool    `json:"heartbeat"`
	RequireLive bool    `json:"require_live"`
	Error       float32 `json:"error"`
	Output      float32 `json:"output"`
	Steps       uint64  `json:"steps"`
}

func (l *Loop) Status() Status {
	return Status{
		Device:      l.device,
		PeriodMS:    l.period.Milliseconds(),
		Setpoint:    l.Setpoint(),
		Kp:          l.Kp(),
		Ki:          l.Ki(),
		Kd:          l.Kd(),
		BusVoltage:  l.BusVoltage(),
		Heartbeat:   l.Heartbeat(),
		RequireLive: l.RequireLive(),
		Error:       l.Error(l.device),
		Output:      l.Output(),
		Steps:       l.steps.Load(),
	}
}

// Handler serves the loop status on GET. POST form values setpoint, kp, ki,
// kd, bus_voltage, heartbeat and require_live update the loop.
func Handler(l *Loop) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			if err := r.ParseForm(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			t, err := tuningFromForm(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			l.Apply(t)
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(l.Status())
	})
}

func tuningFromForm(r *http.Request) (Tuning, error) {
	var t Tuning
	floats := map[string]**float32{
		"setpoint": &t.Setpoint, "kp": &t.Kp, "ki": &t.Ki, "kd": &t.Kd, "bus_voltage": &t.BusVoltage,
	}
	for key, dst := range floats {
		if s := r.Form.Get(key); s != "" {
			v, err := strconv.ParseFloat(s, 32)
			if err != nil {
				return Tuning{}, err
			}
			f := float32(v)
			*dst = &f
		}
	}
	bools := map[string]**bool{"heartbeat": &t.Heartbeat, "require_live": &t.RequireLive}
	for key, dst := range bools {
		if s := r.Form.Get(key); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				return Tuning{}, err
			}
			*dst = &v
		}
	}
	if t.BusVoltage != nil && *t.BusVoltage <= 0 {
		return Tuning{}, ErrInvalidTuning
	}
	return t, nil
}
