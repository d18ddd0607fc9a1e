package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kstaniek/go-gsusb-gateway/internal/can"
	"github.com/kstaniek/go-gsusb-gateway/internal/metrics"
	"github.com/kstaniek/go-gsusb-gateway/internal/telemetry"
)

type nopEmitter struct{}

func (nopEmitter) Emit(can.Frame) bool { return true }

func writeTuning(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInitControlDisabled(t *testing.T) {
	loop, err := initControl(&appConfig{controlDevice: -1}, telemetry.NewStore(), nopEmitter{})
	if err != nil || loop != nil {
		t.Fatalf("expected disabled loop, got %v %v", loop, err)
	}
}

func TestInitControlLoadsTuning(t *testing.T) {
	p := writeTuning(t, "setpoint: 4.5\nkp: 0.8\n")
	cfg := defaultConfig()
	cfg.controlDevice = 2
	cfg.controlConfig = p
	loop, err := initControl(cfg, telemetry.NewStore(), nopEmitter{})
	if err != nil {
		t.Fatalf("initControl: %v", err)
	}
	if loop.Device() != 2 || loop.Period() != cfg.controlPeriod {
		t.Fatalf("device/period = %d/%v", loop.Device(), loop.Period())
	}
	if loop.Setpoint() != 4.5 || loop.Kp() != 0.8 {
		t.Fatalf("tuning not applied: setpoint=%v kp=%v", loop.Setpoint(), loop.Kp())
	}

	cfg.controlConfig = writeTuning(t, "bogus: 1\n")
	if _, err := initControl(cfg, telemetry.NewStore(), nopEmitter{}); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestReloadTuning(t *testing.T) {
	cfg := defaultConfig()
	cfg.controlDevice = 1
	loop, err := initControl(cfg, telemetry.NewStore(), nopEmitter{})
	if err != nil {
		t.Fatal(err)
	}
	p := writeTuning(t, "setpoint: 1.5\n")
	if !reloadTuning(loop, p, testLogger()) {
		t.Fatalf("reload failed")
	}
	if loop.Setpoint() != 1.5 {
		t.Fatalf("setpoint = %v", loop.Setpoint())
	}

	before := metrics.Snap().Errors
	if err := os.WriteFile(p, []byte("bus_voltage: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if reloadTuning(loop, p, testLogger()) {
		t.Fatalf("invalid tuning applied")
	}
	if loop.Setpoint() != 1.5 {
		t.Fatalf("failed reload changed setpoint to %v", loop.Setpoint())
	}
	if metrics.Snap().Errors == before {
		t.Fatalf("expected config error to be counted")
	}
	if reloadTuning(nil, p, testLogger()) {
		t.Fatalf("reload without loop reported success")
	}
}

func TestHTTPRoutes(t *testing.T) {
	store := telemetry.NewStore()
	if got := len(httpRoutes(store, nil)); got != 1 {
		t.Fatalf("routes without loop = %d", got)
	}
	cfg := defaultConfig()
	cfg.controlDevice = 1
	loop, _ := initControl(cfg, store, nopEmitter{})
	mux := metrics.NewMux(httpRoutes(store, loop)...)
	for _, path := range []string{"/telemetry", "/control"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
	}
}
