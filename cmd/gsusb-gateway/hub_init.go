package main

import (
	"log/slog"

	"github.com/kstaniek/go-gsusb-gateway/internal/hub"
)

// initHub builds the session hub. validate rejects unknown policy names, so
// the drop fallback only applies to configs built without it.
func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	policy, ok := hub.ParsePolicy(cfg.hubPolicy)
	if !ok {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", policy.String())
	}
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	h.Policy = policy
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", policy.String(), "session_buffer", h.OutBufSize)
	return h
}
