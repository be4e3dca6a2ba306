package main

import (
	"log/slog"
	"strings"

	"github.com/pollmesh/pollmesh/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNREST.Enabled() && !hasTURNServer(cfg) {
		logger.Warn("startup security warning: no TURN server configured; participants behind symmetric NAT cannot connect",
			"warning_code", "no_turn_server",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalsPerSecond <= 0 {
		logger.Warn("startup security warning: signal rate limiting disabled while --mode=prod",
			"warning_code", "rate_limit_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.StoreBackend == config.StoreBackendMemory {
		logger.Warn("startup security warning: --store=memory while --mode=prod loses all presence on restart and cannot be replicated",
			"warning_code", "memory_store_in_prod",
			"store", cfg.StoreBackend,
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		for _, u := range s.URLs {
			lower := strings.ToLower(u)
			if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
				return true
			}
		}
	}
	return false
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
