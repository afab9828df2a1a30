package app

import (
	"fmt"
	"os"

	"chatrelay/pkg/config"
)

// validateConfig performs quick, fail-fast validation of the effective
// configuration before starting long-running services. Keep checks light
// and focused so callers can surface user-friendly errors.
func validateConfig(cfg *config.Config) error {
	cert := cfg.Server.TLS.CertFile
	key := cfg.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	if cfg.Bridge.Enabled && cfg.Bridge.URL == "" {
		return fmt.Errorf("bridge enabled but bridge.url is empty")
	}

	if len(cfg.Security.APIKeys.Backend) == 0 {
		return fmt.Errorf("no backend API keys configured: signed credentials cannot be verified; set security.api_keys.backend or CHATRELAY_API_BACKEND_KEYS")
	}
	return nil
}
