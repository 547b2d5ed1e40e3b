package backend

import (
	"fmt"
	"log/slog"
)

// Config selects and configures the active backend. Exactly one variant is
// active per process; the choice is made once at startup, never per request.
type Config struct {
	Type     string         `yaml:"type"` // local | provider | hosted
	Local    LocalConfig    `yaml:"local"`
	Provider ProviderConfig `yaml:"provider"`
	Hosted   HostedConfig   `yaml:"hosted"`
}

// New constructs the backend named by cfg.Type. Construction errors are
// configuration failures and should abort startup.
func New(cfg Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Type {
	case "local", "":
		return NewLocal(cfg.Local, logger)
	case "provider":
		return NewProvider(cfg.Provider, logger)
	case "hosted":
		return NewHosted(cfg.Hosted, logger)
	default:
		return nil, fmt.Errorf("backend: unknown type %q (use local, provider or hosted)", cfg.Type)
	}
}
