package app

import (
	"io"
	"log/slog"

	"github.com/kilnml/kiln/internal/registry"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	reg    *registry.Registry
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and registry.
// With no explicit component sets the built-in core components are
// registered; embedding programs pass their own.
func NewApp(outW io.Writer, config *Config, components ...func(*registry.Registry)) *App {
	logger := newLogger(config.LogLevel, config.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	reg := registry.New()
	if len(components) == 0 {
		components = []func(*registry.Registry){RegisterCoreComponents}
	}
	for _, register := range components {
		register(reg)
	}
	logger.Debug("All component factories registered.", "types", reg.Types())

	return &App{
		outW:   outW,
		logger: logger,
		config: config,
		reg:    reg,
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.reg
}
