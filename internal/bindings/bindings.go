// Package bindings owns the long-lived bindings emulator and produces the env
// snapshot handed to each handler invocation.
package bindings

import (
	"context"
	"fmt"

	"github.com/cryguy/workerdev/internal/core"
)

// Factory starts an emulator. The configuration it closes over is opaque here.
type Factory func(ctx context.Context) (core.Emulator, error)

// Provider wraps an optional emulator. A Provider without an emulator hands
// out empty bindings.
type Provider struct {
	emulator core.Emulator
}

// New builds a Provider. A nil factory means no bindings are configured;
// otherwise the emulator is started eagerly and a failure is returned.
func New(ctx context.Context, factory Factory) (*Provider, error) {
	if factory == nil {
		return &Provider{}, nil
	}
	em, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting bindings emulator: %w", err)
	}
	if em == nil {
		return nil, fmt.Errorf("starting bindings emulator: factory returned no emulator")
	}
	return &Provider{emulator: em}, nil
}

// FromEmulator wraps an already running emulator. A nil emulator yields a
// Provider with no bindings.
func FromEmulator(em core.Emulator) *Provider {
	return &Provider{emulator: em}
}

// Enabled reports whether an emulator is attached.
func (p *Provider) Enabled() bool {
	return p != nil && p.emulator != nil
}

// Snapshot returns the emulator's bindings for one request, or empty non-nil
// bindings when no emulator is configured.
func (p *Provider) Snapshot(ctx context.Context) (core.Bindings, error) {
	if !p.Enabled() {
		return core.Bindings{}, nil
	}
	env, err := p.emulator.Bindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshotting bindings: %w", err)
	}
	if env == nil {
		env = core.Bindings{}
	}
	return env, nil
}

// Close shuts the emulator down.
func (p *Provider) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.emulator.Close()
}
