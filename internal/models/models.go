// Package models keeps the registry of configured model profiles and
// the two pointers, main and quick, that the engine routes through.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

// Pointer names.
const (
	PointerMain  = "main"
	PointerQuick = "quick"
)

const modelsFile = "models.json"

// ErrNoMainModel is returned when a query runs without a main profile.
var ErrNoMainModel = errors.New("no main model configured")

// Prober validates a profile with a round-trip before registration.
type Prober interface {
	Probe(ctx context.Context, profile providers.ModelProfile) error
}

type registryFile struct {
	ModelProfiles []providers.ModelProfile `json:"modelProfiles"`
	ModelPointers map[string]string        `json:"modelPointers"`
}

// Manager is the model profile registry.
type Manager struct {
	mu       sync.RWMutex
	path     string
	profiles []providers.ModelProfile
	pointers map[string]string

	events *bus.Bus
	prober Prober
}

// NewManager loads the registry from homeDir. The prober may be nil,
// in which case Add never probes.
func NewManager(homeDir string, events *bus.Bus, prober Prober) (*Manager, error) {
	m := &Manager{
		path:     filepath.Join(homeDir, modelsFile),
		pointers: make(map[string]string),
		events:   events,
		prober:   prober,
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var f registryFile
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	m.profiles = f.ModelProfiles
	if f.ModelPointers != nil {
		m.pointers = f.ModelPointers
	}
	return m, nil
}

// List returns all profiles.
func (m *Manager) List() []providers.ModelProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]providers.ModelProfile(nil), m.profiles...)
}

// Get looks up a profile by name.
func (m *Manager) Get(name string) (providers.ModelProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(name)
}

func (m *Manager) findLocked(name string) (providers.ModelProfile, bool) {
	for _, p := range m.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return providers.ModelProfile{}, false
}

// Pointer returns the profile a pointer currently targets.
func (m *Manager) Pointer(name string) (providers.ModelProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.pointers[name]
	if !ok {
		return providers.ModelProfile{}, false
	}
	return m.findLocked(target)
}

// Main returns the main profile, emitting config:no_models when unset.
func (m *Manager) Main() (providers.ModelProfile, error) {
	if p, ok := m.Pointer(PointerMain); ok {
		return p, nil
	}
	if m.events != nil {
		m.events.Emit(protocol.EventConfigNoModels, bus.Payload{
			"message":    "No model configured.",
			"suggestion": "Add a model profile and set it as main before starting a session.",
		})
	}
	return providers.ModelProfile{}, ErrNoMainModel
}

// Quick returns the quick profile, falling back to main.
func (m *Manager) Quick() (providers.ModelProfile, error) {
	if p, ok := m.Pointer(PointerQuick); ok {
		return p, nil
	}
	return m.Main()
}

// Resolve maps a model pointer name to its profile; anything other than
// "quick" resolves through main.
func (m *Manager) Resolve(pointer string) (providers.ModelProfile, error) {
	if pointer == PointerQuick {
		return m.Quick()
	}
	return m.Main()
}

// Add registers a profile after a probe round-trip (skippable). The
// canonical name is derived from model and provider.
func (m *Manager) Add(ctx context.Context, profile providers.ModelProfile, skipProbe bool) error {
	if profile.ModelName == "" || profile.Provider == "" {
		return errors.New("model name and provider are required")
	}
	profile.Name = providers.ProfileName(profile.ModelName, profile.Provider)

	if !skipProbe && m.prober != nil {
		if err := m.prober.Probe(ctx, profile); err != nil {
			return fmt.Errorf("model probe failed: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.profiles {
		if p.Name == profile.Name {
			m.profiles[i] = profile
			return m.saveLocked()
		}
	}
	m.profiles = append(m.profiles, profile)

	// The first profile becomes main (and quick) automatically.
	if _, ok := m.pointers[PointerMain]; !ok {
		m.pointers[PointerMain] = profile.Name
		if _, ok := m.pointers[PointerQuick]; !ok {
			m.pointers[PointerQuick] = profile.Name
		}
	}
	return m.saveLocked()
}

// Remove deletes a profile. Deletion is blocked while any pointer
// references it.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ptr, target := range m.pointers {
		if target == name {
			return fmt.Errorf("model %q is in use by the %q pointer", name, ptr)
		}
	}
	for i, p := range m.profiles {
		if p.Name == name {
			m.profiles = append(m.profiles[:i], m.profiles[i+1:]...)
			return m.saveLocked()
		}
	}
	return fmt.Errorf("model %q not found", name)
}

// SetPointer retargets main or quick. Switching main while quick is
// unset also sets quick to the same profile.
func (m *Manager) SetPointer(pointer, name string) error {
	if pointer != PointerMain && pointer != PointerQuick {
		return fmt.Errorf("unknown pointer %q", pointer)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.findLocked(name); !ok {
		return fmt.Errorf("model %q not found", name)
	}
	m.pointers[pointer] = name
	if pointer == PointerMain {
		if _, ok := m.pointers[PointerQuick]; !ok {
			m.pointers[PointerQuick] = name
		}
	}
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	f := registryFile{ModelProfiles: m.profiles, ModelPointers: m.pointers}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(m.path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
