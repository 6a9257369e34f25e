package pyruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SettingsStore is the persistence port for runtime state. Values are
// JSON-encoded strings; implementations must make Set durable before
// returning.
type SettingsStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key string, value string) error
}

// PackageSource describes why a package was installed into the shared venv.
type PackageSource string

const (
	SourceManual     PackageSource = "manual"
	SourcePythonAuto PackageSource = "python_auto"
	SourceSkillAuto  PackageSource = "skill_auto"

	// SourceSkillManifest is derived from the active skill catalog on every
	// read; it is never persisted.
	SourceSkillManifest PackageSource = "skill_manifest"
)

const (
	settingsKeyManualPackages     = "python_runtime.manual_packages"
	settingsKeyPythonAutoPackages = "python_runtime.python_auto_packages"
	settingsKeySkillAutoPackages  = "python_runtime.skill_auto_packages"
)

// Ledger tracks the three persisted name-only package sets. Every read goes
// back to the settings store; nothing is cached beyond a single call chain,
// so concurrent processes observing the store stay consistent.
//
// skill_auto membership is intentionally a flat name list without per-skill
// attribution; cleanup after skill removal is therefore name-based.
type Ledger struct {
	settings SettingsStore
}

func NewLedger(settings SettingsStore) *Ledger {
	return &Ledger{settings: settings}
}

func (l *Ledger) ManualPackages(ctx context.Context) ([]string, error) {
	return l.readSet(ctx, settingsKeyManualPackages)
}

func (l *Ledger) SetManualPackages(ctx context.Context, names []string) error {
	return l.writeSet(ctx, settingsKeyManualPackages, names)
}

func (l *Ledger) PythonAutoPackages(ctx context.Context) ([]string, error) {
	return l.readSet(ctx, settingsKeyPythonAutoPackages)
}

func (l *Ledger) SetPythonAutoPackages(ctx context.Context, names []string) error {
	return l.writeSet(ctx, settingsKeyPythonAutoPackages, names)
}

func (l *Ledger) SkillAutoPackages(ctx context.Context) ([]string, error) {
	return l.readSet(ctx, settingsKeySkillAutoPackages)
}

func (l *Ledger) SetSkillAutoPackages(ctx context.Context, names []string) error {
	return l.writeSet(ctx, settingsKeySkillAutoPackages, names)
}

// Add appends canonical names to the set for source. Adding an existing
// name is a no-op.
func (l *Ledger) Add(ctx context.Context, source PackageSource, names []string) error {
	key, err := settingsKeyFor(source)
	if err != nil {
		return err
	}
	current, err := l.readSet(ctx, key)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(current))
	for _, name := range current {
		seen[name] = struct{}{}
	}
	changed := false
	for _, raw := range names {
		name := CanonicalPackageName(raw)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		current = append(current, name)
		changed = true
	}
	if !changed {
		return nil
	}
	return l.writeSet(ctx, key, current)
}

// Discard removes names from every persisted set. Removing an absent name
// is a no-op.
func (l *Ledger) Discard(ctx context.Context, names []string) error {
	drop := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := CanonicalPackageName(raw)
		if name == "" {
			continue
		}
		drop[name] = struct{}{}
	}
	if len(drop) == 0 {
		return nil
	}
	for _, key := range []string{settingsKeyManualPackages, settingsKeyPythonAutoPackages, settingsKeySkillAutoPackages} {
		current, err := l.readSet(ctx, key)
		if err != nil {
			return err
		}
		kept := current[:0]
		for _, name := range current {
			if _, gone := drop[name]; gone {
				continue
			}
			kept = append(kept, name)
		}
		if len(kept) == len(current) {
			continue
		}
		if err := l.writeSet(ctx, key, kept); err != nil {
			return err
		}
	}
	return nil
}

func settingsKeyFor(source PackageSource) (string, error) {
	switch source {
	case SourceManual:
		return settingsKeyManualPackages, nil
	case SourcePythonAuto:
		return settingsKeyPythonAutoPackages, nil
	case SourceSkillAuto:
		return settingsKeySkillAutoPackages, nil
	default:
		return "", fmt.Errorf("invalid package source: %q", source)
	}
}

func (l *Ledger) readSet(ctx context.Context, key string) ([]string, error) {
	if l == nil || l.settings == nil {
		return nil, errors.New("nil ledger")
	}
	raw, ok, err := l.settings.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("corrupt ledger set %s: %w", key, err)
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := CanonicalPackageName(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

func (l *Ledger) writeSet(ctx context.Context, key string, names []string) error {
	if l == nil || l.settings == nil {
		return errors.New("nil ledger")
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := CanonicalPackageName(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return l.settings.Set(ctx, key, string(b))
}
