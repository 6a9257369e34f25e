package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hearthchat/skillhost/internal/pyruntime"
)

// Entry is one discovered skill version.
type Entry struct {
	Slug           string   `json:"slug"`
	DisplayName    string   `json:"displayName"`
	Description    string   `json:"description"`
	Version        string   `json:"version"`
	VersionID      string   `json:"versionId"`
	Path           string   `json:"path"`
	PythonPackages []string `json:"pythonPackages,omitempty"`
	Enabled        bool     `json:"enabled"`
}

// Notice reports a skill directory that could not be loaded.
type Notice struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message,omitempty"`
}

// Catalog is the full listing returned to the API layer.
type Catalog struct {
	Skills []Entry  `json:"skills"`
	Errors []Notice `json:"errors,omitempty"`
}

type frontmatter struct {
	Name           string   `yaml:"name"`
	DisplayName    string   `yaml:"display_name"`
	Description    string   `yaml:"description"`
	Version        string   `yaml:"version"`
	PythonPackages []string `yaml:"python_packages"`
}

type stateFile struct {
	SchemaVersion int      `json:"schema_version"`
	DisabledSlugs []string `json:"disabled_slugs,omitempty"`
}

var skillSlugRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// Manager discovers skills under <dataRoot>/skills. Each skill is a
// directory holding a SKILL.md with yaml frontmatter; python_packages lists
// the pip requirements the skill needs at runtime. Enable/disable state is
// persisted separately so a catalog rescan never loses it.
type Manager struct {
	log       *slog.Logger
	root      string
	statePath string

	mu            sync.RWMutex
	entries       []Entry
	notices       []Notice
	disabledSlugs map[string]struct{}
	stateLoaded   bool
}

func NewManager(log *slog.Logger, dataRoot string) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	dataRoot = strings.TrimSpace(dataRoot)
	return &Manager{
		log:           log,
		root:          filepath.Join(dataRoot, "skills"),
		statePath:     filepath.Join(dataRoot, "skills_state.json"),
		disabledSlugs: map[string]struct{}{},
	}
}

// Root returns the skills discovery root.
func (m *Manager) Root() string {
	if m == nil {
		return ""
	}
	return m.root
}

// Discover rescans the skills root.
func (m *Manager) Discover() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverLocked()
}

// Catalog returns the current listing. Callers receive copies.
func (m *Manager) Catalog() Catalog {
	if m == nil {
		return Catalog{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	skills := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cloned := e
		cloned.PythonPackages = append([]string(nil), e.PythonPackages...)
		skills = append(skills, cloned)
	}
	errors := append([]Notice(nil), m.notices...)
	return Catalog{Skills: skills, Errors: errors}
}

// SetEnabled toggles one skill and persists the state. The returned entry
// reflects the new state.
func (m *Manager) SetEnabled(slug string, enabled bool) (Entry, error) {
	if m == nil {
		return Entry{}, errors.New("nil skills manager")
	}
	slug = strings.TrimSpace(slug)
	if !skillSlugRE.MatchString(slug) {
		return Entry{}, fmt.Errorf("invalid skill slug: %s", slug)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverLocked()

	found := -1
	for i := range m.entries {
		if m.entries[i].Slug == slug {
			found = i
			break
		}
	}
	if found < 0 {
		return Entry{}, fmt.Errorf("unknown skill: %s", slug)
	}

	if enabled {
		delete(m.disabledSlugs, slug)
	} else {
		m.disabledSlugs[slug] = struct{}{}
	}
	if err := m.saveStateLocked(); err != nil {
		return Entry{}, err
	}
	m.entries[found].Enabled = enabled

	entry := m.entries[found]
	entry.PythonPackages = append([]string(nil), entry.PythonPackages...)
	return entry, nil
}

// ActiveSkillVersions implements pyruntime.SkillCatalog: only enabled skill
// versions contribute python dependencies. The result is recomputed from
// the current catalog on every call.
func (m *Manager) ActiveSkillVersions() []pyruntime.ActiveSkillVersion {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]pyruntime.ActiveSkillVersion, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.Enabled {
			continue
		}
		out = append(out, pyruntime.ActiveSkillVersion{
			SkillID:        e.Slug,
			Slug:           e.Slug,
			DisplayName:    e.DisplayName,
			VersionID:      e.VersionID,
			Version:        e.Version,
			PythonPackages: append([]string(nil), e.PythonPackages...),
		})
	}
	return out
}

func (m *Manager) discoverLocked() {
	notices := make([]Notice, 0, 4)
	if err := m.loadStateLocked(); err != nil {
		notices = append(notices, Notice{Path: m.statePath, Message: err.Error()})
	}

	dirEntries, err := os.ReadDir(m.root)
	if err != nil && !os.IsNotExist(err) {
		notices = append(notices, Notice{Path: m.root, Message: err.Error()})
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de == nil || !de.IsDir() {
			continue
		}
		dirName := strings.TrimSpace(de.Name())
		if dirName == "" {
			continue
		}
		skillFile := filepath.Join(m.root, dirName, "SKILL.md")
		if _, err := os.Stat(skillFile); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			notices = append(notices, Notice{Path: skillFile, Message: err.Error()})
			continue
		}
		entry, err := parseSkillFile(skillFile)
		if err != nil {
			notices = append(notices, Notice{Path: skillFile, Message: err.Error()})
			continue
		}
		if entry.Slug != dirName {
			notices = append(notices, Notice{Path: skillFile, Message: fmt.Sprintf("skill name %q does not match directory %q", entry.Slug, dirName)})
			continue
		}
		_, disabled := m.disabledSlugs[entry.Slug]
		entry.Enabled = !disabled
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Slug < entries[j].Slug })
	sort.Slice(notices, func(i, j int) bool {
		if notices[i].Path == notices[j].Path {
			return notices[i].Message < notices[j].Message
		}
		return notices[i].Path < notices[j].Path
	})

	m.entries = entries
	m.notices = notices
}

func parseSkillFile(path string) (Entry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	raw, _, ok := splitFrontmatter(string(content))
	if !ok {
		return Entry{}, errors.New("missing frontmatter")
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
		return Entry{}, err
	}
	fm.Name = strings.TrimSpace(fm.Name)
	if !skillSlugRE.MatchString(fm.Name) {
		return Entry{}, fmt.Errorf("invalid skill name: %q", fm.Name)
	}
	version := strings.TrimSpace(fm.Version)
	if version == "" {
		version = "0.0.0"
	}
	displayName := strings.TrimSpace(fm.DisplayName)
	if displayName == "" {
		displayName = fm.Name
	}

	packages := make([]string, 0, len(fm.PythonPackages))
	for _, pkg := range fm.PythonPackages {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		packages = append(packages, pkg)
	}

	return Entry{
		Slug:           fm.Name,
		DisplayName:    displayName,
		Description:    strings.TrimSpace(fm.Description),
		Version:        version,
		VersionID:      fm.Name + "@" + version,
		Path:           filepath.Clean(path),
		PythonPackages: packages,
	}, nil
}

func splitFrontmatter(raw string) (frontmatter string, body string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", strings.TrimSpace(raw), false
	}
	lines := strings.Split(raw, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end <= 0 {
		return "", strings.TrimSpace(raw), false
	}
	front := strings.Join(lines[1:end], "\n")
	bodyPart := ""
	if end+1 < len(lines) {
		bodyPart = strings.Join(lines[end+1:], "\n")
	}
	return strings.TrimSpace(front), strings.TrimSpace(bodyPart), true
}

func (m *Manager) loadStateLocked() error {
	if m.stateLoaded {
		return nil
	}
	m.stateLoaded = true
	m.disabledSlugs = map[string]struct{}{}
	raw, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var payload stateFile
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	for _, slug := range payload.DisabledSlugs {
		slug = strings.TrimSpace(slug)
		if slug == "" {
			continue
		}
		m.disabledSlugs[slug] = struct{}{}
	}
	return nil
}

func (m *Manager) saveStateLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o700); err != nil {
		return err
	}
	slugs := make([]string, 0, len(m.disabledSlugs))
	for slug := range m.disabledSlugs {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	payload := stateFile{SchemaVersion: 1}
	if len(slugs) > 0 {
		payload.DisabledSlugs = slugs
	}
	buf, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, append(buf, '\n'), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
