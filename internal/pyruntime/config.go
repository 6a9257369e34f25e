package pyruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const settingsKeyIndexConfig = "python_runtime.index_config"

// IndexConfig carries the pip index configuration and the auto-install
// switches. It is read from the settings store on every operation.
type IndexConfig struct {
	IndexURL              string   `json:"indexUrl,omitempty"`
	ExtraIndexURLs        []string `json:"extraIndexUrls,omitempty"`
	TrustedHosts          []string `json:"trustedHosts,omitempty"`
	AutoInstallOnActivate bool     `json:"autoInstallOnActivate"`
	AutoInstallOnMissing  bool     `json:"autoInstallOnMissing"`
}

// storedIndexConfig distinguishes an absent autoInstallOnMissing from an
// explicit false: the switch defaults to true when never persisted.
type storedIndexConfig struct {
	IndexURL              string   `json:"indexUrl,omitempty"`
	ExtraIndexURLs        []string `json:"extraIndexUrls,omitempty"`
	TrustedHosts          []string `json:"trustedHosts,omitempty"`
	AutoInstallOnActivate *bool    `json:"autoInstallOnActivate,omitempty"`
	AutoInstallOnMissing  *bool    `json:"autoInstallOnMissing,omitempty"`
}

func loadIndexConfig(ctx context.Context, settings SettingsStore) (IndexConfig, error) {
	cfg := IndexConfig{AutoInstallOnMissing: true}
	if settings == nil {
		return cfg, nil
	}
	raw, ok, err := settings.Get(ctx, settingsKeyIndexConfig)
	if err != nil {
		return cfg, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	var stored storedIndexConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return cfg, fmt.Errorf("corrupt index config: %w", err)
	}
	cfg.IndexURL = strings.TrimSpace(stored.IndexURL)
	cfg.ExtraIndexURLs = trimmedNonEmpty(stored.ExtraIndexURLs)
	cfg.TrustedHosts = trimmedNonEmpty(stored.TrustedHosts)
	if stored.AutoInstallOnActivate != nil {
		cfg.AutoInstallOnActivate = *stored.AutoInstallOnActivate
	}
	if stored.AutoInstallOnMissing != nil {
		cfg.AutoInstallOnMissing = *stored.AutoInstallOnMissing
	}
	return cfg, nil
}

func saveIndexConfig(ctx context.Context, settings SettingsStore, cfg IndexConfig) error {
	stored := storedIndexConfig{
		IndexURL:              strings.TrimSpace(cfg.IndexURL),
		ExtraIndexURLs:        trimmedNonEmpty(cfg.ExtraIndexURLs),
		TrustedHosts:          trimmedNonEmpty(cfg.TrustedHosts),
		AutoInstallOnActivate: &cfg.AutoInstallOnActivate,
		AutoInstallOnMissing:  &cfg.AutoInstallOnMissing,
	}
	b, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	return settings.Set(ctx, settingsKeyIndexConfig, string(b))
}

// indexFlags renders the pip command-line flags for the configured indexes.
func (c IndexConfig) indexFlags() []string {
	out := make([]string, 0, 2+2*len(c.ExtraIndexURLs)+2*len(c.TrustedHosts))
	if url := strings.TrimSpace(c.IndexURL); url != "" {
		out = append(out, "--index-url", url)
	}
	for _, url := range c.ExtraIndexURLs {
		out = append(out, "--extra-index-url", url)
	}
	for _, host := range c.TrustedHosts {
		out = append(out, "--trusted-host", host)
	}
	return out
}

func trimmedNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
