package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// File is the on-disk (json5) form of Config. Zero values mean "keep the default".
type File struct {
	BaseURL          string `json:"base_url"`
	SearchURL        string `json:"search_url"`
	MaxComments      int    `json:"max_comments"`
	PageSize         int    `json:"page_size"`
	Workers          int    `json:"workers"`
	DelayMin         string `json:"delay_min"`
	DelayMax         string `json:"delay_max"`
	StartJitterMin   string `json:"start_jitter_min"`
	StartJitterMax   string `json:"start_jitter_max"`
	Timeout          string `json:"timeout"`
	MaxRetries       int    `json:"max_retries"`
	RetryBackoff     string `json:"retry_backoff"`
	RetryBackoffMax  string `json:"retry_backoff_max"`
	OutputDir        string `json:"output_dir"`
	UserAgent        string `json:"user_agent"`
	AcceptLanguage   string `json:"accept_language"`
	Cookie           string `json:"cookie"`
	CookieFile       string `json:"cookie_file"`
	FetchFullContent *bool  `json:"fetch_full_content"`
	ProxyFile        string `json:"proxy_file"`
	FreeProxies      *bool  `json:"free_proxies"`
	ProxyMaxFailures int    `json:"proxy_max_failures"`
	ProxyCheckURL    string `json:"proxy_check_url"`
	DedupeCacheSize  int    `json:"dedupe_cache_size"`
	SearchCacheSize  int    `json:"search_cache_size"`
	MetricsAddr      string `json:"metrics_addr"`
	LogDir           string `json:"log_dir"`
}

// ReadFile reads name and, when present, name.local.<ext>, the latter taking priority.
// os.ErrNotExist is returned when neither exists.
func ReadFile(name string) (File, error) {
	var out File
	found := false

	raw, err := os.ReadFile(name)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(raw) > 0 {
		if err := json5.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("parse %s: %w", name, err)
		}
		found = true
	}

	localName := localPath(name)
	raw, err = os.ReadFile(localName)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(raw) > 0 {
		var override File
		if err := json5.Unmarshal(raw, &override); err != nil {
			return out, fmt.Errorf("parse %s: %w", localName, err)
		}
		if err := mergo.Merge(&out, override, mergo.WithOverride); err != nil {
			return out, err
		}
		slog.Info("merging config with local overrides", slog.String("local", localName))
		found = true
	}

	if !found {
		return out, os.ErrNotExist
	}
	return out, nil
}

// Apply merges the non-zero fields of f over cfg.
func (f File) Apply(cfg *Config) error {
	override := Config{
		BaseURL:          f.BaseURL,
		SearchURL:        f.SearchURL,
		MaxComments:      f.MaxComments,
		PageSize:         f.PageSize,
		Workers:          f.Workers,
		MaxRetries:       f.MaxRetries,
		OutputDir:        f.OutputDir,
		UserAgent:        f.UserAgent,
		AcceptLanguage:   f.AcceptLanguage,
		Cookie:           CleanCookie(f.Cookie),
		ProxyFile:        f.ProxyFile,
		ProxyMaxFailures: f.ProxyMaxFailures,
		ProxyCheckURL:    f.ProxyCheckURL,
		DedupeCacheSize:  f.DedupeCacheSize,
		SearchCacheSize:  f.SearchCacheSize,
		MetricsAddr:      f.MetricsAddr,
		LogDir:           f.LogDir,
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delay_min", f.DelayMin, &override.DelayMin},
		{"delay_max", f.DelayMax, &override.DelayMax},
		{"start_jitter_min", f.StartJitterMin, &override.StartJitterMin},
		{"start_jitter_max", f.StartJitterMax, &override.StartJitterMax},
		{"timeout", f.Timeout, &override.Timeout},
		{"retry_backoff", f.RetryBackoff, &override.RetryBackoff},
		{"retry_backoff_max", f.RetryBackoffMax, &override.RetryBackoffMax},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if f.CookieFile != "" {
		cookie, err := ReadCookieFile(f.CookieFile)
		if err != nil {
			return err
		}
		override.Cookie = cookie
	}

	if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge config: %w", err)
	}
	// mergo skips false; pointers carry an explicit choice.
	if f.FetchFullContent != nil {
		cfg.FetchFullContent = *f.FetchFullContent
	}
	if f.FreeProxies != nil {
		cfg.FreeProxies = *f.FreeProxies
	}
	return nil
}

// LoadFile reads the config file at name and applies it over cfg.
func LoadFile(name string, cfg *Config) error {
	f, err := ReadFile(name)
	if err != nil {
		return err
	}
	return f.Apply(cfg)
}

func localPath(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".local" + ext
}
