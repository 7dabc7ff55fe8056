package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL          string
	SearchURL        string
	MaxComments      int
	PageSize         int
	Workers          int
	DelayMin         time.Duration
	DelayMax         time.Duration
	StartJitterMin   time.Duration
	StartJitterMax   time.Duration
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	OutputDir        string
	UserAgent        string
	AcceptLanguage   string
	Cookie           string
	FetchFullContent bool
	ProxyFile        string
	FreeProxies      bool
	ProxyMaxFailures int
	ProxyCheckURL    string
	ProxyCheckTime   time.Duration
	DedupeCacheSize  int
	SearchCacheSize  int
	MetricsAddr      string
	LogDir           string
	Verbose          bool
}

// DefaultConfig returns conservative defaults for douban.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://book.douban.com",
		SearchURL:        "https://www.douban.com/search",
		MaxComments:      100,
		PageSize:         20,
		Workers:          2,
		DelayMin:         2 * time.Second,
		DelayMax:         4 * time.Second,
		StartJitterMin:   500 * time.Millisecond,
		StartJitterMax:   2 * time.Second,
		Timeout:          15 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     time.Second,
		RetryBackoffMax:  8 * time.Second,
		OutputDir:        "./output",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		AcceptLanguage:   "zh-CN,zh;q=0.9",
		FetchFullContent: true,
		ProxyMaxFailures: 3,
		ProxyCheckURL:    "https://www.douban.com",
		ProxyCheckTime:   5 * time.Second,
		DedupeCacheSize:  100000,
		SearchCacheSize:  256,
		LogDir:           "logs",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{"base URL": c.BaseURL, "search URL": c.SearchURL} {
		if raw == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("%s must include a host", name)
		}
	}

	if c.MaxComments <= 0 {
		return fmt.Errorf("max comments must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.DelayMin < 0 || c.DelayMax < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.DelayMin > c.DelayMax {
		return fmt.Errorf("delay min (%s) cannot exceed delay max (%s)", c.DelayMin, c.DelayMax)
	}
	if c.StartJitterMin < 0 || c.StartJitterMax < 0 {
		return fmt.Errorf("start jitter cannot be negative")
	}
	if c.StartJitterMin > c.StartJitterMax {
		return fmt.Errorf("start jitter min (%s) cannot exceed start jitter max (%s)", c.StartJitterMin, c.StartJitterMax)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.ProxyMaxFailures <= 0 {
		return fmt.Errorf("proxy max failures must be positive")
	}
	if c.DedupeCacheSize <= 0 {
		return fmt.Errorf("dedupe cache size must be positive")
	}
	if c.SearchCacheSize <= 0 {
		return fmt.Errorf("search cache size must be positive")
	}

	return nil
}

// MaxPages is the page budget derived from the record target and page size.
func (c *Config) MaxPages() int {
	return (c.MaxComments + c.PageSize - 1) / c.PageSize
}

// EnvInt reads an integer environment variable. ok is false when unset.
func EnvInt(name string) (value int, ok bool, err error) {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false, nil
	}
	value, err = strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", name, err)
	}
	return value, true, nil
}

// EnvString reads a non-empty environment variable.
func EnvString(name string) (string, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

// ApplyEnv overrides cfg with the SCRAPER_* environment variables.
func ApplyEnv(cfg *Config) error {
	if value, ok, err := EnvInt("SCRAPER_WORKERS"); err != nil {
		return err
	} else if ok {
		cfg.Workers = value
	}
	if value, ok := EnvString("SCRAPER_OUTPUT"); ok {
		cfg.OutputDir = value
	}
	if value, ok := EnvString("SCRAPER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	if value, ok := EnvString("SCRAPER_COOKIE_FILE"); ok {
		cookie, err := ReadCookieFile(value)
		if err != nil {
			return err
		}
		cfg.Cookie = cookie
	}
	return nil
}

// ReadCookieFile loads a cookie blob, flattening line breaks.
func ReadCookieFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read cookie file: %w", err)
	}
	return CleanCookie(string(raw)), nil
}

// CleanCookie strips surrounding whitespace and embedded newlines.
func CleanCookie(cookie string) string {
	cookie = strings.TrimSpace(cookie)
	cookie = strings.ReplaceAll(cookie, "\r", "")
	return strings.ReplaceAll(cookie, "\n", "")
}
