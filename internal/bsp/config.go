package bsp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultConfigFile is read when --config is not given.
	DefaultConfigFile = "/etc/l4tbsp.conf"

	envPrefix = "L4TBSP_"
)

// Config holds KEY=value settings from the config file merged with L4TBSP_*
// environment overrides.
type Config struct {
	Values map[string]string
}

// LoadConfig reads path (a missing file is not an error), applies
// environment overrides on top and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	switch {
	case err == nil:
		err = parseConfig(file, cfg.Values)
		file.Close()
		if err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	for _, kv := range os.Environ() {
		if key, val, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(key, envPrefix) {
			cfg.Values[key] = val
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseConfig collects KEY=value lines. Lines without '=' and comments are
// skipped, one level of matching quotes is removed from values.
func parseConfig(r io.Reader, values map[string]string) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		values[key] = unquote(strings.TrimSpace(val))
	}
	return sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// Validate rejects values the build would otherwise silently replace with
// defaults.
func (c *Config) Validate() error {
	if v, ok := c.Values["L4TBSP_MIN_FREE_GB"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid L4TBSP_MIN_FREE_GB %q: want a whole number of GiB", v)
		}
	}
	for _, key := range []string{"L4TBSP_ALWAYS_DOWNLOAD", "L4TBSP_DONT_VERIFY"} {
		if v := c.Values[key]; v != "" {
			if _, err := strconv.ParseBool(v); err != nil {
				return fmt.Errorf("invalid %s %q: want true or false", key, v)
			}
		}
	}
	return nil
}

// Get returns the value for key or def when unset or empty.
func (c *Config) Get(key, def string) string {
	if c == nil {
		return def
	}
	if v := c.Values[key]; v != "" {
		return v
	}
	return def
}

// GetInt returns key parsed as an integer, or def.
func (c *Config) GetInt(key string, def int) int {
	v, err := strconv.Atoi(c.Get(key, ""))
	if err != nil {
		return def
	}
	return v
}

// GetBool returns key parsed as a boolean, or def.
func (c *Config) GetBool(key string, def bool) bool {
	v, err := strconv.ParseBool(c.Get(key, ""))
	if err != nil {
		return def
	}
	return v
}

// Settings is the resolved run configuration after flags were applied.
type Settings struct {
	BuildDir       string
	CacheDir       string
	KernelDir      string
	BoardsFile     string
	SignKey        string
	AlwaysDownload bool
	DontVerify     bool
	InstallMissing bool
	SkipPrecheck   bool
	InstallerBin   string
	Publish        string
	MinFreeGB      int
}

// DefaultSettings resolves directories relative to the working directory,
// matching where the build tree and download cache live by default.
func DefaultSettings(cfg *Config) Settings {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return Settings{
		BuildDir:  cfg.Get("L4TBSP_BUILD_DIR", filepath.Join(wd, "work")),
		CacheDir:  cfg.Get("L4TBSP_DL_CACHE", filepath.Join(wd, "dl-cache")),
		KernelDir: cfg.Get("L4TBSP_KERNEL_DIR", ""),
		SignKey:   cfg.Get("L4TBSP_SIGN_KEY", ""),
		MinFreeGB: cfg.GetInt("L4TBSP_MIN_FREE_GB", 40),

		AlwaysDownload: cfg.GetBool("L4TBSP_ALWAYS_DOWNLOAD", false),
		DontVerify:     cfg.GetBool("L4TBSP_DONT_VERIFY", false),
	}
}

// CommonDir holds artifacts shared by all boards (toolchain, kernel build).
func (s Settings) CommonDir() string {
	return filepath.Join(s.BuildDir, "common")
}

// BoardDir is the build directory of a single board.
func (s Settings) BoardDir(key string) string {
	return filepath.Join(s.BuildDir, key)
}
