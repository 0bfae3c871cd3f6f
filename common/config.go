// Copyright © 2024 tgvault
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the single YAML configuration file. Missing keys take defaults.
type Config struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`

	BotToken      string `yaml:"bot_token"`
	AdminPassword string `yaml:"admin_password"`
	SecretKey     string `yaml:"secret_key"`

	WebPort int `yaml:"web_port"`

	DataRoot    string `yaml:"data_root"`
	ExportRoot  string `yaml:"export_root"`
	SessionFile string `yaml:"session_file"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	TDLContainer string `yaml:"tdl_container"`
	IPv6         bool   `yaml:"ipv6"`
	ProxyURL     string `yaml:"proxy_url"`
}

func defaultConfig() Config {
	return Config{
		WebPort:    9528,
		DataRoot:   "data",
		ExportRoot: filepath.Join("data", "exports"),
		LogLevel:   "info",
	}
}

func (c *Config) applyDefaults() {
	d := defaultConfig()
	if c.WebPort == 0 {
		c.WebPort = d.WebPort
	}
	if c.DataRoot == "" {
		c.DataRoot = d.DataRoot
	}
	if c.ExportRoot == "" {
		c.ExportRoot = filepath.Join(c.DataRoot, "exports")
	}
	if c.SessionFile == "" {
		c.SessionFile = filepath.Join(c.DataRoot, "sessions", "tgvault.session")
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.SecretKey == "" {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		c.SecretKey = hex.EncodeToString(buf)
	}
}

// applyEnv lets TGVAULT_DATA_ROOT and TGVAULT_EXPORT_ROOT override the file
// settings. Paths derived from an overridden data root are re-derived.
func (c *Config) applyEnv() {
	if v := os.Getenv("TGVAULT_DATA_ROOT"); v != "" {
		c.DataRoot = v
		c.ExportRoot = ""
		c.SessionFile = ""
	}
	if v := os.Getenv("TGVAULT_EXPORT_ROOT"); v != "" {
		c.ExportRoot = v
	}
}

// LoadConfig reads the YAML file at path, creating it with defaults when
// absent. A legacy flat key=value file is migrated in place and rewritten
// in the current form. Environment overrides apply after the file is read
// and are never written back.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := defaultConfig()
		cfg.applyDefaults()
		if werr := SaveConfig(path, &cfg); werr != nil {
			return nil, werr
		}
		cfg.applyEnv()
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	var cfg Config
	if isLegacyFlat(raw) {
		cfg = migrateLegacy(raw)
		cfg.applyDefaults()
		if werr := SaveConfig(path, &cfg); werr != nil {
			return nil, werr
		}
		cfg.applyEnv()
		cfg.applyDefaults()
		return &cfg, nil
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// SaveConfig writes the config atomically (temp file then rename).
func SaveConfig(path string, cfg *Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir config dir")
	}
	return WriteFileAtomic(path, out, 0o600)
}

// isLegacyFlat sniffs the pre-YAML KEY=VALUE format: assignment lines and no
// YAML mapping separators.
func isLegacyFlat(raw []byte) bool {
	sawAssign := false
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, ": ") || strings.HasSuffix(line, ":") {
			return false
		}
		if strings.Contains(line, "=") {
			sawAssign = true
		}
	}
	return sawAssign
}

var legacyKeys = map[string]func(*Config, string){
	"API_ID":         func(c *Config, v string) { c.APIID, _ = strconv.Atoi(v) },
	"API_HASH":       func(c *Config, v string) { c.APIHash = v },
	"BOT_TOKEN":      func(c *Config, v string) { c.BotToken = v },
	"ADMIN_PASSWORD": func(c *Config, v string) { c.AdminPassword = v },
	"SECRET_KEY":     func(c *Config, v string) { c.SecretKey = v },
	"WEB_PORT":       func(c *Config, v string) { c.WebPort, _ = strconv.Atoi(v) },
	"DATA_DIR":       func(c *Config, v string) { c.DataRoot = v },
	"EXPORT_DIR":     func(c *Config, v string) { c.ExportRoot = v },
	"LOG_LEVEL":      func(c *Config, v string) { c.LogLevel = strings.ToLower(v) },
	"TDL_CONTAINER":  func(c *Config, v string) { c.TDLContainer = v },
	"PROXY":          func(c *Config, v string) { c.ProxyURL = v },
	"IPV6":           func(c *Config, v string) { c.IPv6 = strings.EqualFold(v, "true") || v == "1" },
}

func migrateLegacy(raw []byte) Config {
	// Start from zero so paths the legacy file does not set are derived
	// from its data dir by applyDefaults.
	var cfg Config
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if set, known := legacyKeys[strings.ToUpper(key)]; known {
			set(&cfg, val)
		}
	}
	return cfg
}

// WriteFileAtomic writes data to a sibling temp file and renames it over
// path, so a crash never leaves a torn file behind.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return errors.Wrap(err, "chmod temp file")
	}
	return errors.Wrap(os.Rename(tmpName, path), "rename temp file")
}
