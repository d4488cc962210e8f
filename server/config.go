package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/esm-dev/nobuild/internal/jsonc"
	"github.com/goccy/go-json"
)

// Config represents the configuration of the dev server.
type Config struct {
	Root          string            `json:"root"`
	Port          uint16            `json:"port"`
	IndexHTML     string            `json:"indexHtml"`
	Entries       []string          `json:"entries"`
	CacheDir      string            `json:"cacheDir"`
	ExternalTypes []string          `json:"externalTypes"`
	JSX           string            `json:"jsx"`
	Define        map[string]string `json:"define"`
	Alias         map[string]string `json:"alias"`
	WatchIgnore   []string          `json:"watchIgnore"`
	NoPrebundle   bool              `json:"noPrebundle"`
	NoWatch       bool              `json:"noWatch"`
	CJSLexer      string            `json:"cjsLexer"`
	LogDir        string            `json:"logDir"`
	LogLevel      string            `json:"logLevel"`
}

var defaultExternalTypes = []string{
	"css", "less", "sass", "scss", "styl", "stylus",
	"png", "jpe?g", "gif", "svg", "webp", "avif", "ico",
	"woff2?", "ttf", "otf", "eot",
	"mp4", "webm", "mp3", "wav",
}

// LoadConfig loads config from the given file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("fail to read config file: %w", err)
	}

	var config Config
	err = json.Unmarshal(jsonc.Strip(data), &config)
	if err != nil {
		return nil, fmt.Errorf("fail to parse config: %w", err)
	}
	if config.Root != "" && !filepath.IsAbs(config.Root) {
		// a relative root is relative to the config file
		config.Root = filepath.Join(filepath.Dir(filename), config.Root)
	}
	if err := normalizeConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func DefaultConfig() *Config {
	config := &Config{}
	if err := normalizeConfig(config); err != nil {
		panic(err)
	}
	return config
}

func normalizeConfig(config *Config) (err error) {
	if config.Root == "" {
		if v := os.Getenv("NOBUILD_ROOT"); v != "" {
			config.Root = v
		} else {
			config.Root, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("fail to get the working directory: %w", err)
			}
		}
	}
	config.Root, err = filepath.Abs(config.Root)
	if err != nil {
		return fmt.Errorf("fail to get absolute path of the root directory: %w", err)
	}
	if config.Port == 0 {
		config.Port = 3000
		if v := os.Getenv("NOBUILD_PORT"); v != "" {
			if p, e := strconv.Atoi(v); e == nil && p > 0 && p < 65536 {
				config.Port = uint16(p)
			}
		}
	}
	if config.IndexHTML == "" {
		config.IndexHTML = "index.html"
	}
	config.IndexHTML = strings.TrimPrefix(filepath.ToSlash(config.IndexHTML), "/")
	if config.CacheDir == "" {
		config.CacheDir = "node_modules/.nobuild"
	}
	if filepath.IsAbs(config.CacheDir) {
		rel, e := filepath.Rel(config.Root, config.CacheDir)
		if e != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("cache directory %s must be inside root %s", config.CacheDir, config.Root)
		}
		config.CacheDir = rel
	}
	config.CacheDir = strings.Trim(filepath.ToSlash(filepath.Clean(config.CacheDir)), "/")
	if len(config.ExternalTypes) == 0 {
		config.ExternalTypes = defaultExternalTypes
	}
	switch config.JSX {
	case "automatic", "transform", "preserve":
	case "":
		config.JSX = "automatic"
	default:
		return fmt.Errorf("invalid jsx mode '%s'", config.JSX)
	}
	switch config.CJSLexer {
	case "auto", "node", "static":
	case "":
		config.CJSLexer = "auto"
	default:
		return fmt.Errorf("invalid cjsLexer '%s'", config.CJSLexer)
	}
	if config.LogLevel == "" {
		config.LogLevel = os.Getenv("NOBUILD_LOG_LEVEL")
		if config.LogLevel == "" {
			config.LogLevel = "info"
		}
	}
	return nil
}

// Normalize fills the defaults of the config and validates it.
func (c *Config) Normalize() error {
	return normalizeConfig(c)
}

// CacheDirPath returns the absolute path of the prebundle cache directory.
func (c *Config) CacheDirPath() string {
	return filepath.Join(c.Root, filepath.FromSlash(c.CacheDir))
}
