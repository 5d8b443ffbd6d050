package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/adcrelay/internal/source"
	"github.com/shaunagostinho/adcrelay/internal/upload"
)

// Config holds all relay configuration.
type Config struct {
	mu sync.RWMutex

	Source  source.Config `yaml:"source" toml:"source" json:"source"`
	Stream  StreamConfig  `yaml:"stream" toml:"stream" json:"stream"`
	Buffer  BufferConfig  `yaml:"buffer" toml:"buffer" json:"buffer"`
	Display DisplayConfig `yaml:"display" toml:"display" json:"display"`
	Upload  UploadConfig  `yaml:"upload" toml:"upload" json:"upload"`
	Server  ServerConfig  `yaml:"server" toml:"server" json:"server"`
	Log     LogConfig     `yaml:"log" toml:"log" json:"log"`

	path string // file path for save/load
}

type StreamConfig struct {
	Delimiter  string `yaml:"delimiter" toml:"delimiter" json:"delimiter"`       // single byte
	FieldIndex int    `yaml:"field_index" toml:"field_index" json:"fieldIndex"` // position of the reading
	MaxPending int    `yaml:"max_pending" toml:"max_pending" json:"maxPending"` // bytes before a partial record is dropped
}

type BufferConfig struct {
	DebounceMs       int     `yaml:"debounce_ms" toml:"debounce_ms" json:"debounceMs"`
	RetentionSeconds float64 `yaml:"retention_seconds" toml:"retention_seconds" json:"retentionSeconds"`
}

// DisplayConfig is pushed to dashboard clients and may be hot-reloaded.
type DisplayConfig struct {
	RefreshMs     int     `yaml:"refresh_ms" toml:"refresh_ms" json:"refreshMs"`
	WindowSeconds float64 `yaml:"window_seconds" toml:"window_seconds" json:"windowSeconds"`
	YMin          float64 `yaml:"y_min" toml:"y_min" json:"yMin"`
	YMax          float64 `yaml:"y_max" toml:"y_max" json:"yMax"`
	Label         string  `yaml:"label" toml:"label" json:"label"`
}

type UploadConfig struct {
	Enabled      bool              `yaml:"enabled" toml:"enabled" json:"enabled"`
	Sink         string            `yaml:"sink" toml:"sink" json:"sink"` // "http" or "mqtt"
	URL          string            `yaml:"url" toml:"url" json:"url"`
	User         string            `yaml:"user" toml:"user" json:"user"`
	IntervalMs   int               `yaml:"interval_ms" toml:"interval_ms" json:"intervalMs"`
	TimeoutMs    int               `yaml:"timeout_ms" toml:"timeout_ms" json:"timeoutMs"`
	SkipIfBusy   bool              `yaml:"skip_if_busy" toml:"skip_if_busy" json:"skipIfBusy"`
	OnlyOnChange bool              `yaml:"only_on_change" toml:"only_on_change" json:"onlyOnChange"`
	MQTT         upload.MQTTConfig `yaml:"mqtt" toml:"mqtt" json:"mqtt"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" toml:"pretty" json:"pretty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Source: source.Config{
			Type:          "demo",
			PortPath:      "auto",
			BaudRate:      source.DefaultBaudRate,
			VendorID:      source.DefaultVendorID,
			ProductID:     source.DefaultProductID,
			ChunkSize:     16,
			ChunkInterval: 10,
		},
		Stream: StreamConfig{
			Delimiter:  ",",
			FieldIndex: 1,
			MaxPending: 4096,
		},
		Buffer: BufferConfig{
			DebounceMs:       2,
			RetentionSeconds: 60,
		},
		Display: DisplayConfig{
			RefreshMs:     50,
			WindowSeconds: 8,
			YMin:          0,
			YMax:          1024,
			Label:         "ADC value",
		},
		Upload: UploadConfig{
			Enabled:    true,
			Sink:       "http",
			User:       upload.DefaultUser,
			IntervalMs: 100,
			TimeoutMs:  1000,
			SkipIfBusy: true,
			MQTT: upload.MQTTConfig{
				Topic:    "adcrelay/value",
				ClientID: "adcrelay",
			},
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// readConfigFile decodes path on top of the defaults, choosing TOML or YAML
// by extension.
func readConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.path = path
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig reads config from a YAML or TOML file, then applies .env and
// environment variable overrides. Falls back to defaults if the file is
// missing or unreadable.
func LoadConfig(path string, log zerolog.Logger) *Config {
	cfg, err := readConfigFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info().Str("path", path).Msg("no config file, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	case err != nil:
		log.Warn().Err(err).Msg("config unreadable, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	default:
		log.Info().Str("path", path).Msg("config loaded")
	}

	// .env next to the config wins over one in the working directory.
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log zerolog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
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
		// Real environment takes precedence.
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SOURCE_TYPE, SOURCE_PORT, SOURCE_BAUD, SOURCE_ADDRESS,
// SOURCE_FILE, UPLOAD_URL, UPLOAD_USER, UPLOAD_SINK, UPLOAD_INTERVAL_MS,
// LISTEN_ADDR, LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SOURCE_TYPE"); v != "" {
		c.Source.Type = v
	}
	if v := os.Getenv("SOURCE_PORT"); v != "" {
		c.Source.PortPath = v
	}
	if v := os.Getenv("SOURCE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Source.BaudRate = n
		}
	}
	if v := os.Getenv("SOURCE_ADDRESS"); v != "" {
		c.Source.Address = v
	}
	if v := os.Getenv("SOURCE_FILE"); v != "" {
		c.Source.FilePath = v
	}
	if v := os.Getenv("UPLOAD_URL"); v != "" {
		c.Upload.URL = v
	}
	if v := os.Getenv("UPLOAD_USER"); v != "" {
		c.Upload.User = v
	}
	if v := os.Getenv("UPLOAD_SINK"); v != "" {
		c.Upload.Sink = v
	}
	if v := os.Getenv("UPLOAD_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upload.IntervalMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks values the pipeline cannot work around.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Source.Type {
	case "", "demo", "serial", "tcp", "file":
	default:
		return fmt.Errorf("source.type %q: want serial, tcp, file or demo", c.Source.Type)
	}
	if c.Source.Type == "tcp" && c.Source.Address == "" {
		return fmt.Errorf("source.address is required for tcp sources")
	}
	if c.Source.Type == "file" && c.Source.FilePath == "" {
		return fmt.Errorf("source.file_path is required for file sources")
	}
	if len(c.Stream.Delimiter) != 1 {
		return fmt.Errorf("stream.delimiter %q: must be a single byte", c.Stream.Delimiter)
	}
	// A record holds the text before the first delimiter and the reading.
	if c.Stream.FieldIndex != 0 && c.Stream.FieldIndex != 1 {
		return fmt.Errorf("stream.field_index %d: want 0 or 1", c.Stream.FieldIndex)
	}
	if c.Stream.MaxPending < 0 {
		return fmt.Errorf("stream.max_pending must not be negative")
	}
	if c.Buffer.DebounceMs < 0 {
		return fmt.Errorf("buffer.debounce_ms must not be negative")
	}
	if c.Buffer.RetentionSeconds < 0 {
		return fmt.Errorf("buffer.retention_seconds must not be negative")
	}
	if c.Display.RefreshMs < 0 {
		return fmt.Errorf("display.refresh_ms must not be negative")
	}
	if c.Display.YMax <= c.Display.YMin {
		return fmt.Errorf("display.y_max (%g) must exceed y_min (%g)", c.Display.YMax, c.Display.YMin)
	}
	if c.Display.WindowSeconds <= 0 {
		return fmt.Errorf("display.window_seconds must be positive")
	}
	if c.Upload.IntervalMs <= 0 {
		return fmt.Errorf("upload.interval_ms must be positive")
	}
	switch c.Upload.Sink {
	case "http", "mqtt":
	default:
		return fmt.Errorf("upload.sink %q: want http or mqtt", c.Upload.Sink)
	}
	return nil
}

// Delimiter returns the record separator byte.
func (c *Config) Delimiter() byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Stream.Delimiter == "" {
		return ','
	}
	return c.Stream.Delimiter[0]
}

// Debounce returns the buffer's minimum sample spacing.
func (c *Config) Debounce() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Buffer.DebounceMs) * time.Millisecond
}

// DisplaySettings returns a copy of the display section.
func (c *Config) DisplaySettings() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display
}

// SetDisplay replaces the display section.
func (c *Config) SetDisplay(d DisplayConfig) {
	c.mu.Lock()
	c.Display = d
	c.mu.Unlock()
}

// Retention returns how long samples are kept behind the newest one.
// It never drops below the visible window.
func (c *Config) Retention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	secs := c.Buffer.RetentionSeconds
	if secs < c.Display.WindowSeconds {
		secs = c.Display.WindowSeconds
	}
	return time.Duration(secs * float64(time.Second))
}

// Save writes the config back to its file in the format its extension names.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(c.path), ".toml") {
		data, err = toml.Marshal(c)
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
