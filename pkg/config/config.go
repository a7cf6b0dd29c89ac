package config

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"hashmend/pkg/utils"
)

// Config is the full hashmend configuration. Values come from an optional YAML
// file, then HASHMEND_* environment variables, then env-default tags.
type Config struct {
	Oracle  OracleConfig  `yaml:"oracle"`
	PoW     PoWConfig     `yaml:"pow"`
	Repair  RepairConfig  `yaml:"repair"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type OracleConfig struct {
	URL            string        `yaml:"url" env:"HASHMEND_ORACLE_URL"`
	ChunkSize      string        `yaml:"chunk_size" env:"HASHMEND_CHUNK_SIZE" env-default:"32"`
	Timeout        time.Duration `yaml:"timeout" env:"HASHMEND_ORACLE_TIMEOUT" env-default:"30s"`
	MaxAttempts    int           `yaml:"max_attempts" env:"HASHMEND_MAX_ATTEMPTS" env-default:"3"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"HASHMEND_RETRY_BASE_DELAY" env-default:"200ms"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" env:"HASHMEND_RETRY_MAX_DELAY" env-default:"5s"`

	// ChunkBytes is ChunkSize parsed by Validate.
	ChunkBytes int64 `yaml:"-"`
}

type PoWConfig struct {
	Difficulty    string        `yaml:"difficulty" env:"HASHMEND_POW_DIFFICULTY" env-default:"ffffff"`
	ByteOrder     string        `yaml:"byte_order" env:"HASHMEND_POW_BYTE_ORDER" env-default:"big"`
	MaxAttempts   uint64        `yaml:"max_attempts" env:"HASHMEND_POW_MAX_ATTEMPTS" env-default:"4294967296"`
	MaxDuration   time.Duration `yaml:"max_duration" env:"HASHMEND_POW_MAX_DURATION" env-default:"10m"`
	Lifetime      time.Duration `yaml:"lifetime" env:"HASHMEND_TOKEN_LIFETIME" env-default:"120s"`
	RefreshMargin time.Duration `yaml:"refresh_margin" env:"HASHMEND_TOKEN_REFRESH_MARGIN" env-default:"30s"`
}

type RepairConfig struct {
	WindowSize  string `yaml:"window_size" env:"HASHMEND_WINDOW_SIZE" env-default:"32KiB"`
	Concurrency int    `yaml:"concurrency" env:"HASHMEND_CONCURRENCY" env-default:"4"`

	// WindowBytes is WindowSize parsed by Validate and aligned to the chunk size.
	WindowBytes int64 `yaml:"-"`
}

type CacheConfig struct {
	// Path of the bbolt hash cache. Empty disables caching.
	Path string `yaml:"path" env:"HASHMEND_CACHE_PATH"`
}

type MetricsConfig struct {
	// Address for the Prometheus endpoint, e.g. ":9090". Empty disables it.
	Address string `yaml:"address" env:"HASHMEND_METRICS_ADDR"`
}

// Load reads path when given, otherwise the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	return &cfg, nil
}

// Validate parses the size fields and checks every value is usable. It must
// be called after flags have been applied.
func (c *Config) Validate() error {
	if c.Oracle.URL == "" {
		return fmt.Errorf("oracle url is required")
	}
	u, err := url.Parse(c.Oracle.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid oracle url %q", c.Oracle.URL)
	}

	chunk, err := utils.ParseDataSize(c.Oracle.ChunkSize)
	if err != nil {
		return fmt.Errorf("invalid chunk size: %w", err)
	}
	if chunk <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	c.Oracle.ChunkBytes = chunk

	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle timeout must be positive")
	}
	if c.Oracle.MaxAttempts < 1 {
		return fmt.Errorf("oracle max attempts must be at least 1")
	}

	difficulty := strings.ToLower(c.PoW.Difficulty)
	if difficulty == "" {
		return fmt.Errorf("pow difficulty is required")
	}
	if _, err := hex.DecodeString(padEven(difficulty)); err != nil {
		return fmt.Errorf("pow difficulty %q is not hex", c.PoW.Difficulty)
	}
	c.PoW.Difficulty = difficulty

	if _, err := c.PoW.Order(); err != nil {
		return err
	}
	if c.PoW.RefreshMargin >= c.PoW.Lifetime {
		return fmt.Errorf("token refresh margin %s must be shorter than lifetime %s",
			c.PoW.RefreshMargin, c.PoW.Lifetime)
	}

	window, err := utils.ParseDataSize(c.Repair.WindowSize)
	if err != nil {
		return fmt.Errorf("invalid window size: %w", err)
	}
	c.Repair.WindowBytes = utils.AlignDown(window, chunk)

	if c.Repair.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	return nil
}

// Order returns the counter encoding for the configured byte order.
func (p PoWConfig) Order() (binary.ByteOrder, error) {
	switch strings.ToLower(p.ByteOrder) {
	case "", "big":
		return binary.BigEndian, nil
	case "little":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown pow byte order %q (expected big or little)", p.ByteOrder)
	}
}

func padEven(s string) string {
	if len(s)%2 == 1 {
		return s + "0"
	}
	return s
}
