package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Recognition RecognitionConfig `yaml:"recognition"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Web         WebConfig         `yaml:"web"`
}

// Model selects the detector's speed/accuracy tradeoff. It is only passed through
// to the external encoder.
type Model string

const (
	ModelFast     Model = "fast"
	ModelAccurate Model = "accurate"
)

// ParseModel accepts fast/accurate and the detector names default/hog/cnn.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast", "default", "hog":
		return ModelFast, nil
	case "accurate", "cnn":
		return ModelAccurate, nil
	}
	return "", fmt.Errorf("unknown model %q (want fast or accurate)", s)
}

// RecognitionConfig holds the matching parameters. It is read once at startup
// and never changed while the process runs.
type RecognitionConfig struct {
	Model          Model         `yaml:"model"`
	Tolerance      float64       `yaml:"tolerance"`
	MatchThreshold float64       `yaml:"match_threshold"`
	FeedbackLoop   bool          `yaml:"feedback_loop"`
	DedupThreshold float64       `yaml:"dedup_threshold"`
	CropMargin     int           `yaml:"crop_margin"`
	EmbeddingDim   int           `yaml:"embedding_dim"`
	FeedbackTTL    time.Duration `yaml:"feedback_ttl"`
}

type StorageConfig struct {
	FaceDatabaseDir string `yaml:"face_database_dir"` // filesystem backend root, also served under /images
	DatabaseURL     string `yaml:"-"`                 // postgres://... or mysql://...; empty selects the filesystem backend
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
}

type EmbeddingConfig struct {
	URL string `yaml:"url"` // detect-and-encode service
}

type WebConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	AllowedOrigins string `yaml:"allowed_origins"` // comma-separated, "*" allows any origin
	APIKeysFile    string `yaml:"-"`               // one key per line; empty disables API key checks
}

// Origins splits AllowedOrigins into trimmed, non-empty entries.
func (c *WebConfig) Origins() []string {
	var out []string
	for o := range strings.SplitSeq(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envNonNegInt is envInt but accepts zero.
func envNonNegInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a positive float, falling back to the default.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envBool accepts anything strconv.ParseBool does ("True", "1", "false", ...).
func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// Defaults returns the embedded defaults without looking at the environment.
func Defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

// Load returns the embedded defaults overridden by environment variables.
func Load() *Config {
	cfg := Defaults()

	r := &cfg.Recognition
	if m, err := ParseModel(os.Getenv("MODEL")); err == nil {
		r.Model = m
	}
	r.Tolerance = envFloat("TOLERANCE", r.Tolerance)
	r.MatchThreshold = envFloat("MATCH_THRESHOLD", r.MatchThreshold)
	r.FeedbackLoop = envBool("FEEDBACK_LOOP", r.FeedbackLoop)
	r.DedupThreshold = envFloat("DEDUP_THRESHOLD", r.DedupThreshold)
	r.CropMargin = envNonNegInt("CROP_MARGIN", r.CropMargin)
	r.EmbeddingDim = envInt("EMBEDDING_DIM", r.EmbeddingDim)
	r.FeedbackTTL = envDuration("FEEDBACK_TTL", r.FeedbackTTL)

	s := &cfg.Storage
	s.FaceDatabaseDir = envString("FACE_DATABASE_DIR", s.FaceDatabaseDir)
	s.DatabaseURL = os.Getenv("DATABASE_URL")
	s.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", s.MaxOpenConns)
	s.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", s.MaxIdleConns)

	cfg.Embedding.URL = envString("EMBEDDING_URL", cfg.Embedding.URL)

	w := &cfg.Web
	w.Host = envString("WEB_HOST", w.Host)
	w.Port = envInt("WEB_PORT", w.Port)
	w.AllowedOrigins = envString("ALLOWED_ORIGINS", w.AllowedOrigins)
	w.APIKeysFile = os.Getenv("API_KEYS_FILE")

	return cfg
}

// Validate checks the recognition parameters for consistency.
func (c *RecognitionConfig) Validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.EmbeddingDim)
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %v", c.Tolerance)
	}
	if c.MatchThreshold <= 0 {
		return fmt.Errorf("match threshold must be positive, got %v", c.MatchThreshold)
	}
	if c.DedupThreshold >= c.Tolerance {
		return fmt.Errorf("dedup threshold %v must be stricter than tolerance %v", c.DedupThreshold, c.Tolerance)
	}
	if c.CropMargin < 0 {
		return fmt.Errorf("crop margin must not be negative, got %d", c.CropMargin)
	}
	return nil
}
