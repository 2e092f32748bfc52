package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Session TTL bounds. Values outside are clamped.
const (
	MinSessionTTL = 15 * time.Minute
	MaxSessionTTL = 30 * time.Minute
)

// Aggregation strategies.
const (
	StrategyCentroid  = "centroid"
	StrategyRetainAll = "retain_all"
)

// Tie-break policies.
const (
	TieReject       = "reject"
	TieAlternatives = "alternatives"
)

// Per-person score combination.
const (
	CombineMax      = "max"
	CombineTopNMean = "topn_mean"
)

// Registration policies for an already enrolled person.
const (
	RegisterReject = "reject"
	RegisterMerge  = "merge"
)

// Update modes.
const (
	UpdateAppend  = "append"
	UpdateReplace = "replace"
)

// Eviction policies for retain_all.
const (
	EvictLowestQuality = "lowest_quality"
	EvictOldest        = "oldest"
)

// PostgresEmbeddingDim is the width of the pgvector column created by the
// postgres migrations.
const PostgresEmbeddingDim = 512

// Store and session backends.
const (
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

type Config struct {
	Web        WebConfig
	Log        LogConfig
	Embedding  EmbeddingConfig
	Database   DatabaseConfig
	Session    SessionConfig
	Quality    QualityConfig    `yaml:"quality"`
	Matching   MatchingConfig   `yaml:"matching"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
}

type WebConfig struct {
	Host   string
	Port   int
	APIKey string // pre-shared key expected in the X-API-Key header
	// AllowedOrigins lists browser origins granted CORS access; "*" allows any.
	AllowedOrigins []string
}

type LogConfig struct {
	Mode  string // prod or dev
	Level string
}

type EmbeddingConfig struct {
	URL     string        // defaults to http://localhost:8000
	Dim     int           // defaults to 512
	Timeout time.Duration // per image inference deadline
}

type DatabaseConfig struct {
	Backend       string // postgres, mysql or memory
	URL           string // PostgreSQL connection URL
	MySQLDSN      string // e.g. face:face@tcp(mysql:3306)/faces?parseTime=true
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWEnabled   bool   // keep an in-memory HNSW index next to the SQL store
	HNSWIndexPath string // Path to persist the HNSW index (optional)
	Timeout       time.Duration
	Retries       int // read retries on transient failures
}

type SessionConfig struct {
	Backend  string // memory or redis
	RedisURL string
}

type QualityConfig struct {
	MinFaceWidthPx    int     `yaml:"min_face_width_px"`
	MinFaceWidthRel   float64 `yaml:"min_face_width_rel"`
	MinDetScore       float64 `yaml:"min_det_score"`
	MinSharpness      float64 `yaml:"min_sharpness"`
	MaxPoseAngle      float64 `yaml:"max_pose_angle"`
	MinBrightness     float64 `yaml:"min_brightness"`
	MaxBrightness     float64 `yaml:"max_brightness"`
	MinQualityScore   float64 `yaml:"min_quality_score"`
	ReferenceFaceSize int     `yaml:"reference_face_size"`
}

type MatchingConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	Combine             string  `yaml:"combine"`
	TopN                int     `yaml:"top_n"`
	SearchTopK          int     `yaml:"search_top_k"`
	TieBreakPolicy      string  `yaml:"tie_break_policy"`
	TieEpsilon          float64 `yaml:"tie_epsilon"`
	Alternatives        int     `yaml:"alternatives"`
}

type EnrollmentConfig struct {
	MaxImagesPerRegistration int           `yaml:"max_images_per_registration"`
	AggregationStrategy      string        `yaml:"aggregation_strategy"`
	RegisterPolicy           string        `yaml:"register_policy"`
	UpdateMode               string        `yaml:"update_mode"`
	EvictionPolicy           string        `yaml:"eviction_policy"`
	MaxEmbeddingsPerPerson   int           `yaml:"max_embeddings_per_person"`
	DetectConcurrency        int           `yaml:"detect_concurrency"`
	SessionTTL               time.Duration `yaml:"session_ttl"`
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

// envNonNegInt is envInt that also accepts zero.
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

// envFloat reads an environment variable as a float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration parses Go duration syntax (e.g. "20m", "1500ms").
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

// envList splits a comma separated variable and drops empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return defaultVal
}

// Defaults returns the configuration described by the embedded defaults.yaml
// without consulting the environment.
func Defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	cfg.Web = WebConfig{Host: "0.0.0.0", Port: 8000}
	cfg.Log = LogConfig{Mode: "prod", Level: "info"}
	cfg.Embedding = EmbeddingConfig{URL: "http://localhost:8000", Dim: 512, Timeout: 10 * time.Second}
	cfg.Database = DatabaseConfig{
		Backend:      BackendMemory,
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		Timeout:      5 * time.Second,
		Retries:      3,
	}
	cfg.Session = SessionConfig{Backend: BackendMemory}
	return &cfg
}

func Load() *Config {
	d := Defaults()

	return &Config{
		Web: WebConfig{
			Host:           envString("WEB_HOST", d.Web.Host),
			Port:           envInt("WEB_PORT", d.Web.Port),
			APIKey:         os.Getenv("API_KEY"),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Log: LogConfig{
			Mode:  envString("LOG_MODE", d.Log.Mode),
			Level: strings.ToLower(envString("LOG_LEVEL", d.Log.Level)),
		},
		Embedding: EmbeddingConfig{
			URL:     envString("EMBEDDING_URL", d.Embedding.URL),
			Dim:     envInt("EMBEDDING_DIM", d.Embedding.Dim),
			Timeout: envDuration("MODEL_TIMEOUT", d.Embedding.Timeout),
		},
		Database: DatabaseConfig{
			Backend:       strings.ToLower(envString("STORE_BACKEND", d.Database.Backend)),
			URL:           os.Getenv("DATABASE_URL"),
			MySQLDSN:      os.Getenv("MYSQL_DSN"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", d.Database.MaxOpenConns),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", d.Database.MaxIdleConns),
			HNSWEnabled:   envBool("HNSW_ENABLED", false),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
			Timeout:       envDuration("STORE_TIMEOUT", d.Database.Timeout),
			Retries:       envNonNegInt("STORE_RETRIES", d.Database.Retries),
		},
		Session: SessionConfig{
			Backend:  strings.ToLower(envString("SESSION_BACKEND", d.Session.Backend)),
			RedisURL: os.Getenv("REDIS_URL"),
		},
		Quality: QualityConfig{
			MinFaceWidthPx:    envNonNegInt("MIN_FACE_WIDTH_PX", d.Quality.MinFaceWidthPx),
			MinFaceWidthRel:   envFloat("MIN_FACE_WIDTH_REL", d.Quality.MinFaceWidthRel),
			MinDetScore:       envFloat("MIN_DET_SCORE", d.Quality.MinDetScore),
			MinSharpness:      envFloat("MIN_SHARPNESS", d.Quality.MinSharpness),
			MaxPoseAngle:      envFloat("MAX_POSE_ANGLE", d.Quality.MaxPoseAngle),
			MinBrightness:     envFloat("MIN_BRIGHTNESS", d.Quality.MinBrightness),
			MaxBrightness:     envFloat("MAX_BRIGHTNESS", d.Quality.MaxBrightness),
			MinQualityScore:   envFloat("MIN_QUALITY_SCORE", d.Quality.MinQualityScore),
			ReferenceFaceSize: envInt("QUALITY_REFERENCE_FACE_SIZE", d.Quality.ReferenceFaceSize),
		},
		Matching: MatchingConfig{
			SimilarityThreshold: envFloat("SIMILARITY_THRESHOLD", d.Matching.SimilarityThreshold),
			Combine:             strings.ToLower(envString("MATCH_COMBINE", d.Matching.Combine)),
			TopN:                envInt("MATCH_TOP_N", d.Matching.TopN),
			SearchTopK:          envInt("SEARCH_TOP_K", d.Matching.SearchTopK),
			TieBreakPolicy:      strings.ToLower(envString("TIE_BREAK_POLICY", d.Matching.TieBreakPolicy)),
			TieEpsilon:          envFloat("TIE_EPSILON", d.Matching.TieEpsilon),
			Alternatives:        envNonNegInt("MATCH_ALTERNATIVES", d.Matching.Alternatives),
		},
		Enrollment: EnrollmentConfig{
			MaxImagesPerRegistration: envInt("MAX_IMAGES_PER_REGISTRATION", d.Enrollment.MaxImagesPerRegistration),
			AggregationStrategy:      strings.ToLower(envString("AGGREGATION_STRATEGY", d.Enrollment.AggregationStrategy)),
			RegisterPolicy:           strings.ToLower(envString("REGISTER_POLICY", d.Enrollment.RegisterPolicy)),
			UpdateMode:               strings.ToLower(envString("UPDATE_MODE", d.Enrollment.UpdateMode)),
			EvictionPolicy:           strings.ToLower(envString("EVICTION_POLICY", d.Enrollment.EvictionPolicy)),
			MaxEmbeddingsPerPerson:   envInt("MAX_EMBEDDINGS_PER_PERSON", d.Enrollment.MaxEmbeddingsPerPerson),
			DetectConcurrency:        envInt("DETECT_CONCURRENCY", d.Enrollment.DetectConcurrency),
			SessionTTL:               ClampSessionTTL(envDuration("SESSION_TTL", d.Enrollment.SessionTTL)),
		},
	}
}

// ClampSessionTTL keeps a session TTL inside [MinSessionTTL, MaxSessionTTL].
func ClampSessionTTL(d time.Duration) time.Duration {
	if d < MinSessionTTL {
		return MinSessionTTL
	}
	if d > MaxSessionTTL {
		return MaxSessionTTL
	}
	return d
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Web.APIKey == "" {
		errs = append(errs, errors.New("API_KEY is required"))
	}
	if c.Embedding.Dim <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIM must be positive"))
	}
	if t := c.Matching.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("SIMILARITY_THRESHOLD must be within [0, 1], got %v", t))
	}
	if c.Matching.TieEpsilon < 0 {
		errs = append(errs, errors.New("TIE_EPSILON must not be negative"))
	}
	if c.Quality.MinBrightness > c.Quality.MaxBrightness {
		errs = append(errs, errors.New("MIN_BRIGHTNESS must not exceed MAX_BRIGHTNESS"))
	}

	checks := []error{
		oneOf("STORE_BACKEND", c.Database.Backend, BackendPostgres, BackendMySQL, BackendMemory),
		oneOf("SESSION_BACKEND", c.Session.Backend, BackendMemory, BackendRedis),
		oneOf("AGGREGATION_STRATEGY", c.Enrollment.AggregationStrategy, StrategyCentroid, StrategyRetainAll),
		oneOf("REGISTER_POLICY", c.Enrollment.RegisterPolicy, RegisterReject, RegisterMerge),
		oneOf("UPDATE_MODE", c.Enrollment.UpdateMode, UpdateAppend, UpdateReplace),
		oneOf("EVICTION_POLICY", c.Enrollment.EvictionPolicy, EvictLowestQuality, EvictOldest),
		oneOf("TIE_BREAK_POLICY", c.Matching.TieBreakPolicy, TieReject, TieAlternatives),
		oneOf("MATCH_COMBINE", c.Matching.Combine, CombineMax, CombineTopNMean),
	}
	for _, err := range checks {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Database.Backend {
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
		if c.Embedding.Dim != PostgresEmbeddingDim {
			errs = append(errs, fmt.Errorf("EMBEDDING_DIM must be %d for the postgres backend, got %d",
				PostgresEmbeddingDim, c.Embedding.Dim))
		}
	case BackendMySQL:
		if c.Database.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required for the mysql backend"))
		}
	}
	if c.Session.Backend == BackendRedis && c.Session.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis session backend"))
	}

	return errors.Join(errs...)
}

// RecommendedThreshold reports whether the acceptance threshold sits inside
// the range that ArcFace style embeddings are usually tuned for.
func (c *Config) RecommendedThreshold() bool {
	t := c.Matching.SimilarityThreshold
	return t >= 0.5 && t <= 0.7
}
