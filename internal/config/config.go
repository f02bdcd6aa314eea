package config

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable pointing at an optional YAML
// file. Values from the file act as defaults; environment variables win.
const ConfigFileEnv = "HVR_CONFIG"

type Config struct {
	Capture    CaptureConfig    `yaml:"capture"`
	Segment    SegmentConfig    `yaml:"segment"`
	Compress   CompressConfig   `yaml:"compress"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Publish    PublishConfig    `yaml:"publish"`
	Storage    StorageConfig    `yaml:"storage"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Audit      AuditConfig      `yaml:"audit"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type CaptureConfig struct {
	Sources     []string `yaml:"sources"`
	GridCols    int      `yaml:"grid_cols"`
	GridRows    int      `yaml:"grid_rows"`
	TileWidth   int      `yaml:"tile_width"`
	TileHeight  int      `yaml:"tile_height"`
	FPSCap      float64  `yaml:"fps_cap"`
	FFmpegPath  string   `yaml:"ffmpeg_path"`
	FFprobePath string   `yaml:"ffprobe_path"`

	// ReadTimeout bounds the wait for a single frame. A source that stays
	// connected but stops sending frames is treated as dropped.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type SegmentConfig struct {
	Duration       time.Duration `yaml:"duration"`
	OutputDir      string        `yaml:"output_dir"`
	Prefix         string        `yaml:"prefix"`
	Ext            string        `yaml:"ext"`
	RecordedLedger string        `yaml:"recorded_ledger"`
	UploadedLedger string        `yaml:"uploaded_ledger"`
	RawPolicy      string        `yaml:"raw_policy"` // "discard" | "keep"
}

type CompressConfig struct {
	Codec  string `yaml:"codec"`
	CRF    int    `yaml:"crf"`
	Preset string `yaml:"preset"`
}

type SupervisorConfig struct {
	ErrorWait    time.Duration `yaml:"error_wait"`
	MaxErrorWait time.Duration `yaml:"max_error_wait"`
	KeepWarm     bool          `yaml:"keep_warm"`
}

type PublishConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MinSegmentKB   int64         `yaml:"min_segment_kb"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	WatchLedger    bool          `yaml:"watch_ledger"`
	RemoteRootKey  string        `yaml:"remote_root"`
	WriteManifests bool          `yaml:"write_manifests"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"` // "local" | "file" | "mem" | "gcs" | "s3"
	LocalDir   string `yaml:"local_dir"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Capture: CaptureConfig{
			TileWidth:   480,
			TileHeight:  270,
			FPSCap:      15,
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			ReadTimeout: 10 * time.Second,
		},
		Segment: SegmentConfig{
			Duration:       3 * time.Minute,
			OutputDir:      "./recordings",
			Prefix:         "recording",
			Ext:            ".mp4",
			RecordedLedger: "recordedvideolist.txt",
			UploadedLedger: "uploaded_files.log",
			RawPolicy:      "discard",
		},
		Compress: CompressConfig{
			Codec:  "libx264",
			CRF:    28,
			Preset: "veryfast",
		},
		Supervisor: SupervisorConfig{
			ErrorWait: 2 * time.Minute,
		},
		Publish: PublishConfig{
			Interval:       time.Minute,
			MinSegmentKB:   700,
			MaxAttempts:    3,
			RetryDelay:     10 * time.Second,
			WriteManifests: true,
		},
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./remote",
			Prefix:   "recordings/",
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
	}
}

// MustLoad loads configuration and exits the process when it is invalid.
func MustLoad() Config {
	log.Println("[config] loading")

	cfg, err := Load()
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, then validates it.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg.derive()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	if v := os.Getenv("CAPTURE_SOURCES"); v != "" {
		cfg.Capture.Sources = splitList(v)
	}
	cfg.Capture.GridCols = parseInt(&errs, "GRID_COLS", cfg.Capture.GridCols)
	cfg.Capture.GridRows = parseInt(&errs, "GRID_ROWS", cfg.Capture.GridRows)
	cfg.Capture.TileWidth = parseInt(&errs, "TILE_WIDTH", cfg.Capture.TileWidth)
	cfg.Capture.TileHeight = parseInt(&errs, "TILE_HEIGHT", cfg.Capture.TileHeight)
	cfg.Capture.FPSCap = parseFloat(&errs, "FPS_CAP", cfg.Capture.FPSCap)
	cfg.Capture.FFmpegPath = getenvDefault("FFMPEG_PATH", cfg.Capture.FFmpegPath)
	cfg.Capture.FFprobePath = getenvDefault("FFPROBE_PATH", cfg.Capture.FFprobePath)
	cfg.Capture.ReadTimeout = parseDuration(&errs, "FRAME_READ_TIMEOUT", cfg.Capture.ReadTimeout)

	cfg.Segment.Duration = parseDuration(&errs, "SEGMENT_DURATION", cfg.Segment.Duration)
	cfg.Segment.OutputDir = getenvDefault("OUTPUT_DIR", cfg.Segment.OutputDir)
	cfg.Segment.Prefix = getenvDefault("SEGMENT_PREFIX", cfg.Segment.Prefix)
	cfg.Segment.Ext = getenvDefault("SEGMENT_EXT", cfg.Segment.Ext)
	cfg.Segment.RecordedLedger = getenvDefault("RECORDED_LEDGER", cfg.Segment.RecordedLedger)
	cfg.Segment.UploadedLedger = getenvDefault("UPLOADED_LEDGER", cfg.Segment.UploadedLedger)
	cfg.Segment.RawPolicy = strings.ToLower(getenvDefault("RAW_POLICY", cfg.Segment.RawPolicy))

	cfg.Compress.Codec = getenvDefault("COMPRESS_CODEC", cfg.Compress.Codec)
	cfg.Compress.CRF = parseInt(&errs, "COMPRESS_CRF", cfg.Compress.CRF)
	cfg.Compress.Preset = getenvDefault("COMPRESS_PRESET", cfg.Compress.Preset)

	cfg.Supervisor.ErrorWait = parseDuration(&errs, "ERROR_WAIT", cfg.Supervisor.ErrorWait)
	cfg.Supervisor.MaxErrorWait = parseDuration(&errs, "MAX_ERROR_WAIT", cfg.Supervisor.MaxErrorWait)
	cfg.Supervisor.KeepWarm = parseBool(&errs, "KEEP_WARM", cfg.Supervisor.KeepWarm)

	cfg.Publish.Interval = parseDuration(&errs, "PUBLISH_INTERVAL", cfg.Publish.Interval)
	cfg.Publish.MinSegmentKB = int64(parseInt(&errs, "MIN_SEGMENT_KB", int(cfg.Publish.MinSegmentKB)))
	cfg.Publish.MaxAttempts = parseInt(&errs, "UPLOAD_MAX_ATTEMPTS", cfg.Publish.MaxAttempts)
	cfg.Publish.RetryDelay = parseDuration(&errs, "UPLOAD_RETRY_DELAY", cfg.Publish.RetryDelay)
	cfg.Publish.WatchLedger = parseBool(&errs, "PUBLISH_WATCH", cfg.Publish.WatchLedger)
	cfg.Publish.RemoteRootKey = getenvDefault("REMOTE_ROOT", cfg.Publish.RemoteRootKey)
	cfg.Publish.WriteManifests = parseBool(&errs, "WRITE_MANIFESTS", cfg.Publish.WriteManifests)

	cfg.Storage.Backend = strings.ToLower(getenvDefault("STORAGE_BACKEND", cfg.Storage.Backend))
	cfg.Storage.LocalDir = getenvDefault("STORAGE_LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Storage.Bucket = getenvDefault("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Prefix = getenvDefault("STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getenvDefault("S3_REGION", cfg.Storage.S3Region)

	cfg.Checkpoint.Enabled = parseBool(&errs, "CHECKPOINT_ENABLED", cfg.Checkpoint.Enabled)
	cfg.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", cfg.Checkpoint.Dir)

	cfg.Audit.Enabled = parseBool(&errs, "AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.Dir = getenvDefault("AUDIT_DIR", cfg.Audit.Dir)
	cfg.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", cfg.Audit.Endpoint)

	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)

	cfg.Metrics.Enabled = parseBool(&errs, "METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)

	return errors.Join(errs...)
}

// derive fills values that depend on other settings.
func (c *Config) derive() {
	if c.Capture.GridCols <= 0 || c.Capture.GridRows <= 0 {
		c.Capture.GridCols, c.Capture.GridRows = DefaultGrid(len(c.Capture.Sources))
	}
	// Without an explicit ceiling the cooldown stays fixed.
	if c.Supervisor.MaxErrorWait < c.Supervisor.ErrorWait {
		c.Supervisor.MaxErrorWait = c.Supervisor.ErrorWait
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = filepath.Join(c.Segment.OutputDir, ".state")
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.Checkpoint.Dir, "audit")
	}
	if c.Segment.Ext != "" && !strings.HasPrefix(c.Segment.Ext, ".") {
		c.Segment.Ext = "." + c.Segment.Ext
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if len(c.Capture.Sources) == 0 {
		errs = append(errs, errors.New("CAPTURE_SOURCES: at least one source is required"))
	}
	if cells := c.Capture.GridCols * c.Capture.GridRows; cells < len(c.Capture.Sources) {
		errs = append(errs, fmt.Errorf("grid %dx%d has %d cells for %d sources",
			c.Capture.GridCols, c.Capture.GridRows, cells, len(c.Capture.Sources)))
	}
	if c.Capture.TileWidth <= 0 || c.Capture.TileHeight <= 0 {
		errs = append(errs, fmt.Errorf("tile size %dx%d must be positive", c.Capture.TileWidth, c.Capture.TileHeight))
	}
	if c.Capture.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FRAME_READ_TIMEOUT must be positive, got %v", c.Capture.ReadTimeout))
	}
	if c.Capture.FPSCap <= 0 {
		errs = append(errs, fmt.Errorf("FPS_CAP must be positive, got %v", c.Capture.FPSCap))
	}
	if c.Segment.Duration <= 0 {
		errs = append(errs, fmt.Errorf("SEGMENT_DURATION must be positive, got %s", c.Segment.Duration))
	}
	if c.Segment.Prefix == "" || strings.ContainsAny(c.Segment.Prefix, `/\`) {
		errs = append(errs, fmt.Errorf("SEGMENT_PREFIX %q is invalid", c.Segment.Prefix))
	}
	switch c.Segment.RawPolicy {
	case "discard", "keep":
	default:
		errs = append(errs, fmt.Errorf("RAW_POLICY must be discard or keep, got %q", c.Segment.RawPolicy))
	}
	if c.Supervisor.ErrorWait <= 0 {
		errs = append(errs, fmt.Errorf("ERROR_WAIT must be positive, got %s", c.Supervisor.ErrorWait))
	}
	if c.Publish.Interval <= 0 {
		errs = append(errs, fmt.Errorf("PUBLISH_INTERVAL must be positive, got %s", c.Publish.Interval))
	}
	if c.Publish.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("UPLOAD_MAX_ATTEMPTS must be at least 1, got %d", c.Publish.MaxAttempts))
	}
	if c.Publish.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_RETRY_DELAY must not be negative, got %s", c.Publish.RetryDelay))
	}
	switch c.Storage.Backend {
	case "local", "file":
		if c.Storage.LocalDir == "" {
			errs = append(errs, fmt.Errorf("STORAGE_LOCAL_DIR required for %s backend", c.Storage.Backend))
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("STORAGE_BUCKET required for %s backend", c.Storage.Backend))
		}
	case "mem":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %s", c.Storage.Backend))
	}

	return errors.Join(errs...)
}

// RecordedLedgerPath returns the recorded ledger location, resolved against
// the output directory when relative.
func (c Config) RecordedLedgerPath() string {
	return resolve(c.Segment.OutputDir, c.Segment.RecordedLedger)
}

// UploadedLedgerPath returns the uploaded ledger location.
func (c Config) UploadedLedgerPath() string {
	return resolve(c.Segment.OutputDir, c.Segment.UploadedLedger)
}

// MinSegmentBytes returns the corrupt-artifact threshold in bytes.
func (c Config) MinSegmentBytes() int64 {
	return c.Publish.MinSegmentKB * 1024
}

// DefaultGrid picks a layout for n sources: one row for up to two sources,
// otherwise the smallest near-square grid.
func DefaultGrid(n int) (cols, rows int) {
	switch {
	case n <= 1:
		return 1, 1
	case n == 2:
		return 2, 1
	}
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows = (n + cols - 1) / cols
	return cols, rows
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt(errs *[]error, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return parsed
}

func parseFloat(errs *[]error, key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return parsed
}

func parseBool(errs *[]error, key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return parsed
}

// parseDuration accepts Go durations ("90s", "3m") or plain seconds ("180").
func parseDuration(errs *[]error, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return parsed
}
