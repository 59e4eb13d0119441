package config

import (
	"Sam2SegServer/engine"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "SAM2"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Model    ModelConfig    `mapstructure:"model"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Registry RegistryConfig `mapstructure:"registry"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	Mode          string        `mapstructure:"mode"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	MaxUploadSize int64         `mapstructure:"max_upload_size"`
}

type ModelConfig struct {
	Size               string        `mapstructure:"size"`
	ModelsDir          string        `mapstructure:"models_dir"`
	Device             string        `mapstructure:"device"`
	RuntimeDir         string        `mapstructure:"runtime_dir"`
	OnnxRuntimeLib     string        `mapstructure:"onnxruntime_lib"`
	Threads            int           `mapstructure:"threads"`
	SerializeInference bool          `mapstructure:"serialize_inference"`
	CatalogBaseURL     string        `mapstructure:"catalog_base_url"`
	DownloadTimeout    time.Duration `mapstructure:"download_timeout"`
	Layout             engine.Layout `mapstructure:"layout"`
}

type WorkersConfig struct {
	Num int `mapstructure:"num"`
}

type FetchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	MaxSize int64         `mapstructure:"max_size"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type RegistryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Interval time.Duration `mapstructure:"interval"`
}

type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configPath (YAML) on top of the defaults, then applies SAM2_* environment
// overrides, e.g. SAM2_MODEL_SIZE=tiny. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// New loads config.yaml from the working directory and falls back to the defaults.
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		cfg, _ = Load("")
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:3001"})
	v.SetDefault("server.max_upload_size", 32*1024*1024)

	v.SetDefault("model.size", "large")
	v.SetDefault("model.models_dir", "./models")
	v.SetDefault("model.device", "auto")
	v.SetDefault("model.runtime_dir", "./onnxruntime")
	v.SetDefault("model.onnxruntime_lib", "")
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.serialize_inference", false)
	v.SetDefault("model.catalog_base_url", "")
	v.SetDefault("model.download_timeout", 0)
	layout := engine.DefaultLayout()
	v.SetDefault("model.layout.pixel_values", layout.PixelValues)
	v.SetDefault("model.layout.embeddings", layout.Embeddings)
	v.SetDefault("model.layout.input_points", layout.InputPoints)
	v.SetDefault("model.layout.input_labels", layout.InputLabels)
	v.SetDefault("model.layout.iou_scores", layout.IouScores)
	v.SetDefault("model.layout.pred_masks", layout.PredMasks)

	v.SetDefault("workers.num", 2)

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_size", 32*1024*1024)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.host", "127.0.0.1")
	v.SetDefault("registry.port", 8080)
	v.SetDefault("registry.interval", 5*time.Second)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Normalize repairs out-of-range values and returns a warning for each one it touched.
func (c *Config) Normalize() []string {
	var warnings []string
	if c.Workers.Num <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid workers.num %d, defaulting to 1", c.Workers.Num))
		c.Workers.Num = 1
	} else if c.Workers.Num > runtime.NumCPU() {
		warnings = append(warnings, "workers.num exceeds CPU cores, which may lead to performance degradation")
	}
	switch c.Model.Device {
	case "auto", engine.DeviceCPU, engine.DeviceCUDA:
	default:
		warnings = append(warnings, fmt.Sprintf("unknown model.device %q, defaulting to auto", c.Model.Device))
		c.Model.Device = "auto"
	}
	if c.Fetch.Timeout <= 0 {
		warnings = append(warnings, "fetch.timeout must be positive, defaulting to 30s")
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = 32 * 1024 * 1024
	}
	return warnings
}
