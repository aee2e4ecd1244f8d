// Package config layers defaults, an optional YAML file, EMOSCOPE_* environment
// variables and command flags into one Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/emoscope/internal/detector"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "EMOSCOPE"

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type Capture struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	Width          int           `mapstructure:"width" yaml:"width"`
	Height         int           `mapstructure:"height" yaml:"height"`
	MaxInflight    int           `mapstructure:"max_inflight" yaml:"max_inflight"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	DetectTimeout  time.Duration `mapstructure:"detect_timeout" yaml:"detect_timeout"`
}

// Display is the fixed size detections are rescaled to.
func (c Capture) Display() types.Size { return types.Size{Width: c.Width, Height: c.Height} }

type Source struct {
	Kind        string `mapstructure:"kind" yaml:"kind"` // ffmpeg | mjpeg
	Device      string `mapstructure:"device" yaml:"device"`
	InputFormat string `mapstructure:"input_format" yaml:"input_format"`
	URL         string `mapstructure:"url" yaml:"url"`
}

type Detector struct {
	Kind    string `mapstructure:"kind" yaml:"kind"` // worker | socket | http
	Python  string `mapstructure:"python" yaml:"python"`
	Script  string `mapstructure:"script" yaml:"script"`
	Engines int    `mapstructure:"engines" yaml:"engines"`
	Socket  string `mapstructure:"socket" yaml:"socket"`
	URL     string `mapstructure:"url" yaml:"url"`
}

type Models struct {
	Dir      string   `mapstructure:"dir" yaml:"dir"`
	Required []string `mapstructure:"required" yaml:"required"`
}

type Server struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type Database struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type Config struct {
	Log      Log      `mapstructure:"log" yaml:"log"`
	Capture  Capture  `mapstructure:"capture" yaml:"capture"`
	Source   Source   `mapstructure:"source" yaml:"source"`
	Detector Detector `mapstructure:"detector" yaml:"detector"`
	Models   Models   `mapstructure:"models" yaml:"models"`
	Server   Server   `mapstructure:"server" yaml:"server"`
	Database Database `mapstructure:"database" yaml:"database"`
}

// SetDefaults registers every key with its default so env and flag bindings see it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("capture.interval", 200*time.Millisecond)
	v.SetDefault("capture.width", 640)
	v.SetDefault("capture.height", 480)
	v.SetDefault("capture.max_inflight", 0)
	v.SetDefault("capture.acquire_timeout", 5*time.Second)
	v.SetDefault("capture.detect_timeout", 30*time.Second)

	v.SetDefault("source.kind", "ffmpeg")
	v.SetDefault("source.device", "/dev/video0")
	v.SetDefault("source.input_format", "v4l2")
	v.SetDefault("source.url", "")

	v.SetDefault("detector.kind", "worker")
	v.SetDefault("detector.python", "python3")
	v.SetDefault("detector.script", filepath.Join("python", "worker.py"))
	v.SetDefault("detector.engines", 1)
	v.SetDefault("detector.socket", "")
	v.SetDefault("detector.url", "")

	v.SetDefault("models.dir", "models")
	v.SetDefault("models.required", detector.DefaultAssets)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.url", "")
}

// New returns a viper instance with defaults and environment binding. If file is empty,
// emoscope.yaml is looked up in the working directory and $HOME/.config/emoscope.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("emoscope")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "emoscope"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the effective configuration.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Capture.Interval <= 0 {
		errs = append(errs, fmt.Errorf("capture.interval must be positive, got %s", c.Capture.Interval))
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		errs = append(errs, fmt.Errorf("capture display size must be positive, got %dx%d", c.Capture.Width, c.Capture.Height))
	}
	if c.Capture.MaxInflight < 0 {
		errs = append(errs, fmt.Errorf("capture.max_inflight must not be negative"))
	}

	switch c.Source.Kind {
	case "ffmpeg":
		if c.Source.Device == "" {
			errs = append(errs, errors.New("source.device is required for ffmpeg"))
		}
	case "mjpeg":
		if c.Source.URL == "" {
			errs = append(errs, errors.New("source.url is required for mjpeg"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q (want ffmpeg or mjpeg)", c.Source.Kind))
	}

	switch c.Detector.Kind {
	case "worker":
		if c.Detector.Engines < 1 {
			errs = append(errs, fmt.Errorf("detector.engines must be at least 1, got %d", c.Detector.Engines))
		}
	case "socket":
		if c.Detector.Socket == "" {
			errs = append(errs, errors.New("detector.socket is required for the socket detector"))
		}
	case "http":
		if c.Detector.URL == "" {
			errs = append(errs, errors.New("detector.url is required for the http detector"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown detector.kind %q (want worker, socket or http)", c.Detector.Kind))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Dump renders the configuration as YAML. Durations are written as "200ms".
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// NewLogger builds the process logger. Output goes to stderr so stdout stays for command output.
func (l Log) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(l.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
