package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "leech"

// Config holds the configuration options for the application.
type Config struct {
	DownloadDir string        `yaml:"dir,omitempty"`
	ResumeDB    string        `yaml:"resumeDb,omitempty"`
	LogFile     string        `yaml:"logFile,omitempty"`
	Engine      *EngineConfig `yaml:"engine,omitempty"`
}

// EngineConfig holds the tunables of the transfer core. The endgame margin
// and tracker growth are empirically tuned values kept configurable.
type EngineConfig struct {
	BlockSize              int           `yaml:"blockSize,omitempty"`
	EndgameMargin          int           `yaml:"endgameMargin,omitempty"`
	MaxOutstandingRequests int           `yaml:"maxOutstandingRequests,omitempty"`
	HashWorkers            int           `yaml:"hashWorkers,omitempty"`
	HashAlgorithm          string        `yaml:"hashAlgorithm,omitempty"`
	PickerStrategy         string        `yaml:"pickerStrategy,omitempty"`
	CorruptionTolerance    int           `yaml:"corruptionTolerance,omitempty"`
	TrackerRetryGrowth     int           `yaml:"trackerRetryGrowth,omitempty"`
	TrackerInterval        time.Duration `yaml:"trackerInterval,omitempty"`
}

// GetConfig reads the configuration file from the XDG config home and
// returns a Config struct. If the file does not exist, it returns the
// default configuration.
func GetConfig() (*Config, error) {
	return LoadFile(filepath.Join(xdg.ConfigHome, configFileName))
}

// LoadFile reads the configuration at path, filling unset values with
// defaults.
func LoadFile(path string) (*Config, error) {
	defaults := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	engineCfg := zeroOr(cfg.Engine, defaults.Engine)

	return &Config{
		DownloadDir: zeroOr(cfg.DownloadDir, defaults.DownloadDir),
		ResumeDB:    zeroOr(cfg.ResumeDB, defaults.ResumeDB),
		LogFile:     zeroOr(cfg.LogFile, defaults.LogFile),
		Engine: &EngineConfig{
			BlockSize:              zeroOr(engineCfg.BlockSize, defaults.Engine.BlockSize),
			EndgameMargin:          zeroOr(engineCfg.EndgameMargin, defaults.Engine.EndgameMargin),
			MaxOutstandingRequests: zeroOr(engineCfg.MaxOutstandingRequests, defaults.Engine.MaxOutstandingRequests),
			HashWorkers:            zeroOr(engineCfg.HashWorkers, defaults.Engine.HashWorkers),
			HashAlgorithm:          zeroOr(engineCfg.HashAlgorithm, defaults.Engine.HashAlgorithm),
			PickerStrategy:         zeroOr(engineCfg.PickerStrategy, defaults.Engine.PickerStrategy),
			CorruptionTolerance:    zeroOr(engineCfg.CorruptionTolerance, defaults.Engine.CorruptionTolerance),
			TrackerRetryGrowth:     zeroOr(engineCfg.TrackerRetryGrowth, defaults.Engine.TrackerRetryGrowth),
			TrackerInterval:        zeroOr(engineCfg.TrackerInterval, defaults.Engine.TrackerInterval),
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		DownloadDir: downloadDir,
		ResumeDB:    resumeDB,
		LogFile:     logFile,
		Engine: &EngineConfig{
			BlockSize:              blockSize,
			EndgameMargin:          endgameMargin,
			MaxOutstandingRequests: maxOutstandingRequests,
			HashWorkers:            hashWorkers,
			HashAlgorithm:          hashAlgorithm,
			PickerStrategy:         pickerStrategy,
			CorruptionTolerance:    corruptionTolerance,
			TrackerRetryGrowth:     trackerRetryGrowth,
			TrackerInterval:        trackerInterval,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
