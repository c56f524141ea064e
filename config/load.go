package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: IAXD_GENERAL_BIND and so on.
const EnvPrefix = "IAXD"

const (
	defaultFreqOK    = 60 * time.Second
	defaultFreqNotOK = 10 * time.Second
)

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads KEY=value pairs from a .env file next to the config
// file, if one exists. Variables already set win.
func LoadDotEnv(configPath string) error {
	path := filepath.Join(filepath.Dir(configPath), ".env")
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "config.LoadDotEnv",
		"file":     path,
	}).Info("Loaded environment file")
	return nil
}

// Load reads and compiles the YAML file at path.
func Load(path string) (*Snapshot, error) {
	v, err := open(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func open(path string) (*viper.Viper, error) {
	if err := LoadDotEnv(path); err != nil {
		return nil, err
	}
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return v, nil
}

// LoadBytes compiles YAML held in memory.
func LoadBytes(data []byte) (*Snapshot, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return decode(v)
}

// Default returns the snapshot of an empty configuration.
func Default() *Snapshot {
	s, err := LoadBytes(nil)
	if err != nil {
		panic(fmt.Sprintf("default configuration does not compile: %v", err))
	}
	return s
}

func decode(v *viper.Viper) (*Snapshot, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return Compile(c)
}
