// Package config loads the node configuration file for the command line
// tools.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// File is the on-disk node configuration.
type File struct {
	DataDir           string   `yaml:"dataDir"`
	MinimumFreeGB     int      `yaml:"minimumFreeGB"`
	OverlayListenAddr string   `yaml:"overlayListenAddr"`
	ExchangeAddr      string   `yaml:"exchangeAddr"`
	AdvertiseAddr     string   `yaml:"advertiseAddr"`
	BootstrapSeeds    []string `yaml:"bootstrapSeeds"`
	GCIntervalMinutes int      `yaml:"gcIntervalMinutes"`
	LogLevel          string   `yaml:"logLevel"`
}

// Load reads the YAML config at path. A missing file is not an error: the
// defaults apply and the flags can override everything.
func Load(path string) (File, error) {
	conf := defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return conf, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if conf.DataDir == "" {
		conf.DataDir = defaults().DataDir
	}
	if conf.OverlayListenAddr == "" {
		conf.OverlayListenAddr = defaults().OverlayListenAddr
	}
	if conf.ExchangeAddr == "" {
		conf.ExchangeAddr = defaults().ExchangeAddr
	}
	if conf.LogLevel == "" {
		conf.LogLevel = defaults().LogLevel
	}
	return conf, nil
}

// GCInterval converts the configured minutes to a duration.
func (f File) GCInterval() time.Duration {
	if f.GCIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(f.GCIntervalMinutes) * time.Minute
}

func defaults() File {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return File{
		DataDir:           filepath.Join(home, ".knapsack"),
		OverlayListenAddr: ":42441",
		ExchangeAddr:      ":42442",
		LogLevel:          "info",
	}
}
