// Package config provides YAML configuration loading and validation for
// vmtapd.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for vmtapd.
type Config struct {
	// Object is the path to the compiled relocatable object to load.
	// Required.
	Object string `yaml:"object"`

	// Attachments lists where each named Program in the object binds.
	Attachments []Attachment `yaml:"attachments"`

	// RingPages is the per-cpu ring data region size, in pages. Must be a
	// power of two. Defaults to 16 when omitted.
	RingPages int `yaml:"ring_pages"`

	// Sink selects the event sink. "console" is the only value this repo
	// implements; anything else is a configuration error, since a real
	// pipeline sink lives out of process.
	Sink string `yaml:"sink"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AdminAddr is the listen address for the admin HTTP server (e.g.
	// "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	AdminAddr string `yaml:"admin_addr"`
}

// Attachment binds one named Program to an observation point.
type Attachment struct {
	// Program is the name of the Program within the object to attach.
	// Required.
	Program string `yaml:"program"`

	// Symbol is the kernel symbol to probe. Required for "entry-probe" and
	// "return-probe" programs; ignored otherwise.
	Symbol string `yaml:"symbol,omitempty"`

	// Interface is the network interface to attach to. Required for
	// "network-filter" and "socket-filter" programs; ignored otherwise.
	Interface string `yaml:"interface,omitempty"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSinks = map[string]bool{
	"console": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = "127.0.0.1:9000"
	}
	if cfg.RingPages == 0 {
		cfg.RingPages = 16
	}
	if cfg.Sink == "" {
		cfg.Sink = "console"
	}
}

// Validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Object == "" {
		errs = append(errs, errors.New("object is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validSinks[cfg.Sink] {
		errs = append(errs, fmt.Errorf("sink %q must be one of: console", cfg.Sink))
	}
	if cfg.RingPages <= 0 || cfg.RingPages&(cfg.RingPages-1) != 0 {
		errs = append(errs, fmt.Errorf("ring_pages %d must be a positive power of two", cfg.RingPages))
	}

	for i, a := range cfg.Attachments {
		prefix := fmt.Sprintf("attachments[%d]", i)
		if a.Program == "" {
			errs = append(errs, fmt.Errorf("%s: program is required", prefix))
		}
		if a.Symbol == "" && a.Interface == "" {
			errs = append(errs, fmt.Errorf("%s: one of symbol or interface is required", prefix))
		}
	}

	return errors.Join(errs...)
}
