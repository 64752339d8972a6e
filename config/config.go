// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config reads and validates the YAML configuration file.  The
// rest of the program treats the returned Config as already-validated
// input; anything wrong here is fatal before any I/O happens.

package config

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/b2keep/b2keep/chunk"
	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
)

type B2 struct {
	KeyID    string `yaml:"key_id"`
	Key      string `yaml:"key"`
	BucketID string `yaml:"bucket_id"`
}

type GCS struct {
	Bucket   string `yaml:"bucket"`
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
}

type Config struct {
	// Names of the directories under BackupDirectory to back up.
	Volumes         []string `yaml:"volumes"`
	BackupDirectory string   `yaml:"backup_directory"`
	// Plaintext bytes per encrypted part.
	PartSize int `yaml:"encrypted_file_part_size"`

	// Either a literal 32-byte key, or a passphrase and salt that a key
	// is derived from.
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
	KeySalt    string `yaml:"key_salt"`

	// Which remote store to use: "b2" or "gcs".
	Remote string `yaml:"remote"`
	B2     B2     `yaml:"b2"`
	GCS    GCS    `yaml:"gcs"`

	UploadAttempts         int  `yaml:"upload_attempts"`
	BackoffModifierSeconds int  `yaml:"backoff_modifier_seconds"`
	ActivePeriodBeginHour  int  `yaml:"active_period_begin_hour"`
	ActivePeriodEndHour    int  `yaml:"active_period_end_hour"`
	EstimatedUploadMinutes int  `yaml:"estimated_upload_minutes"`
	DisablePause           bool `yaml:"disable_pause"`

	// zero -> unlimited
	MaxUploadBytesPerSecond int `yaml:"max_upload_bytes_per_second"`

	// How far back archives and remote objects are kept.
	RetainWeeks int `yaml:"retain_weeks"`

	// Write Reed-Solomon companion files for encrypted parts.
	ProtectParts bool `yaml:"protect_parts"`

	Verbose bool `yaml:"verbose"`
	Debug   bool `yaml:"debug"`
}

// Default returns the configuration defaults; values present in the YAML
// file override them field by field.
func Default() Config {
	return Config{
		BackupDirectory:        ".",
		PartSize:               1 << 20,
		Remote:                 "b2",
		UploadAttempts:         6,
		BackoffModifierSeconds: 225,
		ActivePeriodBeginHour:  20,
		ActivePeriodEndHour:    8,
		EstimatedUploadMinutes: 30,
		RetainWeeks:            12,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Volumes) == 0 {
		return fmt.Errorf("volumes not found in config file")
	}
	if c.PartSize < 1 {
		return fmt.Errorf("encrypted_file_part_size must be at least 1")
	}

	switch {
	case c.SecretKey != "":
		if len(c.SecretKey) != chunk.KeySize {
			return fmt.Errorf("secret_key must be exactly %d bytes, got %d",
				chunk.KeySize, len(c.SecretKey))
		}
	case c.Passphrase != "":
		if c.KeySalt == "" {
			return fmt.Errorf("key_salt is required with passphrase")
		}
	default:
		return fmt.Errorf("secret_key or passphrase not found in config file")
	}

	switch c.Remote {
	case "b2":
		if c.B2.KeyID == "" || c.B2.Key == "" || c.B2.BucketID == "" {
			return fmt.Errorf("b2 key_id, key, and bucket_id are required")
		}
	case "gcs":
		if c.GCS.Bucket == "" {
			return fmt.Errorf("gcs bucket is required")
		}
	default:
		return fmt.Errorf("%s: unknown remote", c.Remote)
	}

	if c.UploadAttempts < 1 {
		return fmt.Errorf("upload_attempts must be at least 1")
	}
	if h := c.ActivePeriodBeginHour; h < 0 || h > 23 {
		return fmt.Errorf("active_period_begin_hour must be in 0..23")
	}
	if h := c.ActivePeriodEndHour; h < 0 || h > 23 {
		return fmt.Errorf("active_period_end_hour must be in 0..23")
	}
	if c.RetainWeeks < 1 {
		return fmt.Errorf("retain_weeks must be at least 1")
	}
	return nil
}

// Key returns the secretbox key: the literal secret_key if one was given,
// otherwise a key derived from the passphrase using PBKDF2 with 65536
// rounds of SHA256.  The same passphrase and salt always derive the same
// key, which is what makes later decryption possible.
func (c *Config) Key() *[chunk.KeySize]byte {
	var key [chunk.KeySize]byte
	if c.SecretKey != "" {
		copy(key[:], c.SecretKey)
	} else {
		k := pbkdf2.Key([]byte(c.Passphrase), []byte(c.KeySalt), 65536,
			chunk.KeySize, sha256.New)
		copy(key[:], k)
	}
	return &key
}
