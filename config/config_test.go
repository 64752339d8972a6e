// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func load(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	return Load(path)
}

const minimal = `
volumes:
  - photos
  - docs
passphrase: open sesame
key_salt: NaCl
b2:
  key_id: keyid
  key: applicationKey
  bucket_id: bucket0
`

func TestDefaults(t *testing.T) {
	cfg, err := load(t, minimal)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.BackupDirectory != "." {
		t.Errorf("backup directory = %q", cfg.BackupDirectory)
	}
	if cfg.PartSize != 1<<20 {
		t.Errorf("part size = %d", cfg.PartSize)
	}
	if cfg.Remote != "b2" {
		t.Errorf("remote = %q", cfg.Remote)
	}
	if cfg.UploadAttempts != 6 || cfg.BackoffModifierSeconds != 225 {
		t.Errorf("retry policy = %d / %d", cfg.UploadAttempts,
			cfg.BackoffModifierSeconds)
	}
	if cfg.ActivePeriodBeginHour != 20 || cfg.ActivePeriodEndHour != 8 {
		t.Errorf("active period = %d..%d", cfg.ActivePeriodBeginHour,
			cfg.ActivePeriodEndHour)
	}
	if cfg.EstimatedUploadMinutes != 30 {
		t.Errorf("estimated upload minutes = %d", cfg.EstimatedUploadMinutes)
	}
	if cfg.RetainWeeks != 12 {
		t.Errorf("retain weeks = %d", cfg.RetainWeeks)
	}
	if len(cfg.Volumes) != 2 || cfg.Volumes[0] != "photos" {
		t.Errorf("volumes = %+v", cfg.Volumes)
	}
}

func TestOverrides(t *testing.T) {
	cfg, err := load(t, minimal+`
backup_directory: /backups
encrypted_file_part_size: 65536
upload_attempts: 3
retain_weeks: 4
max_upload_bytes_per_second: 100000
protect_parts: true
`)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BackupDirectory != "/backups" || cfg.PartSize != 65536 ||
		cfg.UploadAttempts != 3 || cfg.RetainWeeks != 4 ||
		cfg.MaxUploadBytesPerSecond != 100000 || !cfg.ProtectParts {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		yaml string
		want string
	}{
		{`
passphrase: x
key_salt: y
b2: {key_id: a, key: b, bucket_id: c}
`, "volumes"},
		{`
volumes: [photos]
b2: {key_id: a, key: b, bucket_id: c}
`, "secret_key or passphrase"},
		{`
volumes: [photos]
passphrase: x
b2: {key_id: a, key: b, bucket_id: c}
`, "key_salt"},
		{`
volumes: [photos]
secret_key: tooshort
b2: {key_id: a, key: b, bucket_id: c}
`, "secret_key"},
		{`
volumes: [photos]
passphrase: x
key_salt: y
`, "key_id"},
		{`
volumes: [photos]
passphrase: x
key_salt: y
remote: gcs
`, "bucket"},
		{`
volumes: [photos]
passphrase: x
key_salt: y
remote: s3
`, "unknown remote"},
		{`
volumes: [photos]
passphrase: x
key_salt: y
b2: {key_id: a, key: b, bucket_id: c}
upload_attempts: 0
`, "upload_attempts"},
		{`
volumes: [photos]
passphrase: x
key_salt: y
b2: {key_id: a, key: b, bucket_id: c}
active_period_begin_hour: 24
`, "active_period_begin_hour"},
		{`
volumes: [photos]
passphrase: x
key_salt: y
b2: {key_id: a, key: b, bucket_id: c}
retain_weeks: 0
`, "retain_weeks"},
	} {
		_, err := load(t, tc.yaml)
		if err == nil {
			t.Errorf("expected %q error, got none", tc.want)
		} else if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("expected %q in error, got %q", tc.want, err)
		}
	}
}

func TestKeyDerivation(t *testing.T) {
	a, err := load(t, minimal)
	if err != nil {
		t.Fatal(err)
	}
	b, err := load(t, minimal)
	if err != nil {
		t.Fatal(err)
	}
	// The same passphrase and salt must always derive the same key, or
	// old backups become undecryptable.
	if *a.Key() != *b.Key() {
		t.Errorf("key derivation isn't deterministic")
	}

	c, err := load(t, strings.Replace(minimal, "NaCl", "KCl", 1))
	if err != nil {
		t.Fatal(err)
	}
	if *a.Key() == *c.Key() {
		t.Errorf("different salts derived the same key")
	}
}

func TestLiteralKey(t *testing.T) {
	cfg, err := load(t, `
volumes: [photos]
secret_key: "0123456789abcdef0123456789abcdef"
b2: {key_id: a, key: b, bucket_id: c}
`)
	if err != nil {
		t.Fatal(err)
	}
	key := cfg.Key()
	if !bytes.Equal(key[:], []byte("0123456789abcdef0123456789abcdef")) {
		t.Errorf("literal key wasn't used verbatim")
	}
}
