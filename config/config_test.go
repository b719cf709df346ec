// SPDX-License-Identifier: AGPL3.0-or-later

package config

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/bfix/gospel/logger"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.BufferSize != DefaultBufferSize {
		t.Fatalf("expected default buffer size %d, got %d", DefaultBufferSize, cfg.BufferSize)
	}
}

func TestParseConfigSubstitution(t *testing.T) {
	logger.SetLogLevel(logger.WARN)

	f, err := os.CreateTemp(t.TempDir(), "meshnet-config-*.json")
	if err != nil {
		t.Fatal(err)
	}
	body := `{"environ":{"DOMAIN":"example.org"},"port":4000,"seedDomain":"seed.${DOMAIN}"}`
	if _, err := f.WriteString(body); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg := Defaults()
	if err := ParseConfig(f.Name(), cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 4000 {
		t.Fatalf("expected port overridden to 4000, got %d", cfg.Port)
	}
	if cfg.SeedDomain != "seed.example.org" {
		t.Fatalf("expected substitution applied, got %q", cfg.SeedDomain)
	}

	if _, err := json.Marshal(cfg); err != nil {
		t.Fatal(err)
	}
}
