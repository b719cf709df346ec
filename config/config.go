// SPDX-License-Identifier: AGPL3.0-or-later

// Package config holds the construction-time parameters for a mesh
// node: JSON-backed, with "${VAR}" substitution against an
// environment map applied by walking the struct with reflection.
package config

import (
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// Default values for every construction-time parameter.
const (
	DefaultPort        = 3479
	DefaultBufferSize  = 1024
	DefaultKeepAliveMs = 5000
	DefaultTimeoutMs   = 120000
	DefaultSweepMs     = 54000
)

// Environ is a flat string-to-string substitution environment, applied
// to every string field during ParseConfig.
type Environ map[string]string

// NetworkConfig is the aggregated configuration for one mesh node.
// A single flat struct: the overlay listens on exactly one TCP port.
type NetworkConfig struct {
	Env Environ `json:"environ"`

	// Port is the TCP port the I/O engine binds (both IPv4 and IPv6
	// where dual-stack is available).
	Port uint16 `json:"port"`

	// BufferSize is the per-connection read buffer size in bytes.
	BufferSize int `json:"bufferSize"`

	// KeepAliveMs is the interval between keep_alive emissions.
	KeepAliveMs int `json:"keepAliveMs"`

	// TimeoutMs is the per-peer inactivity timeout before a forced close.
	TimeoutMs int `json:"timeoutMs"`

	// SweepMs is the interval between timeout sweeps.
	SweepMs int `json:"sweepMs"`

	// SeedDomain, if non-empty, is resolved by the seed package for
	// bootstrap candidates in addition to any explicitly configured
	// first contact.
	SeedDomain string `json:"seedDomain"`
}

// Defaults returns a NetworkConfig populated with the default values.
func Defaults() *NetworkConfig {
	return &NetworkConfig{
		Env:         Environ{},
		Port:        DefaultPort,
		BufferSize:  DefaultBufferSize,
		KeepAliveMs: DefaultKeepAliveMs,
		TimeoutMs:   DefaultTimeoutMs,
		SweepMs:     DefaultSweepMs,
	}
}

// ParseConfig reads a JSON-encoded configuration file into cfg (seed it
// with Defaults() first so unset fields keep their default), then
// applies environment substitution.
func ParseConfig(fileName string, cfg *NetworkConfig) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return err
	}
	applySubstitutions(cfg, cfg.Env)
	return nil
}

var substPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

func substString(s string, env map[string]string) string {
	matches := substPattern.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) == 0 {
			continue
		}
		subst, ok := env[m[1]]
		if !ok {
			continue
		}
		s = strings.ReplaceAll(s, "${"+m[1]+"}", subst)
	}
	return s
}

// applySubstitutions walks cfg's string fields, repeatedly substituting
// "${VAR}" references against env until a fixed point is reached.
func applySubstitutions(cfg *NetworkConfig, env map[string]string) {
	v := reflect.ValueOf(cfg).Elem()
	for i := 0; i < v.NumField(); i++ {
		fld := v.Field(i)
		if !fld.CanSet() || fld.Kind() != reflect.String {
			continue
		}
		s := fld.String()
		for {
			s1 := substString(s, env)
			if s1 == s {
				break
			}
			logger.Printf(logger.DBG, "[config] %s --> %s", s, s1)
			fld.SetString(s1)
			s = s1
		}
	}
}
