// Package config handles configuration for the server component,
// including defaults, JSON overlay, and command-line flags.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/google/uuid"
)

// Config holds runtime settings for the gophsync server.
//
// Fields:
//   - EndpointAddrGRPC: bind address for the public gRPC endpoint.
//   - Devices: device id to hex-encoded ed25519 verify key of every device
//     allowed to connect.
//   - ShareRealms: every device gets a contributor role in every realm, as
//     for a single user owning all the devices.
//   - LogLevel / LogFormat / LogFile: see logging.Options.
type Config struct {
	EndpointAddrGRPC string
	Devices          map[string]string
	ShareRealms      bool
	LogLevel         string
	LogFormat        string
	LogFile          string
}

// LoadDefaults populates Config with sensible development defaults.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.Devices = map[string]string{}
	c.ShareRealms = true
	c.LogLevel = "info"
	c.LogFormat = "json"
	c.LogFile = ""
}

// DeviceKeys decodes Devices.
func (c *Config) DeviceKeys() (map[uuid.UUID]cryptox.VerifyKey, error) {
	keys := make(map[uuid.UUID]cryptox.VerifyKey, len(c.Devices))
	var errs []error
	for rawID, rawKey := range c.Devices {
		id, err := uuid.Parse(rawID)
		if err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", rawID, err))
			continue
		}
		vk, err := hex.DecodeString(rawKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("device %s: verify key: %w", id, err))
			continue
		}
		if len(vk) != ed25519.PublicKeySize {
			errs = append(errs, fmt.Errorf("device %s: verify key is %d bytes, want %d", id, len(vk), ed25519.PublicKeySize))
			continue
		}
		keys[id] = cryptox.VerifyKey(vk)
	}
	return keys, errors.Join(errs...)
}

// LoadConfig builds a Config from args (usually os.Args[1:]) by applying
// defaults, then overlaying values from an optional JSON file and finally
// from command-line flags.
func LoadConfig(args []string) *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg, args)
	parseFlags(cfg, args)
	return cfg
}
