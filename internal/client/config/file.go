package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/timex"
	"gopkg.in/yaml.v3"
)

// fileConfig is a DTO used exclusively for decoding config files. Pointer
// fields tell a missing key apart from a zero value, and timex.Duration lets
// intervals be written as "3s" or as integer nanoseconds.
type fileConfig struct {
	DataDir            *string `json:"data_dir" yaml:"data_dir"`
	ServerEndpointAddr *string `json:"server_endpoint_addr" yaml:"server_endpoint_addr"`
	DeviceID           *string `json:"device_id" yaml:"device_id"`

	CacheSize *uint64 `json:"cache_size" yaml:"cache_size"`
	Blocksize *uint64 `json:"blocksize" yaml:"blocksize"`

	BlockStore *string       `json:"block_store" yaml:"block_store"`
	S3         *fileS3Config `json:"s3" yaml:"s3"`

	MinSyncWait           *timex.Duration `json:"min_sync_wait" yaml:"min_sync_wait"`
	MaxSyncWait           *timex.Duration `json:"max_sync_wait" yaml:"max_sync_wait"`
	ServerUnavailableWait *timex.Duration `json:"server_unavailable_wait" yaml:"server_unavailable_wait"`
	InboundPollInterval   *timex.Duration `json:"inbound_poll_interval" yaml:"inbound_poll_interval"`

	PreventSyncPattern *string `json:"prevent_sync_pattern" yaml:"prevent_sync_pattern"`

	LogLevel  *string `json:"log_level" yaml:"log_level"`
	LogFormat *string `json:"log_format" yaml:"log_format"`
	LogFile   *string `json:"log_file" yaml:"log_file"`
}

type fileS3Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Region    string `json:"region" yaml:"region"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
}

// parseFile overlays cfg with the file named by -c/--config, if any. The
// format is chosen from the extension: .yaml and .yml are YAML, anything
// else is JSON. Read or decode errors panic.
func parseFile(cfg *Config, args []string) {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		panic(fmt.Sprintf("config file %s: %v", path, err))
	}

	fc.apply(cfg)
}

func (fc *fileConfig) apply(cfg *Config) {
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.ServerEndpointAddr, fc.ServerEndpointAddr)
	setString(&cfg.DeviceID, fc.DeviceID)
	if fc.CacheSize != nil {
		cfg.CacheSize = *fc.CacheSize
	}
	if fc.Blocksize != nil {
		cfg.Blocksize = *fc.Blocksize
	}
	setString(&cfg.BlockStore, fc.BlockStore)
	if fc.S3 != nil {
		cfg.S3 = S3Config(*fc.S3)
	}
	if fc.MinSyncWait != nil {
		cfg.MinSyncWait = fc.MinSyncWait.Duration
	}
	if fc.MaxSyncWait != nil {
		cfg.MaxSyncWait = fc.MaxSyncWait.Duration
	}
	if fc.ServerUnavailableWait != nil {
		cfg.ServerUnavailableWait = fc.ServerUnavailableWait.Duration
	}
	if fc.InboundPollInterval != nil {
		cfg.InboundPollInterval = fc.InboundPollInterval.Duration
	}
	setString(&cfg.PreventSyncPattern, fc.PreventSyncPattern)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.LogFile, fc.LogFile)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
