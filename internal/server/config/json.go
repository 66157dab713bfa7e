package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. Missing keys keep the values already in Config.
type JsonConfig struct {
	EndpointAddrGRPC *string           `json:"endpoint_addr_grpc"`
	Devices          map[string]string `json:"devices"`
	ShareRealms      *bool             `json:"share_realms"`
	LogLevel         *string           `json:"log_level"`
	LogFormat        *string           `json:"log_format"`
	LogFile          *string           `json:"log_file"`
}

// parseJson loads configuration values from the JSON file given with -c or
// --config into the provided Config instance. Without that flag nothing is
// loaded. If the file cannot be read or contains invalid JSON, the function
// panics.
func parseJson(config *Config, args []string) {
	jsonConfigFile := flagx.ConfigFileFlag(args)

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}
	if config.Devices == nil {
		config.Devices = map[string]string{}
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	if c.EndpointAddrGRPC != nil {
		config.EndpointAddrGRPC = *c.EndpointAddrGRPC
	}
	for id, key := range c.Devices {
		config.Devices[id] = key
	}
	if c.ShareRealms != nil {
		config.ShareRealms = *c.ShareRealms
	}
	if c.LogLevel != nil {
		config.LogLevel = *c.LogLevel
	}
	if c.LogFormat != nil {
		config.LogFormat = *c.LogFormat
	}
	if c.LogFile != nil {
		config.LogFile = *c.LogFile
	}
}
