package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-k id=key   allowed device and its hex verify key, repeatable
//	-s bool     share every realm with every device
//	-l string   log level
//	-f string   log format, text or json
//	-o string   log file
//
// Notes:
//   - The function first filters args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Boolean flags take their value in the -s=false form.
func parseFlags(config *Config, args []string) {
	// Filter args to include only the flags handled here.
	args = flagx.FilterArgs(args, []string{"-a", "-k", "-s", "-l", "-f", "-o"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	if config.Devices == nil {
		config.Devices = map[string]string{}
	}

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.Var(deviceFlag(config.Devices), "k", "device allowed to connect, as id=hex-verify-key")
	fs.BoolVar(&config.ShareRealms, "s", config.ShareRealms, "share every realm with every device")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.LogFormat, "f", config.LogFormat, "log format")
	fs.StringVar(&config.LogFile, "o", config.LogFile, "log file")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}

// deviceFlag collects repeated id=key values into a map.
type deviceFlag map[string]string

func (d deviceFlag) String() string {
	return fmt.Sprintf("%d devices", len(d))
}

func (d deviceFlag) Set(v string) error {
	id, key, ok := strings.Cut(v, "=")
	if !ok || id == "" || key == "" {
		return fmt.Errorf("device %q: want id=hex-verify-key", v)
	}
	d[id] = key
	return nil
}
