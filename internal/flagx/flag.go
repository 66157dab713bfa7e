// Package flagx holds small helpers for command-line handling that must run
// before the main flag set is parsed.
package flagx

import (
	"strings"

	"github.com/spf13/pflag"
)

// FilterArgs returns the subset of args made of the allowed flags and their
// values. Both "-c conf.yaml" and "--config=conf.yaml" forms are recognised;
// every other argument is dropped.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name, _, _ := strings.Cut(arg, "=")
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// ConfigFileFlag extracts the config file path given with -c or --config.
// Other arguments are ignored so the caller can parse its own flags later.
// An empty string means no config file was requested.
func ConfigFileFlag(args []string) string {
	var config string

	fs := pflag.NewFlagSet("config-file", pflag.ContinueOnError)
	fs.StringVarP(&config, "config", "c", "", "Path to config file (json or yaml)")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "--config"}))

	return config
}
