package config

import (
	"github.com/spf13/pflag"
)

// parseFlags overlays cfg with command-line flags. Flags it does not know
// about are ignored so the daemon can add its own. Parse errors panic.
func parseFlags(cfg *Config, args []string) {
	fs := pflag.NewFlagSet("gophsync", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true

	// Declared so that the file flag is not mistaken for a positional value.
	fs.StringP("config", "c", "", "path to config file (json or yaml)")

	fs.StringVarP(&cfg.DataDir, "data-dir", "d", cfg.DataDir, "directory holding the local databases")
	fs.StringVarP(&cfg.ServerEndpointAddr, "address", "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.StringVar(&cfg.DeviceID, "device", cfg.DeviceID, "device id (generated on first run when empty)")

	fs.Uint64Var(&cfg.CacheSize, "cache-size", cfg.CacheSize, "local chunk cache size in bytes")
	fs.Uint64Var(&cfg.Blocksize, "blocksize", cfg.Blocksize, "blocksize of new files in bytes")

	fs.StringVar(&cfg.BlockStore, "block-store", cfg.BlockStore, "block store backend: server or s3")
	fs.StringVar(&cfg.S3.Endpoint, "s3-endpoint", cfg.S3.Endpoint, "S3 endpoint url")
	fs.StringVar(&cfg.S3.Bucket, "s3-bucket", cfg.S3.Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3.Region, "s3-region", cfg.S3.Region, "S3 region")
	fs.StringVar(&cfg.S3.AccessKey, "s3-access-key", cfg.S3.AccessKey, "S3 access key")
	fs.StringVar(&cfg.S3.SecretKey, "s3-secret-key", cfg.S3.SecretKey, "S3 secret key")

	fs.DurationVar(&cfg.MinSyncWait, "min-sync-wait", cfg.MinSyncWait, "delay before syncing a changed entry")
	fs.DurationVar(&cfg.MaxSyncWait, "max-sync-wait", cfg.MaxSyncWait, "longest delay before syncing a continuously changed entry")
	fs.DurationVar(&cfg.ServerUnavailableWait, "unavailable-wait", cfg.ServerUnavailableWait, "wait after the server went offline")
	fs.DurationVarP(&cfg.InboundPollInterval, "poll-interval", "i", cfg.InboundPollInterval, "inbound changes poll interval")

	fs.StringVar(&cfg.PreventSyncPattern, "prevent-sync", cfg.PreventSyncPattern, "regexp of entry names kept on this device")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file (rotated), stderr when empty")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
