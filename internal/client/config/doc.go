// Package config loads runtime configuration for the sync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional config file selected with -c or --config. Files ending in
//     .yaml or .yml are YAML, everything else is JSON.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-d, --data-dir string       directory holding the local databases
//	-a, --address string        address:port of the backend gRPC endpoint
//	    --device string         device id
//	    --cache-size uint       chunk cache size in bytes
//	    --blocksize uint        blocksize of new files
//	    --block-store string    server or s3
//	    --s3-* string           S3 endpoint, bucket, region and credentials
//	    --min-sync-wait dur     outbound debounce
//	    --max-sync-wait dur     outbound staleness bound
//	    --unavailable-wait dur  wait after the server went offline
//	-i, --poll-interval dur     inbound poll period
//	    --prevent-sync string   regexp of names kept on this device
//	    --log-level, --log-format, --log-file
//
// # File schema
//
// Durations use timex.Duration, so values can be either strings like "3s"
// or integer nanoseconds:
//
//	server_endpoint_addr: 127.0.0.1:50051
//	min_sync_wait: 1s
//	max_sync_wait: 1m
//	block_store: s3
//	s3:
//	  bucket: blocks
//	  region: eu-central-1
//
// Missing keys keep the default value.
package config
