package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// Block store backends.
const (
	BlockStoreServer = "server"
	BlockStoreS3     = "s3"
)

// S3Config configures the S3 block store.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds runtime settings for the sync client.
//
// Units: CacheSize and Blocksize are in bytes, the waits are time.Duration.
type Config struct {
	DataDir            string
	ServerEndpointAddr string
	DeviceID           string

	CacheSize uint64
	Blocksize uint64

	BlockStore string
	S3         S3Config

	MinSyncWait           time.Duration
	MaxSyncWait           time.Duration
	ServerUnavailableWait time.Duration
	InboundPollInterval   time.Duration

	PreventSyncPattern string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = "~/.gophsync"
	c.ServerEndpointAddr = ":50051"
	c.DeviceID = ""
	c.CacheSize = 512 * 1024 * 1024
	c.Blocksize = models.DefaultBlocksize
	c.BlockStore = BlockStoreServer
	c.S3 = S3Config{Region: "us-east-1"}
	c.MinSyncWait = time.Second
	c.MaxSyncWait = 60 * time.Second
	c.ServerUnavailableWait = 60 * time.Second
	c.InboundPollInterval = 10 * time.Second
	c.PreventSyncPattern = models.DefaultPreventSyncPattern
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.LogFile = ""
}

// Validate checks the values that cannot be checked while parsing.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir is empty"))
	}
	if c.Blocksize < 8 {
		errs = append(errs, fmt.Errorf("blocksize %d is below 8 bytes", c.Blocksize))
	}
	if c.MinSyncWait > c.MaxSyncWait {
		errs = append(errs, fmt.Errorf("min sync wait %s exceeds max sync wait %s", c.MinSyncWait, c.MaxSyncWait))
	}
	if c.InboundPollInterval <= 0 {
		errs = append(errs, errors.New("inbound poll interval must be positive"))
	}
	switch c.BlockStore {
	case BlockStoreServer:
	case BlockStoreS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 block store requires a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown block store %q", c.BlockStore))
	}
	if _, err := models.NewPreventSyncPattern(c.PreventSyncPattern); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LoadConfig constructs a Config from args (usually os.Args[1:]): defaults
// first, then the config file given with -c/--config, then flags. Later
// sources take precedence over earlier ones. Invalid input panics.
func LoadConfig(args []string) *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseFile(cfg, args)
	parseFlags(cfg, args)

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}
	return cfg
}
