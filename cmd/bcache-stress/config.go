package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/unkn0wn-root/bcache"
)

// runConfig describes one stress run. It can be loaded from YAML and any
// flag given on the command line overrides the file.
type runConfig struct {
	Buffers      int    `yaml:"buffers"`
	Buckets      int    `yaml:"buckets"`
	BlockSize    int    `yaml:"block_size"`
	Hash         string `yaml:"hash"`         // mod | xxhash
	Distribution string `yaml:"distribution"` // roundrobin | zerokey

	Workers  int `yaml:"workers"`
	Ops      int `yaml:"ops"`       // per worker
	Blocks   int `yaml:"blocks"`    // distinct block numbers per device
	Devices  int `yaml:"devices"`   // device numbers 1..Devices
	PinEvery int `yaml:"pin_every"` // pin and unpin every Nth op (0=never)

	Device     string  `yaml:"device"` // mem | file
	Dir        string  `yaml:"dir"`    // image directory for the file device (""=temp)
	SyncWrites bool    `yaml:"sync_writes"`
	IOPS       float64 `yaml:"iops"` // device rate limit (0=unlimited)
	Burst      int     `yaml:"burst"`

	Dump        string `yaml:"dump"`         // write a CBOR snapshot here after the run
	MetricsAddr string `yaml:"metrics_addr"` // serve /metrics here during the run
	LogLevel    string `yaml:"log_level"`
}

func defaultRunConfig() runConfig {
	return runConfig{
		Buffers:      64,
		Buckets:      13,
		BlockSize:    512,
		Hash:         "mod",
		Distribution: "roundrobin",
		Workers:      16,
		Ops:          10000,
		Blocks:       256,
		Devices:      2,
		PinEvery:     16,
		Device:       "mem",
		Burst:        1,
		LogLevel:     "info",
	}
}

func (rc *runConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, rc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (rc *runConfig) validate() error {
	switch {
	case rc.Workers < 1:
		return fmt.Errorf("workers must be >= 1, got %d", rc.Workers)
	case rc.Workers > rc.Buffers:
		// Each worker holds at most one buffer at a time, so a free slot
		// always exists. A steal scan can still miss it when a concurrent
		// steal moves it behind the scan; keep workers well below buffers
		// to make that unlikely.
		return fmt.Errorf("workers (%d) must not exceed buffers (%d)", rc.Workers, rc.Buffers)
	case rc.Ops < 0:
		return fmt.Errorf("ops must be >= 0, got %d", rc.Ops)
	case rc.Blocks < 1:
		return fmt.Errorf("blocks must be >= 1, got %d", rc.Blocks)
	case rc.Devices < 1:
		return fmt.Errorf("devices must be >= 1, got %d", rc.Devices)
	case rc.BlockSize < 8:
		return fmt.Errorf("block_size must be >= 8 to hold a counter, got %d", rc.BlockSize)
	case rc.PinEvery < 0:
		return fmt.Errorf("pin_every must be >= 0, got %d", rc.PinEvery)
	case rc.IOPS < 0:
		return fmt.Errorf("iops must be >= 0, got %v", rc.IOPS)
	}
	switch rc.Device {
	case "mem", "file":
	default:
		return fmt.Errorf("invalid device: %s (must be one of: mem, file)", rc.Device)
	}
	if _, err := rc.level(); err != nil {
		return err
	}
	_, err := rc.cacheConfig(nil)
	return err
}

func (rc *runConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(rc.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level: %s (must be one of: debug, info, warn, error)", rc.LogLevel)
	}
	return lvl, nil
}

// cacheConfig translates the run settings into a bcache.Config.
func (rc *runConfig) cacheConfig(logger *slog.Logger) (bcache.Config, error) {
	config := bcache.DefaultConfig()
	config.NumBuffers = rc.Buffers
	config.NumBuckets = rc.Buckets
	config.BlockSize = rc.BlockSize
	config.Logger = logger

	switch strings.ToLower(rc.Hash) {
	case "mod", "":
		config.Hash = bcache.ModHash
	case "xxhash":
		config.Hash = bcache.XXHash
	default:
		return config, fmt.Errorf("invalid hash: %s (must be one of: mod, xxhash)", rc.Hash)
	}

	switch strings.ToLower(rc.Distribution) {
	case "roundrobin", "":
		config.Distribution = bcache.DistributeRoundRobin
	case "zerokey":
		config.Distribution = bcache.DistributeZeroKey
	default:
		return config, fmt.Errorf("invalid distribution: %s (must be one of: roundrobin, zerokey)", rc.Distribution)
	}
	return config, nil
}

// parseArgs builds the run configuration: defaults, then the -config file,
// then the flags that were actually set.
func parseArgs(args []string, stderr io.Writer) (runConfig, error) {
	def := defaultRunConfig()
	fs := flag.NewFlagSet("bcache-stress", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath = fs.String("config", "", "YAML run configuration")

		buffers = fs.Int("buffers", def.Buffers, "buffers in the pool")
		buckets = fs.Int("buckets", def.Buckets, "hash buckets")
		bsize   = fs.Int("block-size", def.BlockSize, "block size in bytes")
		hash    = fs.String("hash", def.Hash, "bucket hash: mod|xxhash")
		dist    = fs.String("distribution", def.Distribution, "initial slot placement: roundrobin|zerokey")

		workers  = fs.Int("workers", def.Workers, "concurrent workers (<= buffers)")
		ops      = fs.Int("ops", def.Ops, "operations per worker")
		blocks   = fs.Int("blocks", def.Blocks, "distinct blocks per device")
		devices  = fs.Int("devices", def.Devices, "number of devices")
		pinEvery = fs.Int("pin-every", def.PinEvery, "pin/unpin every Nth op (0=never)")

		dev   = fs.String("device", def.Device, "backing device: mem|file")
		dir   = fs.String("dir", def.Dir, "image directory for -device=file (default: temp dir)")
		fsync = fs.Bool("sync", def.SyncWrites, "fsync every block write")
		iops  = fs.Float64("iops", def.IOPS, "device operations per second (0=unlimited)")
		burst = fs.Int("burst", def.Burst, "device rate limiter burst")

		dump     = fs.String("dump", def.Dump, "write a CBOR snapshot of the cache to this file")
		metrics  = fs.String("metrics", def.MetricsAddr, "serve Prometheus metrics on this address, e.g. :9100")
		logLevel = fs.String("log-level", def.LogLevel, "debug|info|warn|error")
	)
	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}

	rc := def
	if *configPath != "" {
		if err := rc.loadFile(*configPath); err != nil {
			return runConfig{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "buffers":
			rc.Buffers = *buffers
		case "buckets":
			rc.Buckets = *buckets
		case "block-size":
			rc.BlockSize = *bsize
		case "hash":
			rc.Hash = *hash
		case "distribution":
			rc.Distribution = *dist
		case "workers":
			rc.Workers = *workers
		case "ops":
			rc.Ops = *ops
		case "blocks":
			rc.Blocks = *blocks
		case "devices":
			rc.Devices = *devices
		case "pin-every":
			rc.PinEvery = *pinEvery
		case "device":
			rc.Device = *dev
		case "dir":
			rc.Dir = *dir
		case "sync":
			rc.SyncWrites = *fsync
		case "iops":
			rc.IOPS = *iops
		case "burst":
			rc.Burst = *burst
		case "dump":
			rc.Dump = *dump
		case "metrics":
			rc.MetricsAddr = *metrics
		case "log-level":
			rc.LogLevel = *logLevel
		}
	})

	if err := rc.validate(); err != nil {
		return runConfig{}, err
	}
	return rc, nil
}
