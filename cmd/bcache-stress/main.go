// Command bcache-stress hammers a buffer cache with concurrent
// read-modify-write workers and verifies that no update was lost.
//
// Every block carries a little-endian uint64 counter in its first eight
// bytes. Workers read a random block, bump its counter, write it through and
// release it. When they are done the counters on the device must add up to
// the number of completed operations and the cache tables must be consistent.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/bcache"
	"github.com/unkn0wn-root/bcache/device"
	"github.com/unkn0wn-root/bcache/metrics"
)

func main() {
	rc, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "bcache-stress:", err)
		os.Exit(2)
	}

	lvl, _ := rc.level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, rc, logger); err != nil {
		logger.Error("stress run failed", "err", err)
		stop()
		os.Exit(1)
	}
}

// run executes one stress run end to end.
func run(ctx context.Context, rc runConfig, logger *slog.Logger) error {
	dev, closeDev, err := openDevice(rc, logger)
	if err != nil {
		return err
	}
	defer closeDev()

	var backing device.Device = dev
	if rc.IOPS > 0 {
		backing = device.Throttle(dev, rc.IOPS, rc.Burst)
	}

	config, err := rc.cacheConfig(logger)
	if err != nil {
		return err
	}
	c, err := bcache.New(backing, config)
	if err != nil {
		return err
	}

	if rc.MetricsAddr != "" {
		shutdown := serveMetrics(rc.MetricsAddr, c, logger)
		defer shutdown()
	}

	logger.Info("stress run starting",
		"buffers", rc.Buffers, "buckets", rc.Buckets, "block_size", rc.BlockSize,
		"workers", rc.Workers, "ops", rc.Ops, "blocks", rc.Blocks, "devices", rc.Devices,
		"device", rc.Device)

	start := time.Now()
	done, err := hammer(ctx, c, rc)
	elapsed := time.Since(start)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := c.Stats()
	logger.Info("stress run finished",
		"ops", done,
		"elapsed", elapsed.Round(time.Millisecond),
		"ops_per_sec", int64(float64(done)/elapsed.Seconds()),
		"hits", stats.Hits, "misses", stats.Misses,
		"reuses", stats.Reuses, "steals", stats.Steals,
		"hit_ratio", fmt.Sprintf("%.3f", stats.HitRatio),
		"device_reads", stats.Reads, "device_writes", stats.Writes)

	if err := verify(dev, rc, done); err != nil {
		return err
	}
	if err := c.Check(); err != nil {
		return err
	}
	logger.Info("verification passed", "ops", done)

	if rc.Dump != "" {
		if err := dumpSnapshot(rc.Dump, c.Snapshot()); err != nil {
			return err
		}
		logger.Info("snapshot written", "path", rc.Dump)
	}
	return nil
}

// hammer runs the workers and returns how many operations completed.
func hammer(ctx context.Context, c *bcache.Cache, rc runConfig) (int64, error) {
	var done atomic.Int64
	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < rc.Workers; w++ {
		seed := time.Now().UnixNano() + int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < rc.Ops; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				dev := uint32(1 + rng.Intn(rc.Devices))
				blk := uint32(rng.Intn(rc.Blocks))
				pin := rc.PinEvery > 0 && i%rc.PinEvery == 0
				if err := bump(c, dev, blk, pin); err != nil {
					return err
				}
				done.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	return done.Load(), err
}

// bump increments the counter of one block and writes it through.
func bump(c *bcache.Cache, dev, blk uint32, pin bool) error {
	b, err := c.Read(dev, blk)
	if err != nil {
		return err
	}
	defer c.Release(b)

	data := b.Data()
	binary.LittleEndian.PutUint64(data, binary.LittleEndian.Uint64(data)+1)
	if err := c.Write(b); err != nil {
		return err
	}
	if pin {
		c.Pin(b)
		c.Unpin(b)
	}
	return nil
}

// verify sums the counters straight from the device, bypassing the cache.
func verify(dev device.Device, rc runConfig, want int64) error {
	p := make([]byte, dev.BlockSize())
	var total int64
	for d := 1; d <= rc.Devices; d++ {
		for blk := 0; blk < rc.Blocks; blk++ {
			if err := dev.ReadBlock(uint32(d), uint32(blk), p); err != nil {
				return fmt.Errorf("verify dev %d block %d: %w", d, blk, err)
			}
			total += int64(binary.LittleEndian.Uint64(p))
		}
	}
	if total != want {
		return fmt.Errorf("%w: counters sum to %d, completed %d ops", bcache.ErrInvariant, total, want)
	}
	return nil
}

func dumpSnapshot(path string, snap bcache.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	if err := bcache.EncodeSnapshot(f, snap); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return f.Close()
}

func serveMetrics(addr string, c *bcache.Cache, logger *slog.Logger) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector("", c, nil),
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// openDevice returns the backing device and a function that closes it.
func openDevice(rc runConfig, logger *slog.Logger) (device.Device, func(), error) {
	if rc.Device == "mem" {
		return device.NewMem(rc.BlockSize), func() {}, nil
	}
	return openFileDevice(rc, logger)
}
