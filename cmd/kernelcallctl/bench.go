package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/notargets/kernelcall/asmcompiler"
	"github.com/notargets/kernelcall/callcache"
	"github.com/notargets/kernelcall/driver"
	"github.com/notargets/kernelcall/drivertest"
	"github.com/notargets/kernelcall/kernelimage"
)

// benchCmd decodes a blob and launches it through the configured backend,
// reporting host-observed wall time. Against the fake backend this is a
// deterministic smoke test; against the real CUDA backend it requires the
// caller's buffers to already be valid device pointers (this harness always
// allocates plain host memory of the --buffer-bytes sizes, which stands in
// for device memory only with the fake backend).
func benchCmd() *cli.Command {
	var (
		path        string
		bufferSizes []int
		iterations  int
	)
	return &cli.Command{
		Name:  "bench",
		Usage: "Decode a blob and launch it, reporting timings",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "blob", Required: true, Destination: &path},
			&cli.IntSliceFlag{Name: "buffer-bytes", Usage: "size in bytes of each Array parameter's backing buffer, in order", Destination: &bufferSizes},
			&cli.IntFlag{Name: "iterations", Value: 1, Destination: &iterations},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := configFromContext(ctx)
			log := loggerFromContext(ctx)

			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			var drv driver.Driver
			switch cfg.Backend {
			case "cuda":
				drv = driver.New()
			default:
				drv = drivertest.New()
			}

			reg := prometheus.NewRegistry()
			metrics := callcache.NewMetrics(reg)
			imageCache := kernelimage.New(asmcompiler.Ptxas{}, log)
			bc := callcache.New(drv, imageCache, log, metrics)

			// backing keeps the slices reachable while their raw addresses
			// are in flight as fake device pointers.
			backing := make([][]byte, len(bufferSizes))
			buffers := make([]driver.DevicePtr, len(bufferSizes))
			for i, size := range bufferSizes {
				backing[i] = make([]byte, size)
				if size > 0 {
					buffers[i] = driver.DevicePtr(uintptr(unsafe.Pointer(&backing[i][0])))
				}
			}
			defer runtime.KeepAlive(backing)

			stream := driver.Stream(1)
			sink := &cliStatusSink{}

			start := time.Now()
			for i := 0; i < iterations; i++ {
				bc.TritonKernelCall(ctx, stream, buffers, raw, sink)
				if sink.msg != "" {
					return fmt.Errorf("launch failed: %s", sink.msg)
				}
			}
			elapsed := time.Since(start)

			fmt.Printf("launched %d time(s) in %s (%.3f ms/iter)\n", iterations, elapsed, float64(elapsed.Microseconds())/1000.0/float64(iterations))
			fmt.Printf("blob cache size: %d, device image cache size: %d\n", bc.Len(), imageCache.Len())
			return nil
		},
	}
}

type cliStatusSink struct {
	msg string
}

func (s *cliStatusSink) SetError(msg string) { s.msg = msg }
