// Package callcache implements the call cache and the custom-call entry
// point: the process-wide map from an opaque blob's verbatim bytes to its
// decoded, launchable call, and the single function the host
// tensor-compiler framework dispatches to.
package callcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/notargets/kernelcall/autotune"
	"github.com/notargets/kernelcall/driver"
	"github.com/notargets/kernelcall/kernel"
	"github.com/notargets/kernelcall/kernelimage"
	"github.com/notargets/kernelcall/wire"
)

// Call is a launchable decoded call: either a single kernel.KernelCall or an
// autotune.AutotunedKernelCall, both adapted to this one shape.
type Call interface {
	Launch(stream driver.Stream, buffers []driver.DevicePtr) error
}

// singleCall adapts kernel.KernelCall (whose Launch needs an explicit driver
// and image cache) to the Call interface.
type singleCall struct {
	kc     *kernel.KernelCall
	driver driver.Driver
	cache  *kernelimage.Cache
}

func (s *singleCall) Launch(stream driver.Stream, buffers []driver.DevicePtr) error {
	return s.kc.Launch(s.driver, s.cache, stream, buffers)
}

// StatusSink is the host framework's error-reporting channel: the entry
// point writes a UTF-8 message to it on failure and leaves it untouched on
// success.
type StatusSink interface {
	SetError(msg string)
}

// BlobCache maps an opaque blob's verbatim bytes to its decoded Call,
// building on miss. It is insertion-only for the process lifetime;
// concurrent requests for an unseen key are deduplicated by a
// singleflight.Group rather than serialized behind one coarse lock.
type BlobCache struct {
	driver     driver.Driver
	imageCache *kernelimage.Cache
	log        *slog.Logger
	metrics    *Metrics

	mu       sync.RWMutex
	byBlob   map[string]Call
	inflight singleflight.Group
}

// New returns an empty BlobCache that launches through drv and resolves
// device images through imageCache. A nil logger falls back to
// slog.Default(); a nil metrics disables metric recording.
func New(drv driver.Driver, imageCache *kernelimage.Cache, log *slog.Logger, metrics *Metrics) *BlobCache {
	if log == nil {
		log = slog.Default()
	}
	if metrics != nil && imageCache.OnCompile == nil {
		imageCache.OnCompile = func(string) {
			metrics.DeviceImageCompiles.Inc()
		}
	}
	return &BlobCache{
		driver:     drv,
		imageCache: imageCache,
		log:        log,
		metrics:    metrics,
		byBlob:     make(map[string]Call),
	}
}

// Len reports the number of distinct opaque blobs currently cached, for the
// CLI's /cache/stats debug endpoint.
func (c *BlobCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byBlob)
}

// GetKernelCall returns the decoded Call for opaque's exact bytes, invoking
// the blob decoder and building the call on first encounter with this blob.
func (c *BlobCache) GetKernelCall(opaque []byte) (Call, error) {
	key := string(opaque)

	c.mu.RLock()
	if call, ok := c.byBlob[key]; ok {
		c.mu.RUnlock()
		return call, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		if call, ok := c.byBlob[key]; ok {
			c.mu.RUnlock()
			return call, nil
		}
		c.mu.RUnlock()

		rec, err := wire.Decode(opaque)
		if err != nil {
			return nil, err
		}
		call, err := c.build(rec)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.byBlob[key] = call
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.BlobCacheBuilds.Inc()
		}
		c.log.Debug("decoded opaque blob", "bytes", len(opaque), "autotuned", rec.IsAutotuned)
		return call, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Call), nil
}

func (c *BlobCache) build(rec *wire.Record) (Call, error) {
	if rec.IsAutotuned {
		return c.buildAutotuned(rec.Autotuned)
	}
	return c.buildSingle(rec.KernelCall)
}

func (c *BlobCache) buildSingle(w *wire.KernelCall) (Call, error) {
	kc, err := convertKernelCall(w)
	if err != nil {
		return nil, err
	}
	return &singleCall{kc: kc, driver: c.driver, cache: c.imageCache}, nil
}

func (c *BlobCache) buildAutotuned(w *wire.AutotunedKernelCall) (Call, error) {
	configs := make([]autotune.CandidateConfig, len(w.Configs))
	for i, cfg := range w.Configs {
		kc, err := convertKernelCall(&cfg.KernelCall)
		if err != nil {
			return nil, err
		}
		configs[i] = autotune.CandidateConfig{KernelCall: *kc, Description: cfg.Description}
	}
	aliases := make([]autotune.Alias, len(w.InputOutputAliases))
	for i, al := range w.InputOutputAliases {
		aliases[i] = autotune.Alias{
			InputIdx:  al.InputBufferIdx,
			OutputIdx: al.OutputBufferIdx,
			SizeBytes: al.BufferSizeBytes,
		}
	}

	metrics := c.metrics
	return &autotune.AutotunedKernelCall{
		Name:               w.Name,
		Configs:            configs,
		InputOutputAliases: aliases,
		Driver:             c.driver,
		Cache:              c.imageCache,
		Log:                c.log,
		OnAutotuneRun: func(d time.Duration) {
			if metrics == nil {
				return
			}
			metrics.AutotuneRuns.Inc()
			metrics.AutotuneDuration.Observe(d.Seconds())
		},
	}, nil
}

var tracer = otel.Tracer("github.com/notargets/kernelcall")

// TritonKernelCall is the custom-call ABI entry point: the host framework
// dispatches here with a stream, a flattened buffers
// array, and the opaque bytes describing one call site. It never panics or
// returns an error to the caller; every failure is rendered to statusSink.
func (c *BlobCache) TritonKernelCall(ctx context.Context, stream driver.Stream, buffers []driver.DevicePtr, opaque []byte, statusSink StatusSink) {
	correlationID := uuid.NewString()
	_, span := tracer.Start(ctx, "kernelcall.launch", trace.WithAttributes(
		attribute.String("correlation_id", correlationID),
	))
	defer span.End()

	call, err := c.GetKernelCall(opaque)
	if err != nil {
		c.log.Error("failed to resolve kernel call", "correlation_id", correlationID, "error", err)
		span.RecordError(err)
		statusSink.SetError(err.Error())
		return
	}

	if err := call.Launch(stream, buffers); err != nil {
		c.log.Error("kernel launch failed", "correlation_id", correlationID, "error", err)
		span.RecordError(err)
		statusSink.SetError(err.Error())
		return
	}

	c.log.Debug("kernel launch enqueued", "correlation_id", correlationID)
}
