// Package autotune implements AutotunedKernelCall: a family of candidate
// KernelCalls plus input/output aliasing metadata that, on first launch,
// benchmarks the candidates under a time budget, picks the fastest, restores
// any aliased inputs the benchmarking pass disturbed, and thereafter behaves
// like a single KernelCall.
package autotune

import (
	"log/slog"
	"math"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"gonum.org/v1/gonum/stat"

	"github.com/notargets/kernelcall/driver"
	"github.com/notargets/kernelcall/kcerr"
	"github.com/notargets/kernelcall/kernel"
	"github.com/notargets/kernelcall/kernelimage"
)

// CandidateConfig is one autotune candidate: a launchable KernelCall plus a
// human-readable description carried through from the wire format for
// diagnostics.
type CandidateConfig struct {
	KernelCall  kernel.KernelCall
	Description string
}

// Alias names one (input, output) buffer-index pair that may share a device
// pointer across a launch.
type Alias struct {
	InputIdx  uint64
	OutputIdx uint64
	SizeBytes uint64
}

// timeBudgetMs is the target, not a deadline, used to pick the timed
// iteration count from the fastest calibration run.
const timeBudgetMs = 10.0

// maxTimedIters caps the measurement pass regardless of how fast the
// fastest calibration candidate ran.
const maxTimedIters = 100

// AutotunedKernelCall is a named set of candidate KernelCalls. Before
// tuning, Configs holds the full candidate list; after the once-guarded
// tuning pass runs, it is collapsed to length 1 holding the winner.
type AutotunedKernelCall struct {
	Name               string
	Configs            []CandidateConfig
	InputOutputAliases []Alias

	Driver driver.Driver
	Cache  *kernelimage.Cache
	Log    *slog.Logger

	// OnAutotuneRun, when non-nil, is invoked exactly once, after the tuning
	// pass completes (success or failure), with its wall-clock duration --
	// callcache wires this to a metrics counter and histogram.
	OnAutotuneRun func(duration time.Duration)

	once    sync.Once
	tuneErr error
}

// Launch runs the once-guarded autotune pass on the first call (skipped
// entirely when there is only one candidate) and otherwise launches the
// winning (or, pre-tuning, the sole) candidate. A failure during autotuning
// is latched: every subsequent Launch returns the same error.
func (a *AutotunedKernelCall) Launch(stream driver.Stream, buffers []driver.DevicePtr) error {
	if len(a.Configs) == 0 {
		return kcerr.InvalidArgument("autotuned kernel call %q has no candidate configs", a.Name)
	}
	a.once.Do(func() {
		if len(a.Configs) <= 1 {
			return
		}
		start := time.Now()
		a.tuneErr = a.autotune(stream, buffers)
		if a.OnAutotuneRun != nil {
			a.OnAutotuneRun(time.Since(start))
		}
	})
	if a.tuneErr != nil {
		return a.tuneErr
	}
	return a.Configs[0].KernelCall.Launch(a.Driver, a.Cache, stream, buffers)
}

func (a *AutotunedKernelCall) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// autotune runs the selection protocol: alias backup, iteration
// calibration, measurement, winner selection, config collapse, alias
// restoration, and a final stream synchronize.
func (a *AutotunedKernelCall) autotune(stream driver.Stream, buffers []driver.DevicePtr) error {
	ctx, err := a.Driver.StreamGetCtx(stream)
	if err != nil {
		return kcerr.DeviceError("cuStreamGetCtx failed: %v", err)
	}
	if err := a.Driver.CtxPushCurrent(ctx); err != nil {
		return kcerr.DeviceError("cuCtxPushCurrent failed: %v", err)
	}
	defer a.Driver.CtxPopCurrent()

	staged, err := a.backupAliases(stream, buffers)
	if err != nil {
		return err
	}

	calibration := make([]float64, len(a.Configs))
	best := math.Inf(1)
	for i := range a.Configs {
		elapsed, err := Benchmark(a.Driver, a.Cache, &a.Configs[i].KernelCall, stream, buffers, 1)
		if err != nil {
			return err
		}
		calibration[i] = float64(elapsed)
		if float64(elapsed) < best {
			best = float64(elapsed)
		}
	}
	if len(calibration) > 1 {
		a.log().Debug("autotune calibration", "name", a.Name,
			"mean_ms", stat.Mean(calibration, nil), "stddev_ms", stat.StdDev(calibration, nil))
	}

	timedIters := int(math.Floor(timeBudgetMs / best))
	if timedIters < 1 {
		timedIters = 1
	}
	if timedIters > maxTimedIters {
		timedIters = maxTimedIters
	}

	winner := 0
	bestElapsed := math.Inf(1)
	for i := range a.Configs {
		elapsed, err := Benchmark(a.Driver, a.Cache, &a.Configs[i].KernelCall, stream, buffers, timedIters)
		if err != nil {
			return err
		}
		if float64(elapsed) < bestElapsed {
			bestElapsed = float64(elapsed)
			winner = i
		}
	}

	a.log().Info("autotune winner selected", "name", a.Name,
		"winner", a.Configs[winner].Description, "timed_iters", timedIters)

	if winner != 0 {
		a.Configs[0], a.Configs[winner] = a.Configs[winner], a.Configs[0]
	}
	a.Configs = a.Configs[:1]

	if err := a.restoreAliases(stream, buffers, staged); err != nil {
		return err
	}

	if err := a.Driver.StreamSynchronize(stream); err != nil {
		return kcerr.DeviceError("cuStreamSynchronize failed: %v", err)
	}
	return nil
}

type stagedAlias struct {
	alias Alias
	host  []byte
}

// backupAliases copies size_bytes from each aliased device buffer (where the
// input and output buffer indices resolve to the same pointer) into a
// page-aligned host staging buffer, async on stream.
func (a *AutotunedKernelCall) backupAliases(stream driver.Stream, buffers []driver.DevicePtr) ([]stagedAlias, error) {
	var staged []stagedAlias
	for _, al := range a.InputOutputAliases {
		if al.InputIdx >= uint64(len(buffers)) || al.OutputIdx >= uint64(len(buffers)) {
			return nil, kcerr.InvalidArgument("alias (%d,%d) out of range for %d buffers", al.InputIdx, al.OutputIdx, len(buffers))
		}
		if buffers[al.InputIdx] != buffers[al.OutputIdx] {
			continue
		}
		host := newPageAlignedBuffer(int(al.SizeBytes))
		if al.SizeBytes > 0 {
			if err := a.Driver.MemcpyDtoHAsync(unsafe.Pointer(&host[0]), buffers[al.InputIdx], al.SizeBytes, stream); err != nil {
				return nil, kcerr.DeviceError("cuMemcpyDtoHAsync failed for alias (%d,%d): %v", al.InputIdx, al.OutputIdx, err)
			}
		}
		staged = append(staged, stagedAlias{alias: al, host: host})
	}
	return staged, nil
}

// restoreAliases copies each staged host buffer back to its device input,
// async on stream.
func (a *AutotunedKernelCall) restoreAliases(stream driver.Stream, buffers []driver.DevicePtr, staged []stagedAlias) error {
	for _, s := range staged {
		if s.alias.SizeBytes == 0 {
			continue
		}
		if err := a.Driver.MemcpyHtoDAsync(buffers[s.alias.InputIdx], unsafe.Pointer(&s.host[0]), s.alias.SizeBytes, stream); err != nil {
			return kcerr.DeviceError("cuMemcpyHtoDAsync failed for alias (%d,%d): %v", s.alias.InputIdx, s.alias.OutputIdx, err)
		}
	}
	return nil
}

// newPageAlignedBuffer returns a size-byte slice whose backing address is
// page-aligned; page alignment is required to register the staging buffer
// as pinned host memory.
func newPageAlignedBuffer(size int) []byte {
	if size == 0 {
		return nil
	}
	pageSize := unix.Getpagesize()
	raw := make([]byte, size+pageSize)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := (uintptr(pageSize) - addr%uintptr(pageSize)) % uintptr(pageSize)
	return raw[offset : int(offset)+size]
}

// Benchmark times n launches of call on stream: one untimed warm-up, then n
// timed launches bracketed by a pair of events. It returns the elapsed time
// in milliseconds between the start and stop events.
func Benchmark(drv driver.Driver, cache *kernelimage.Cache, call *kernel.KernelCall, stream driver.Stream, buffers []driver.DevicePtr, n int) (float32, error) {
	if err := call.Launch(drv, cache, stream, buffers); err != nil {
		return 0, err
	}

	start, err := drv.EventCreate()
	if err != nil {
		return 0, kcerr.DeviceError("cuEventCreate failed: %v", err)
	}
	defer drv.EventDestroy(start)
	stop, err := drv.EventCreate()
	if err != nil {
		return 0, kcerr.DeviceError("cuEventCreate failed: %v", err)
	}
	defer drv.EventDestroy(stop)

	if err := drv.EventRecord(start, stream); err != nil {
		return 0, kcerr.DeviceError("cuEventRecord failed: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := call.Launch(drv, cache, stream, buffers); err != nil {
			return 0, err
		}
	}
	if err := drv.EventRecord(stop, stream); err != nil {
		return 0, kcerr.DeviceError("cuEventRecord failed: %v", err)
	}

	if err := drv.EventSynchronize(stop); err != nil {
		return 0, kcerr.DeviceError("cuEventSynchronize failed: %v", err)
	}

	elapsed, err := drv.EventElapsedTime(start, stop)
	if err != nil {
		return 0, kcerr.DeviceError("cuEventElapsedTime failed: %v", err)
	}
	return elapsed, nil
}
