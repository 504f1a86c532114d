package autotune

import (
	"errors"
	"testing"
	"time"
	"unsafe"

	"github.com/notargets/kernelcall/asmcompiler"
	"github.com/notargets/kernelcall/driver"
	"github.com/notargets/kernelcall/drivertest"
	"github.com/notargets/kernelcall/kernel"
	"github.com/notargets/kernelcall/kernelimage"
)

type fakeCompiler struct{ calls int }

func (f *fakeCompiler) CompileGpuAsm(ccMajor, ccMinor int, asmText string) ([]byte, error) {
	f.calls++
	return []byte("cubin:" + asmText), nil
}

var _ asmcompiler.Compiler = (*fakeCompiler)(nil)

func candidate(name string) CandidateConfig {
	return CandidateConfig{
		KernelCall: kernel.KernelCall{
			Kernel: kernel.Kernel{KernelName: name, NumWarps: 1, AsmText: "asm-" + name, ComputeCapability: 90},
			Grid:   [3]uint32{1, 1, 1},
		},
		Description: name,
	}
}

// Two configs with identical simulated Benchmark times run the calibration
// pass then 5 timed iterations each; the winner (a tie) is index 0, and a
// second launch runs only that winner.
func TestAutotuneTwoIdenticalCandidatesKeepsIndexZero(t *testing.T) {
	drv := drivertest.New()
	drv.ElapsedTimes = []float32{2.0, 2.0, 2.0, 2.0}
	cache := kernelimage.New(&fakeCompiler{}, nil)

	a := &AutotunedKernelCall{
		Name:    "matmul",
		Configs: []CandidateConfig{candidate("A"), candidate("B")},
		Driver:  drv,
		Cache:   cache,
	}

	if err := a.Launch(driver.Stream(1), nil); err != nil {
		t.Fatalf("first Launch failed: %v", err)
	}
	if len(a.Configs) != 1 {
		t.Fatalf("expected configs collapsed to length 1, got %d", len(a.Configs))
	}
	if a.Configs[0].Description != "A" {
		t.Fatalf("expected tie to resolve to earlier-indexed candidate A, got %s", a.Configs[0].Description)
	}

	// Calibration is warmup+1 per candidate (4 launches); best=2.0ms gives
	// floor(10/2)=5 timed iterations, so measurement is warmup+5 per
	// candidate (12 launches); plus the winner's real launch.
	if len(drv.Launches) != 4+12+1 {
		t.Fatalf("expected 17 launches after first Launch, got %d", len(drv.Launches))
	}

	launchesBefore := len(drv.Launches)
	if err := a.Launch(driver.Stream(1), nil); err != nil {
		t.Fatalf("second Launch failed: %v", err)
	}
	if len(drv.Launches) != launchesBefore+1 {
		t.Fatalf("expected exactly one additional launch (no re-benchmarking), got %d more", len(drv.Launches)-launchesBefore)
	}
}

// A failure during the tuning pass is latched: every subsequent Launch
// returns the same error without re-running the benchmark sequence, even if
// the underlying condition has cleared.
func TestAutotuneFailureIsLatched(t *testing.T) {
	drv := drivertest.New()
	drv.LaunchErr = errors.New("CUDA_ERROR(700)")
	cache := kernelimage.New(&fakeCompiler{}, nil)

	a := &AutotunedKernelCall{
		Name:    "matmul",
		Configs: []CandidateConfig{candidate("A"), candidate("B")},
		Driver:  drv,
		Cache:   cache,
	}

	first := a.Launch(driver.Stream(1), nil)
	if first == nil {
		t.Fatalf("expected first Launch to fail")
	}

	drv.LaunchErr = nil
	second := a.Launch(driver.Stream(1), nil)
	if second == nil || second.Error() != first.Error() {
		t.Fatalf("expected latched error %q, got %v", first.Error(), second)
	}
	if len(drv.Launches) != 0 {
		t.Fatalf("expected no launches after a latched failure, got %d", len(drv.Launches))
	}
}

func TestAutotuneSelectsFasterCandidate(t *testing.T) {
	drv := drivertest.New()
	// Calibration: A=3.0, B=1.0 -> best=1.0 -> timedIters = floor(10/1)=10.
	// Measurement: A=5.0, B=2.0 -> B wins.
	drv.ElapsedTimes = []float32{3.0, 1.0, 5.0, 2.0}
	cache := kernelimage.New(&fakeCompiler{}, nil)

	a := &AutotunedKernelCall{
		Name:    "matmul",
		Configs: []CandidateConfig{candidate("A"), candidate("B")},
		Driver:  drv,
		Cache:   cache,
	}
	if err := a.Launch(driver.Stream(1), nil); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if a.Configs[0].Description != "B" {
		t.Fatalf("expected B to win, got %s", a.Configs[0].Description)
	}
}

func TestAutotuneSkippedWithSingleCandidate(t *testing.T) {
	drv := drivertest.New()
	cache := kernelimage.New(&fakeCompiler{}, nil)
	a := &AutotunedKernelCall{
		Name:    "solo",
		Configs: []CandidateConfig{candidate("only")},
		Driver:  drv,
		Cache:   cache,
	}
	if err := a.Launch(driver.Stream(1), nil); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if len(drv.Launches) != 1 {
		t.Fatalf("expected exactly one launch with no benchmarking, got %d", len(drv.Launches))
	}
}

// An alias (0,1,32) with buffers[0]==buffers[1]: every launch during
// autotuning corrupts the shared buffer, but the post-autotune contents
// match the pre-autotune snapshot.
func TestAutotuneRestoresAliasedInputs(t *testing.T) {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	original := append([]byte(nil), buf...)

	drv := drivertest.New()
	drv.ElapsedTimes = []float32{2.0, 2.0, 2.0, 2.0}
	drv.OnLaunch = func(fn driver.Function) {
		for i := range buf {
			buf[i] = 0xAA
		}
	}
	cache := kernelimage.New(&fakeCompiler{}, nil)

	ptr := driver.DevicePtr(uintptr(unsafe.Pointer(&buf[0])))
	buffers := []driver.DevicePtr{ptr, ptr}

	a := &AutotunedKernelCall{
		Name:               "aliasing",
		Configs:            []CandidateConfig{candidate("A"), candidate("B")},
		InputOutputAliases: []Alias{{InputIdx: 0, OutputIdx: 1, SizeBytes: 32}},
		Driver:             drv,
		Cache:              cache,
	}

	if err := a.Launch(driver.Stream(1), buffers); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("expected aliased input restored to original contents, got %v want %v", buf, original)
		}
	}
}

// When 10.0/best >= 100, exactly 100 iterations are used.
func TestIterationCapAtMaximum(t *testing.T) {
	best := 0.05 // 10.0/0.05 = 200, capped at 100.
	timedIters := int(10.0 / best)
	if timedIters < 1 {
		timedIters = 1
	}
	if timedIters > maxTimedIters {
		timedIters = maxTimedIters
	}
	if timedIters != maxTimedIters {
		t.Fatalf("expected iteration cap of %d, got %d", maxTimedIters, timedIters)
	}
}

// When 10.0/best < 1, exactly 1 iteration is used.
func TestIterationFloorAtOne(t *testing.T) {
	best := 20.0 // 10.0/20.0 = 0.5, floors to 0, clamped up to 1.
	timedIters := int(10.0 / best)
	if timedIters < 1 {
		timedIters = 1
	}
	if timedIters != 1 {
		t.Fatalf("expected iteration floor of 1, got %d", timedIters)
	}
}

// N launches run the benchmarking sequence exactly once.
func TestAutotuneOnceAcrossManyLaunches(t *testing.T) {
	drv := drivertest.New()
	drv.ElapsedTimes = []float32{2.0, 2.0, 2.0, 2.0}
	cache := kernelimage.New(&fakeCompiler{}, nil)
	runs := 0
	a := &AutotunedKernelCall{
		Name:          "matmul",
		Configs:       []CandidateConfig{candidate("A"), candidate("B")},
		Driver:        drv,
		Cache:         cache,
		OnAutotuneRun: func(time.Duration) { runs++ },
	}
	for i := 0; i < 5; i++ {
		if err := a.Launch(driver.Stream(1), nil); err != nil {
			t.Fatalf("Launch %d failed: %v", i, err)
		}
	}
	if runs != 1 {
		t.Fatalf("expected autotune to run exactly once, got %d", runs)
	}
}
