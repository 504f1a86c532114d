package kernel

import (
	"testing"
	"unsafe"

	"github.com/notargets/kernelcall/asmcompiler"
	"github.com/notargets/kernelcall/driver"
	"github.com/notargets/kernelcall/drivertest"
	"github.com/notargets/kernelcall/kcerr"
	"github.com/notargets/kernelcall/kernelimage"
)

func unsafePointerOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

type fakeCompiler struct{ calls int }

func (f *fakeCompiler) CompileGpuAsm(ccMajor, ccMinor int, asmText string) ([]byte, error) {
	f.calls++
	return []byte("cubin"), nil
}

var _ asmcompiler.Compiler = (*fakeCompiler)(nil)

func TestBlockDimDerivation(t *testing.T) {
	k := Kernel{NumWarps: 4}
	x, y, z := k.BlockDim()
	if x != 128 || y != 1 || z != 1 {
		t.Fatalf("expected block dim (128,1,1), got (%d,%d,%d)", x, y, z)
	}
}

// An Array parameter with bytes_to_zero=16, ptr_divisibility=16, plus a
// scalar i32=7: a misaligned pointer is rejected before anything reaches
// the driver; an aligned one enqueues one 16-byte memset and launches with
// block dim (128,1,1).
func TestLaunchAlignmentAndZeroFill(t *testing.T) {
	drv := drivertest.New()
	cache := kernelimage.New(&fakeCompiler{}, nil)

	kc := &KernelCall{
		Kernel: Kernel{KernelName: "k", NumWarps: 4, AsmText: "asm", ComputeCapability: 90},
		Grid:   [3]uint32{1, 1, 1},
		Parameters: []Parameter{
			{Tag: Array, BytesToZero: 16, PtrDivisibility: 16},
			{Tag: I32, I32Val: 7},
		},
	}

	// Misaligned pointer fails.
	misaligned := []driver.DevicePtr{0x1008}
	err := kc.Launch(drv, cache, driver.Stream(1), misaligned)
	if err == nil || !kcerr.Is(err, kcerr.InvalidArgumentKind) {
		t.Fatalf("expected InvalidArgument for misaligned pointer, got %v", err)
	}
	if err.Error() != "Parameter 0 (0x1008) is not divisible by 16." {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if len(drv.Launches) != 0 {
		t.Fatalf("misaligned launch must not reach the driver")
	}

	// Aligned pointer succeeds: one memset, one launch with block (128,1,1).
	buf := make([]byte, 32)
	aligned := []driver.DevicePtr{driver.DevicePtr(uintptr(unsafePointerOf(buf)))}
	if err := kc.Launch(drv, cache, driver.Stream(1), aligned); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if len(drv.Launches) != 1 {
		t.Fatalf("expected exactly one launch, got %d", len(drv.Launches))
	}
	lr := drv.Launches[0]
	if lr.BlockX != 128 || lr.BlockY != 1 || lr.BlockZ != 1 {
		t.Fatalf("expected block dim (128,1,1), got (%d,%d,%d)", lr.BlockX, lr.BlockY, lr.BlockZ)
	}
	for _, b := range buf[:16] {
		if b != 0 {
			t.Fatalf("expected first 16 bytes zeroed, got %v", buf[:16])
		}
	}
}

func TestLaunchSkipsZeroFillWhenBytesToZeroIsZero(t *testing.T) {
	drv := drivertest.New()
	cache := kernelimage.New(&fakeCompiler{}, nil)
	kc := &KernelCall{
		Kernel:     Kernel{KernelName: "k", NumWarps: 1, AsmText: "asm", ComputeCapability: 90},
		Grid:       [3]uint32{1, 1, 1},
		Parameters: []Parameter{{Tag: Array, BytesToZero: 0, PtrDivisibility: 0}},
	}
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = 0xff
	}
	ptrs := []driver.DevicePtr{driver.DevicePtr(uintptr(unsafePointerOf(buf)))}
	if err := kc.Launch(drv, cache, driver.Stream(1), ptrs); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	for _, b := range buf {
		if b != 0xff {
			t.Fatalf("expected buffer untouched when bytes_to_zero=0, got %v", buf)
		}
	}
}

func TestKernelImageResolvedOnceAcrossLaunches(t *testing.T) {
	drv := drivertest.New()
	compiler := &fakeCompiler{}
	cache := kernelimage.New(compiler, nil)
	kc := &KernelCall{
		Kernel: Kernel{KernelName: "k", NumWarps: 1, AsmText: "asm", ComputeCapability: 90},
		Grid:   [3]uint32{1, 1, 1},
	}
	for i := 0; i < 3; i++ {
		if err := kc.Launch(drv, cache, driver.Stream(1), nil); err != nil {
			t.Fatalf("Launch %d failed: %v", i, err)
		}
	}
	if compiler.calls != 1 {
		t.Fatalf("expected exactly one compile across repeated launches, got %d", compiler.calls)
	}
}

func TestLaunchAgainstTwoContextsLoadsTwoModules(t *testing.T) {
	drv := drivertest.New()
	compiler := &fakeCompiler{}
	cache := kernelimage.New(compiler, nil)
	kc := &KernelCall{
		Kernel: Kernel{KernelName: "k", NumWarps: 1, AsmText: "asm", ComputeCapability: 90},
		Grid:   [3]uint32{1, 1, 1},
	}
	if err := kc.Launch(drv, cache, driver.Stream(1), nil); err != nil {
		t.Fatalf("Launch on context 1 failed: %v", err)
	}
	if err := kc.Launch(drv, cache, driver.Stream(2), nil); err != nil {
		t.Fatalf("Launch on context 2 failed: %v", err)
	}
	if compiler.calls != 1 {
		t.Fatalf("expected the compiler invoked exactly once, got %d", compiler.calls)
	}
	if drv.ModuleLoads != 2 {
		t.Fatalf("expected the module loaded once per distinct context, got %d", drv.ModuleLoads)
	}
}
