package kernelimage

import (
	"testing"

	"github.com/notargets/kernelcall/drivertest"
	"github.com/notargets/kernelcall/kcerr"
)

type fakeCompiler struct {
	calls int
}

func (f *fakeCompiler) CompileGpuAsm(ccMajor, ccMinor int, asmText string) ([]byte, error) {
	f.calls++
	return []byte("cubin:" + asmText), nil
}

func TestGetModuleImageSharesPointerForIdenticalKey(t *testing.T) {
	c := New(&fakeCompiler{}, nil)
	img1, err := c.GetModuleImage("add_kernel", 0, "asm-a", 90)
	if err != nil {
		t.Fatalf("GetModuleImage failed: %v", err)
	}
	img2, err := c.GetModuleImage("add_kernel", 0, "asm-a", 90)
	if err != nil {
		t.Fatalf("GetModuleImage failed: %v", err)
	}
	if img1 != img2 {
		t.Fatalf("expected identical ModuleImage pointer for identical key")
	}
}

func TestGetModuleImageDistinctForDifferingKey(t *testing.T) {
	c := New(&fakeCompiler{}, nil)
	img1, _ := c.GetModuleImage("add_kernel", 0, "asm-a", 90)
	img2, _ := c.GetModuleImage("add_kernel", 1024, "asm-a", 90)
	img3, _ := c.GetModuleImage("add_kernel", 0, "asm-b", 90)
	img4, _ := c.GetModuleImage("add_kernel", 0, "asm-a", 80)
	if img1 == img2 || img1 == img3 || img1 == img4 {
		t.Fatalf("expected distinct ModuleImage pointers when any of the four key fields differ")
	}
}

func TestGetModuleImageCompilesOnceUnderLock(t *testing.T) {
	compiler := &fakeCompiler{}
	c := New(compiler, nil)
	for i := 0; i < 5; i++ {
		if _, err := c.GetModuleImage("k", 0, "asm", 90); err != nil {
			t.Fatalf("GetModuleImage failed: %v", err)
		}
	}
	if compiler.calls != 1 {
		t.Fatalf("expected exactly 1 compile, got %d", compiler.calls)
	}
}

func TestGetFunctionForContextMemoizesPerContext(t *testing.T) {
	drv := drivertest.New()
	c := New(&fakeCompiler{}, nil)
	img, err := c.GetModuleImage("k", 0, "asm", 90)
	if err != nil {
		t.Fatalf("GetModuleImage failed: %v", err)
	}

	fn1, err := img.GetFunctionForContext(drv, 1)
	if err != nil {
		t.Fatalf("GetFunctionForContext failed: %v", err)
	}
	fn2, err := img.GetFunctionForContext(drv, 1)
	if err != nil {
		t.Fatalf("GetFunctionForContext failed: %v", err)
	}
	if fn1 != fn2 {
		t.Fatalf("expected same function handle for same context")
	}
	if drv.ModuleLoads != 1 {
		t.Fatalf("expected exactly 1 module load for repeated lookups on same context, got %d", drv.ModuleLoads)
	}

	fn3, err := img.GetFunctionForContext(drv, 2)
	if err != nil {
		t.Fatalf("GetFunctionForContext failed: %v", err)
	}
	if fn3 == fn1 {
		t.Fatalf("expected a distinct function handle for a new context")
	}
	if drv.ModuleLoads != 2 {
		t.Fatalf("expected a second module load for a new context, got %d", drv.ModuleLoads)
	}
}

func TestSharedMemPolicyBelowStaticLimitSkipsConfiguration(t *testing.T) {
	drv := drivertest.New()
	c := New(&fakeCompiler{}, nil)
	img, _ := c.GetModuleImage("k", 49152, "asm", 90)
	if _, err := img.GetFunctionForContext(drv, 1); err != nil {
		t.Fatalf("GetFunctionForContext failed: %v", err)
	}
	if len(drv.FuncSetAttrCalls) != 0 || len(drv.CacheConfigCalls) != 0 {
		t.Fatalf("expected no dynamic shared-mem configuration at the static limit, got %+v / %+v",
			drv.FuncSetAttrCalls, drv.CacheConfigCalls)
	}
}

func TestSharedMemPolicyAboveStaticLimitConfiguresDynamic(t *testing.T) {
	drv := drivertest.New()
	drv.SharedMemOptin = 101376
	drv.StaticSharedSize = 1024
	c := New(&fakeCompiler{}, nil)
	img, _ := c.GetModuleImage("k", 60000, "asm", 90)
	if _, err := img.GetFunctionForContext(drv, 1); err != nil {
		t.Fatalf("GetFunctionForContext failed: %v", err)
	}
	if len(drv.CacheConfigCalls) != 1 {
		t.Fatalf("expected one cache-config call, got %d", len(drv.CacheConfigCalls))
	}
	if len(drv.FuncSetAttrCalls) != 1 {
		t.Fatalf("expected one func-set-attribute call, got %d", len(drv.FuncSetAttrCalls))
	}
	want := int32(101376 - 1024)
	if drv.FuncSetAttrCalls[0].Value != want {
		t.Fatalf("expected max_dynamic_shared_size %d, got %d", want, drv.FuncSetAttrCalls[0].Value)
	}
}

func TestSharedMemPolicyExceedsOptinFails(t *testing.T) {
	drv := drivertest.New()
	drv.SharedMemOptin = 101376
	c := New(&fakeCompiler{}, nil)
	img, _ := c.GetModuleImage("k", 200000, "asm", 90)
	_, err := img.GetFunctionForContext(drv, 1)
	if !kcerr.Is(err, kcerr.InvalidArgumentKind) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
