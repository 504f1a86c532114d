// Package kernelimage caches compiled GPU device images and resolves, per
// device context, the loaded function handle for each image, including the
// dynamic-shared-memory configuration applied on first use.
package kernelimage

import (
	"log/slog"
	"sync"

	"github.com/notargets/kernelcall/asmcompiler"
	"github.com/notargets/kernelcall/driver"
	"github.com/notargets/kernelcall/kcerr"
)

// ModuleImage is a compiled binary device image for one kernel, plus the
// per-context modules and functions lazily loaded from it. Both are guarded
// by a single lock and are append-only: once a context maps to a function,
// that binding never changes while the context is live.
type ModuleImage struct {
	KernelName     string
	BinaryImage    []byte
	SharedMemBytes uint32

	log *slog.Logger

	mu        sync.Mutex
	modules   []driver.Module
	functions map[driver.Context]driver.Function
}

// imageKey identifies one compiled device image: two kernels share an image
// only when all four fields match.
type imageKey struct {
	kernelName        string
	sharedMemBytes    uint32
	asmText           string
	computeCapability int32
}

// Cache maps imageKey -> *ModuleImage, compiling on miss via the supplied
// Compiler. It is insertion-only for the process lifetime and serialized by
// a single lock held across the lookup-and-possibly-compile, so concurrent
// requests for the same key never duplicate a compile.
type Cache struct {
	compiler asmcompiler.Compiler
	log      *slog.Logger

	mu    sync.Mutex
	byKey map[imageKey]*ModuleImage

	// OnCompile, when non-nil, is invoked once per cache miss after a
	// successful compile. callcache.New wires it to a metrics counter.
	OnCompile func(key string)
}

// New returns an empty Cache that compiles misses with compiler. A nil
// logger falls back to slog.Default().
func New(compiler asmcompiler.Compiler, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		compiler: compiler,
		log:      log,
		byKey:    make(map[imageKey]*ModuleImage),
	}
}

// GetModuleImage returns the ModuleImage for (kernelName, sharedMemBytes,
// asmText, computeCapability), compiling it on first request.
// computeCapability is encoded as major*10+minor.
func (c *Cache) GetModuleImage(kernelName string, sharedMemBytes uint32, asmText string, computeCapability int32) (*ModuleImage, error) {
	key := imageKey{
		kernelName:        kernelName,
		sharedMemBytes:    sharedMemBytes,
		asmText:           asmText,
		computeCapability: computeCapability,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if img, ok := c.byKey[key]; ok {
		return img, nil
	}

	ccMajor := int(computeCapability / 10)
	ccMinor := int(computeCapability % 10)
	image, err := c.compiler.CompileGpuAsm(ccMajor, ccMinor, asmText)
	if err != nil {
		return nil, err
	}

	img := &ModuleImage{
		KernelName:     kernelName,
		BinaryImage:    image,
		SharedMemBytes: sharedMemBytes,
		log:            c.log,
		functions:      make(map[driver.Context]driver.Function),
	}
	c.byKey[key] = img
	c.log.Debug("compiled device image", "kernel", kernelName, "shared_mem_bytes", sharedMemBytes, "cc", computeCapability)
	if c.OnCompile != nil {
		c.OnCompile(kernelName)
	}
	return img, nil
}

// Len reports the number of distinct device images currently cached, for
// the CLI's /cache/stats debug endpoint.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// StaticSharedMemLimit mirrors driver.StaticSharedMemLimit: shared-memory
// requests at or below it need no dynamic configuration.
const StaticSharedMemLimit = driver.StaticSharedMemLimit

// GetFunctionForContext returns the device function handle for this
// image's kernel symbol in ctx, loading the module into ctx on first
// request. The fast path is a map lookup under the image's own lock; on
// miss it pushes ctx current (restored on every exit path), loads the
// module, resolves the function, and applies the dynamic shared-memory
// policy. A driver failure leaves no partial state in the maps.
func (m *ModuleImage) GetFunctionForContext(drv driver.Driver, ctx driver.Context) (driver.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fn, ok := m.functions[ctx]; ok {
		return fn, nil
	}

	if err := drv.CtxPushCurrent(ctx); err != nil {
		return 0, kcerr.DeviceError("cuCtxPushCurrent failed: %v", err)
	}
	popped := false
	pop := func() {
		if !popped {
			drv.CtxPopCurrent()
			popped = true
		}
	}
	defer pop()

	mod, err := drv.ModuleLoadData(m.BinaryImage)
	if err != nil {
		return 0, kcerr.DeviceError("cuModuleLoadData failed for %s: %v", m.KernelName, err)
	}

	fn, err := drv.ModuleGetFunction(mod, m.KernelName)
	if err != nil {
		return 0, kcerr.DeviceError("cuModuleGetFunction failed for %s: %v", m.KernelName, err)
	}

	if err := m.configureDynamicSharedMem(drv, ctx, fn); err != nil {
		return 0, err
	}

	m.modules = append(m.modules, mod)
	m.functions[ctx] = fn
	if m.log != nil {
		m.log.Debug("loaded module for context", "kernel", m.KernelName, "contexts", len(m.functions))
	}
	return fn, nil
}

// configureDynamicSharedMem: at or below the static 48 KiB limit, nothing
// to do. Above it, the request must fit within the device's opt-in maximum,
// and the function's dynamic shared-memory size and cache preference are
// configured to unlock the over-48 KiB regime.
func (m *ModuleImage) configureDynamicSharedMem(drv driver.Driver, ctx driver.Context, fn driver.Function) error {
	if m.SharedMemBytes <= StaticSharedMemLimit {
		return nil
	}

	dev, err := drv.CtxGetDevice()
	if err != nil {
		return kcerr.DeviceError("cuCtxGetDevice failed: %v", err)
	}

	optin, err := drv.DeviceGetAttribute(driver.AttrMaxSharedMemoryPerBlockOptin, dev)
	if err != nil {
		return kcerr.DeviceError("cuDeviceGetAttribute(MaxSharedMemoryPerBlockOptin) failed: %v", err)
	}
	if int64(m.SharedMemBytes) > int64(optin) {
		return kcerr.InvalidArgument("Shared memory requested exceeds device resources.")
	}

	if err := drv.FuncSetCacheConfig(fn, driver.CacheConfigPreferShared); err != nil {
		return kcerr.DeviceError("cuFuncSetCacheConfig failed: %v", err)
	}

	perSM, err := drv.DeviceGetAttribute(driver.AttrMaxSharedMemoryPerMultiprocessor, dev)
	if err != nil {
		return kcerr.DeviceError("cuDeviceGetAttribute(MaxSharedMemoryPerMultiprocessor) failed: %v", err)
	}

	staticShared, err := drv.FuncGetAttribute(driver.FuncAttrSharedSizeBytes, fn)
	if err != nil {
		return kcerr.DeviceError("cuFuncGetAttribute(SharedSizeBytes) failed: %v", err)
	}

	maxDynamic := optin - staticShared
	if err := drv.FuncSetAttribute(fn, driver.FuncAttrMaxDynamicSharedSizeBytes, maxDynamic); err != nil {
		return kcerr.DeviceError("cuFuncSetAttribute(MaxDynamicSharedSizeBytes) failed: %v", err)
	}
	log := m.log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("configured dynamic shared memory", "kernel", m.KernelName,
		"optin", optin, "per_sm", perSM, "static_shared", staticShared, "max_dynamic", maxDynamic)
	return nil
}
