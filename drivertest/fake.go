// Package drivertest provides an in-process fake of driver.Driver so the
// kernelimage, kernel, autotune, and callcache packages can be exercised
// without a real GPU. Because tests in this module run in a single process,
// "device" pointers are simply addresses of ordinary Go-allocated host
// memory; the fake's memset/memcpy operations act on that memory directly,
// so zero-fill, alignment, and alias-restoration behavior can be verified
// byte for byte.
package drivertest

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/notargets/kernelcall/driver"
)

// LaunchRecord captures one cuLaunchKernel-equivalent call for assertions.
type LaunchRecord struct {
	Function               driver.Function
	GridX, GridY, GridZ    uint32
	BlockX, BlockY, BlockZ uint32
	SharedMemBytes         uint32
}

// Fake implements driver.Driver entirely in host memory.
type Fake struct {
	mu sync.Mutex

	nextHandle uintptr

	// ModuleLoads counts cuModuleLoadData calls, one per distinct
	// (context, image) pair the resolver issues.
	ModuleLoads int
	modules     map[driver.Module][]byte
	functions   map[functionKey]driver.Function

	Launches []LaunchRecord
	// OnLaunch, when set, runs synchronously inside LaunchKernel -- tests use
	// it to simulate a kernel corrupting an aliased buffer.
	OnLaunch func(fn driver.Function)
	// LaunchErr, when set, is returned by every LaunchKernel call without
	// recording a launch -- tests use it to drive error paths.
	LaunchErr error

	FuncSetAttrCalls []funcAttrCall
	CacheConfigCalls []cacheConfigCall

	// SharedMemOptin and SharedMemPerSM back cuDeviceGetAttribute for the
	// two attributes the module/function resolver queries.
	SharedMemOptin int32
	SharedMemPerSM int32
	// StaticSharedSize backs cuFuncGetAttribute(SharedSizeBytes).
	StaticSharedSize int32

	// ElapsedTimes is consumed in FIFO order by EventElapsedTime, letting
	// tests script a deterministic Benchmark timeline.
	ElapsedTimes []float32
	elapsedIdx   int

	pushedContexts []driver.Context
}

type functionKey struct {
	module driver.Module
	name   string
}

type funcAttrCall struct {
	Function driver.Function
	Attr     driver.FuncAttribute
	Value    int32
}

type cacheConfigCall struct {
	Function driver.Function
	Config   driver.CacheConfig
}

// New returns a Fake with sensible defaults (shared-memory opt-in well above
// the static limit, as on a modern data-center GPU).
func New() *Fake {
	return &Fake{
		modules:          make(map[driver.Module][]byte),
		functions:        make(map[functionKey]driver.Function),
		SharedMemOptin:   101376,
		SharedMemPerSM:   102400,
		StaticSharedSize: 1024,
		nextHandle:       1,
	}
}

func (f *Fake) handle() uintptr {
	f.nextHandle++
	return f.nextHandle
}

func (f *Fake) CtxPushCurrent(ctx driver.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushedContexts = append(f.pushedContexts, ctx)
	return nil
}

func (f *Fake) CtxPopCurrent() (driver.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushedContexts) == 0 {
		return 0, fmt.Errorf("CtxPopCurrent: no context pushed")
	}
	n := len(f.pushedContexts) - 1
	ctx := f.pushedContexts[n]
	f.pushedContexts = f.pushedContexts[:n]
	return ctx, nil
}

func (f *Fake) CtxGetDevice() (driver.Device, error) {
	return 0, nil
}

func (f *Fake) DeviceGetAttribute(attr driver.DeviceAttribute, dev driver.Device) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch attr {
	case driver.AttrMaxSharedMemoryPerBlockOptin:
		return f.SharedMemOptin, nil
	case driver.AttrMaxSharedMemoryPerMultiprocessor:
		return f.SharedMemPerSM, nil
	default:
		return 0, fmt.Errorf("DeviceGetAttribute: unsupported attribute %d", attr)
	}
}

func (f *Fake) ModuleLoadData(image []byte) (driver.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ModuleLoads++
	mod := driver.Module(f.handle())
	f.modules[mod] = image
	return mod, nil
}

func (f *Fake) ModuleUnload(mod driver.Module) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.modules, mod)
	return nil
}

func (f *Fake) ModuleGetFunction(mod driver.Module, name string) (driver.Function, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := functionKey{module: mod, name: name}
	if fn, ok := f.functions[key]; ok {
		return fn, nil
	}
	fn := driver.Function(f.handle())
	f.functions[key] = fn
	return fn, nil
}

func (f *Fake) FuncGetAttribute(attr driver.FuncAttribute, fn driver.Function) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch attr {
	case driver.FuncAttrSharedSizeBytes:
		return f.StaticSharedSize, nil
	default:
		return 0, nil
	}
}

func (f *Fake) FuncSetAttribute(fn driver.Function, attr driver.FuncAttribute, value int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FuncSetAttrCalls = append(f.FuncSetAttrCalls, funcAttrCall{Function: fn, Attr: attr, Value: value})
	return nil
}

func (f *Fake) FuncSetCacheConfig(fn driver.Function, cfg driver.CacheConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CacheConfigCalls = append(f.CacheConfigCalls, cacheConfigCall{Function: fn, Config: cfg})
	return nil
}

func (f *Fake) StreamGetCtx(stream driver.Stream) (driver.Context, error) {
	// Tests construct streams so the low bits double as a stable context id.
	return driver.Context(stream), nil
}

func (f *Fake) StreamSynchronize(stream driver.Stream) error { return nil }

func (f *Fake) EventCreate() (driver.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return driver.Event(f.handle()), nil
}

func (f *Fake) EventRecord(ev driver.Event, stream driver.Stream) error { return nil }

func (f *Fake) EventSynchronize(ev driver.Event) error { return nil }

func (f *Fake) EventElapsedTime(start, end driver.Event) (float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.elapsedIdx >= len(f.ElapsedTimes) {
		return 1.0, nil
	}
	t := f.ElapsedTimes[f.elapsedIdx]
	f.elapsedIdx++
	return t, nil
}

func (f *Fake) EventDestroy(ev driver.Event) error { return nil }

func (f *Fake) MemsetD8Async(dst driver.DevicePtr, value byte, n uint64, stream driver.Stream) error {
	if n == 0 {
		return nil
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dst))), int(n))
	for i := range buf {
		buf[i] = value
	}
	return nil
}

func (f *Fake) MemcpyDtoHAsync(dstHost unsafe.Pointer, src driver.DevicePtr, n uint64, stream driver.Stream) error {
	if n == 0 {
		return nil
	}
	srcBuf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(src))), int(n))
	dstBuf := unsafe.Slice((*byte)(dstHost), int(n))
	copy(dstBuf, srcBuf)
	return nil
}

func (f *Fake) MemcpyHtoDAsync(dst driver.DevicePtr, srcHost unsafe.Pointer, n uint64, stream driver.Stream) error {
	if n == 0 {
		return nil
	}
	srcBuf := unsafe.Slice((*byte)(srcHost), int(n))
	dstBuf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dst))), int(n))
	copy(dstBuf, srcBuf)
	return nil
}

func (f *Fake) LaunchKernel(fn driver.Function, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMemBytes uint32, stream driver.Stream, kernelParams unsafe.Pointer) error {
	f.mu.Lock()
	if f.LaunchErr != nil {
		err := f.LaunchErr
		f.mu.Unlock()
		return err
	}
	f.Launches = append(f.Launches, LaunchRecord{
		Function: fn,
		GridX:    gridX, GridY: gridY, GridZ: gridZ,
		BlockX: blockX, BlockY: blockY, BlockZ: blockZ,
		SharedMemBytes: sharedMemBytes,
	})
	onLaunch := f.OnLaunch
	f.mu.Unlock()
	if onLaunch != nil {
		onLaunch(fn)
	}
	return nil
}

var _ driver.Driver = (*Fake)(nil)
