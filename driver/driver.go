// Package driver binds the subset of the CUDA driver API this runtime needs:
// context push/pop, device attribute queries, module load, function lookup
// and attribute get/set, stream-to-context resolution, events, and launch.
//
// Bound via github.com/ebitengine/purego (dlopen/dlsym at runtime) instead
// of cgo -- no C compiler is required to build this package.
package driver

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Context, Module, Function, Stream, Event and DevicePtr mirror the CUDA
// driver's opaque handle types. They are all plain addresses as far as Go
// is concerned; the real identity lives on the other side of libcuda.
type (
	Context   uintptr
	Module    uintptr
	Function  uintptr
	Stream    uintptr
	Event     uintptr
	DevicePtr uintptr
	Device    int32
)

// DeviceAttribute enumerates the subset of CUdevice_attribute this runtime
// queries.
type DeviceAttribute int32

const (
	AttrMaxSharedMemoryPerBlockOptin     DeviceAttribute = 97
	AttrMaxSharedMemoryPerMultiprocessor DeviceAttribute = 81
)

// FuncAttribute enumerates the subset of CUfunction_attribute this runtime
// reads or writes.
type FuncAttribute int32

const (
	FuncAttrSharedSizeBytes           FuncAttribute = 1
	FuncAttrMaxDynamicSharedSizeBytes FuncAttribute = 8
)

// CacheConfig enumerates the subset of CUfunc_cache this runtime sets.
type CacheConfig int32

const (
	CacheConfigPreferShared CacheConfig = 1
)

// Result is the raw CUresult code returned by every driver entry point.
type Result int32

const Success Result = 0

func (r Result) Error() string {
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// StaticSharedMemLimit is the maximum static (non-opt-in) shared-memory
// allocation CUDA permits per block; above it, dynamic shared memory must be
// explicitly configured via FuncAttrMaxDynamicSharedSizeBytes.
const StaticSharedMemLimit = 49152

var (
	libOnce sync.Once
	libErr  error

	cuCtxPushCurrent     func(ctx uintptr) int32
	cuCtxPopCurrent      func(ctx *uintptr) int32
	cuCtxGetDevice       func(dev *int32) int32
	cuDeviceGetAttribute func(pi *int32, attrib int32, dev int32) int32

	cuModuleLoadData    func(module *uintptr, image unsafe.Pointer) int32
	cuModuleUnload      func(module uintptr) int32
	cuModuleGetFunction func(hfunc *uintptr, hmod uintptr, name *byte) int32

	cuFuncGetAttribute   func(pi *int32, attrib int32, hfunc uintptr) int32
	cuFuncSetAttribute   func(hfunc uintptr, attrib int32, value int32) int32
	cuFuncSetCacheConfig func(hfunc uintptr, config int32) int32

	cuStreamGetCtx      func(hStream uintptr, pctx *uintptr) int32
	cuStreamSynchronize func(hStream uintptr) int32

	cuEventCreate      func(phEvent *uintptr, flags uint32) int32
	cuEventRecord      func(hEvent uintptr, hStream uintptr) int32
	cuEventSynchronize func(hEvent uintptr) int32
	cuEventElapsedTime func(pMilliseconds *float32, hStart, hEnd uintptr) int32
	cuEventDestroy     func(hEvent uintptr) int32

	cuMemsetD8Async   func(dstDevice uintptr, uc byte, n uint64, hStream uintptr) int32
	cuMemcpyDtoHAsync func(dstHost unsafe.Pointer, srcDevice uintptr, byteCount uint64, hStream uintptr) int32
	cuMemcpyHtoDAsync func(dstDevice uintptr, srcHost unsafe.Pointer, byteCount uint64, hStream uintptr) int32

	cuLaunchKernel func(
		f uintptr,
		gridDimX, gridDimY, gridDimZ uint32,
		blockDimX, blockDimY, blockDimZ uint32,
		sharedMemBytes uint32,
		hStream uintptr,
		kernelParams unsafe.Pointer,
		extra unsafe.Pointer,
	) int32
)

func load() error {
	libOnce.Do(func() {
		var lib uintptr
		lib, libErr = purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if libErr != nil {
			lib, libErr = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if libErr != nil {
				libErr = fmt.Errorf("cannot load libcuda: %w (is the NVIDIA driver installed?)", libErr)
				return
			}
		}

		purego.RegisterLibFunc(&cuCtxPushCurrent, lib, "cuCtxPushCurrent_v2")
		purego.RegisterLibFunc(&cuCtxPopCurrent, lib, "cuCtxPopCurrent_v2")
		purego.RegisterLibFunc(&cuCtxGetDevice, lib, "cuCtxGetDevice")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")

		purego.RegisterLibFunc(&cuModuleLoadData, lib, "cuModuleLoadData")
		purego.RegisterLibFunc(&cuModuleUnload, lib, "cuModuleUnload")
		purego.RegisterLibFunc(&cuModuleGetFunction, lib, "cuModuleGetFunction")

		purego.RegisterLibFunc(&cuFuncGetAttribute, lib, "cuFuncGetAttribute")
		purego.RegisterLibFunc(&cuFuncSetAttribute, lib, "cuFuncSetAttribute")
		purego.RegisterLibFunc(&cuFuncSetCacheConfig, lib, "cuFuncSetCacheConfig")

		purego.RegisterLibFunc(&cuStreamGetCtx, lib, "cuStreamGetCtx")
		purego.RegisterLibFunc(&cuStreamSynchronize, lib, "cuStreamSynchronize")

		purego.RegisterLibFunc(&cuEventCreate, lib, "cuEventCreate")
		purego.RegisterLibFunc(&cuEventRecord, lib, "cuEventRecord")
		purego.RegisterLibFunc(&cuEventSynchronize, lib, "cuEventSynchronize")
		purego.RegisterLibFunc(&cuEventElapsedTime, lib, "cuEventElapsedTime")
		purego.RegisterLibFunc(&cuEventDestroy, lib, "cuEventDestroy_v2")

		purego.RegisterLibFunc(&cuMemsetD8Async, lib, "cuMemsetD8Async")
		purego.RegisterLibFunc(&cuMemcpyDtoHAsync, lib, "cuMemcpyDtoHAsync_v2")
		purego.RegisterLibFunc(&cuMemcpyHtoDAsync, lib, "cuMemcpyHtoDAsync_v2")

		purego.RegisterLibFunc(&cuLaunchKernel, lib, "cuLaunchKernel")
	})
	return libErr
}

// Driver is the narrow contract the rest of this module consumes from the
// GPU driver layer, so production code and tests (against a fake) share the
// same call sites.
type Driver interface {
	CtxPushCurrent(ctx Context) error
	CtxPopCurrent() (Context, error)
	CtxGetDevice() (Device, error)
	DeviceGetAttribute(attr DeviceAttribute, dev Device) (int32, error)

	ModuleLoadData(image []byte) (Module, error)
	ModuleUnload(mod Module) error
	ModuleGetFunction(mod Module, name string) (Function, error)

	FuncGetAttribute(attr FuncAttribute, fn Function) (int32, error)
	FuncSetAttribute(fn Function, attr FuncAttribute, value int32) error
	FuncSetCacheConfig(fn Function, cfg CacheConfig) error

	StreamGetCtx(stream Stream) (Context, error)
	StreamSynchronize(stream Stream) error

	EventCreate() (Event, error)
	EventRecord(ev Event, stream Stream) error
	EventSynchronize(ev Event) error
	EventElapsedTime(start, end Event) (float32, error)
	EventDestroy(ev Event) error

	MemsetD8Async(dst DevicePtr, value byte, n uint64, stream Stream) error
	MemcpyDtoHAsync(dstHost unsafe.Pointer, src DevicePtr, n uint64, stream Stream) error
	MemcpyHtoDAsync(dst DevicePtr, srcHost unsafe.Pointer, n uint64, stream Stream) error

	LaunchKernel(fn Function, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMemBytes uint32, stream Stream, kernelParams unsafe.Pointer) error
}

// CUDA is the Driver implementation backed by the real libcuda, loaded
// lazily via purego on first use.
type CUDA struct{}

// New returns a Driver bound to the system's libcuda. It does not dlopen the
// library until the first call that needs it.
func New() *CUDA { return &CUDA{} }

func check(r int32, op string) error {
	if r != int32(Success) {
		return fmt.Errorf("%s: %s", op, Result(r).Error())
	}
	return nil
}

func (CUDA) CtxPushCurrent(ctx Context) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuCtxPushCurrent(uintptr(ctx)), "cuCtxPushCurrent")
}

func (CUDA) CtxPopCurrent() (Context, error) {
	if err := load(); err != nil {
		return 0, err
	}
	var ctx uintptr
	if err := check(cuCtxPopCurrent(&ctx), "cuCtxPopCurrent"); err != nil {
		return 0, err
	}
	return Context(ctx), nil
}

func (CUDA) CtxGetDevice() (Device, error) {
	if err := load(); err != nil {
		return 0, err
	}
	var dev int32
	if err := check(cuCtxGetDevice(&dev), "cuCtxGetDevice"); err != nil {
		return 0, err
	}
	return Device(dev), nil
}

func (CUDA) DeviceGetAttribute(attr DeviceAttribute, dev Device) (int32, error) {
	if err := load(); err != nil {
		return 0, err
	}
	var val int32
	if err := check(cuDeviceGetAttribute(&val, int32(attr), int32(dev)), "cuDeviceGetAttribute"); err != nil {
		return 0, err
	}
	return val, nil
}

func (CUDA) ModuleLoadData(image []byte) (Module, error) {
	if err := load(); err != nil {
		return 0, err
	}
	if len(image) == 0 {
		return 0, fmt.Errorf("cuModuleLoadData: empty image")
	}
	var mod uintptr
	if err := check(cuModuleLoadData(&mod, unsafe.Pointer(&image[0])), "cuModuleLoadData"); err != nil {
		return 0, err
	}
	return Module(mod), nil
}

func (CUDA) ModuleUnload(mod Module) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuModuleUnload(uintptr(mod)), "cuModuleUnload")
}

func (CUDA) ModuleGetFunction(mod Module, name string) (Function, error) {
	if err := load(); err != nil {
		return 0, err
	}
	nameBytes := append([]byte(name), 0)
	var fn uintptr
	if err := check(cuModuleGetFunction(&fn, uintptr(mod), &nameBytes[0]), "cuModuleGetFunction"); err != nil {
		return 0, err
	}
	return Function(fn), nil
}

func (CUDA) FuncGetAttribute(attr FuncAttribute, fn Function) (int32, error) {
	if err := load(); err != nil {
		return 0, err
	}
	var val int32
	if err := check(cuFuncGetAttribute(&val, int32(attr), uintptr(fn)), "cuFuncGetAttribute"); err != nil {
		return 0, err
	}
	return val, nil
}

func (CUDA) FuncSetAttribute(fn Function, attr FuncAttribute, value int32) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuFuncSetAttribute(uintptr(fn), int32(attr), value), "cuFuncSetAttribute")
}

func (CUDA) FuncSetCacheConfig(fn Function, cfg CacheConfig) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuFuncSetCacheConfig(uintptr(fn), int32(cfg)), "cuFuncSetCacheConfig")
}

func (CUDA) StreamGetCtx(stream Stream) (Context, error) {
	if err := load(); err != nil {
		return 0, err
	}
	var ctx uintptr
	if err := check(cuStreamGetCtx(uintptr(stream), &ctx), "cuStreamGetCtx"); err != nil {
		return 0, err
	}
	return Context(ctx), nil
}

func (CUDA) StreamSynchronize(stream Stream) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuStreamSynchronize(uintptr(stream)), "cuStreamSynchronize")
}

func (CUDA) EventCreate() (Event, error) {
	if err := load(); err != nil {
		return 0, err
	}
	const eventDefault = 0
	var ev uintptr
	if err := check(cuEventCreate(&ev, eventDefault), "cuEventCreate"); err != nil {
		return 0, err
	}
	return Event(ev), nil
}

func (CUDA) EventRecord(ev Event, stream Stream) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuEventRecord(uintptr(ev), uintptr(stream)), "cuEventRecord")
}

func (CUDA) EventSynchronize(ev Event) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuEventSynchronize(uintptr(ev)), "cuEventSynchronize")
}

func (CUDA) EventElapsedTime(start, end Event) (float32, error) {
	if err := load(); err != nil {
		return 0, err
	}
	var ms float32
	if err := check(cuEventElapsedTime(&ms, uintptr(start), uintptr(end)), "cuEventElapsedTime"); err != nil {
		return 0, err
	}
	return ms, nil
}

func (CUDA) EventDestroy(ev Event) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuEventDestroy(uintptr(ev)), "cuEventDestroy")
}

func (CUDA) MemsetD8Async(dst DevicePtr, value byte, n uint64, stream Stream) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuMemsetD8Async(uintptr(dst), value, n, uintptr(stream)), "cuMemsetD8Async")
}

func (CUDA) MemcpyDtoHAsync(dstHost unsafe.Pointer, src DevicePtr, n uint64, stream Stream) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuMemcpyDtoHAsync(dstHost, uintptr(src), n, uintptr(stream)), "cuMemcpyDtoHAsync")
}

func (CUDA) MemcpyHtoDAsync(dst DevicePtr, srcHost unsafe.Pointer, n uint64, stream Stream) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuMemcpyHtoDAsync(uintptr(dst), srcHost, n, uintptr(stream)), "cuMemcpyHtoDAsync")
}

func (CUDA) LaunchKernel(fn Function, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMemBytes uint32, stream Stream, kernelParams unsafe.Pointer) error {
	if err := load(); err != nil {
		return err
	}
	return check(cuLaunchKernel(uintptr(fn), gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMemBytes, uintptr(stream), kernelParams, nil), "cuLaunchKernel")
}
