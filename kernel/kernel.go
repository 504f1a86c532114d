// Package kernel defines the launchable unit this runtime dispatches: a
// Kernel (an immutable device-function description plus its lazily-resolved
// compiled image), the declarative Parameter union, and KernelCall, which
// binds a Kernel to a grid and parameter list and knows how to marshal and
// launch itself.
package kernel

import (
	"sync"
	"unsafe"

	"github.com/notargets/kernelcall/driver"
	"github.com/notargets/kernelcall/kcerr"
	"github.com/notargets/kernelcall/kernelimage"
)

// ParamTag identifies which variant of the Parameter union a value holds.
type ParamTag int

const (
	Array ParamTag = iota
	Bool
	I32
	U32
	I64
	U64
)

// Parameter is one positional argument of a KernelCall: an Array (no
// pointer value stored -- it is supplied at launch time from the caller's
// buffers array) or one of five scalar kinds.
type Parameter struct {
	Tag ParamTag

	// Array fields, valid when Tag == Array.
	BytesToZero     uint64
	PtrDivisibility uint64

	// Scalar fields, valid when Tag matches the corresponding kind.
	BoolVal bool
	I32Val  int32
	U32Val  uint32
	I64Val  int64
	U64Val  uint64
}

// Kernel is an immutable description of a device function. ModuleImage is
// resolved from the device-image cache on first launch and memoized for the
// life of the Kernel; it is a borrowed pointer into that cache, never owned.
type Kernel struct {
	KernelName        string
	NumWarps          uint32
	SharedMemBytes    uint32
	AsmText           string
	AuxiliaryIR       string
	ComputeCapability int32

	imageOnce sync.Once
	imageErr  error
	image     *kernelimage.ModuleImage
}

// BlockDim derives the launch block dimensions from NumWarps:
// block_dim_x = num_warps * 32, block_dim_y = block_dim_z = 1.
func (k *Kernel) BlockDim() (x, y, z uint32) {
	return k.NumWarps * 32, 1, 1
}

// resolveImage populates and memoizes k's ModuleImage pointer from cache,
// compiling on the cache's first encounter with this Kernel's image key.
func (k *Kernel) resolveImage(cache *kernelimage.Cache) (*kernelimage.ModuleImage, error) {
	k.imageOnce.Do(func() {
		k.image, k.imageErr = cache.GetModuleImage(k.KernelName, k.SharedMemBytes, k.AsmText, k.ComputeCapability)
	})
	return k.image, k.imageErr
}

// KernelCall is one Kernel, bound to a grid and an ordered parameter list.
// It owns its Kernel by value; Array parameters correspond 1:1, in
// occurrence order, to consecutive entries of the buffers array a caller
// supplies at Launch time.
type KernelCall struct {
	Kernel     Kernel
	Grid       [3]uint32
	Parameters []Parameter
}

// Launch marshals kc's parameters against buffers and enqueues the kernel on
// stream. It does not synchronize with the device;
// the only observable side effect besides the launch itself is the optional
// asynchronous zero-fill of Array parameters with a nonzero BytesToZero.
func (kc *KernelCall) Launch(drv driver.Driver, cache *kernelimage.Cache, stream driver.Stream, buffers []driver.DevicePtr) error {
	n := len(kc.Parameters)
	args := make([]unsafe.Pointer, n)
	ptrStorage := make([]driver.DevicePtr, n)
	boolStorage := make([]uint32, n)
	i32Storage := make([]int32, n)
	u32Storage := make([]uint32, n)
	i64Storage := make([]int64, n)
	u64Storage := make([]uint64, n)

	bufIdx := 0
	for i, p := range kc.Parameters {
		switch p.Tag {
		case Array:
			if bufIdx >= len(buffers) {
				return kcerr.InvalidArgument("parameter %d requires a buffer but only %d buffers were supplied", i, len(buffers))
			}
			ptr := buffers[bufIdx]
			bufIdx++
			if p.PtrDivisibility != 0 && uint64(ptr)%p.PtrDivisibility != 0 {
				return kcerr.InvalidArgument("Parameter %d (0x%x) is not divisible by %d.", i, uint64(ptr), p.PtrDivisibility)
			}
			if p.BytesToZero > 0 {
				if err := drv.MemsetD8Async(ptr, 0, p.BytesToZero, stream); err != nil {
					return kcerr.DeviceError("cuMemsetD8Async failed for parameter %d: %v", i, err)
				}
			}
			ptrStorage[i] = ptr
			args[i] = unsafe.Pointer(&ptrStorage[i])
		case Bool:
			if p.BoolVal {
				boolStorage[i] = 1
			}
			args[i] = unsafe.Pointer(&boolStorage[i])
		case I32:
			i32Storage[i] = p.I32Val
			args[i] = unsafe.Pointer(&i32Storage[i])
		case U32:
			u32Storage[i] = p.U32Val
			args[i] = unsafe.Pointer(&u32Storage[i])
		case I64:
			i64Storage[i] = p.I64Val
			args[i] = unsafe.Pointer(&i64Storage[i])
		case U64:
			u64Storage[i] = p.U64Val
			args[i] = unsafe.Pointer(&u64Storage[i])
		default:
			return kcerr.InvalidArgument("unknown parameter tag %d at index %d", p.Tag, i)
		}
	}

	image, err := kc.Kernel.resolveImage(cache)
	if err != nil {
		return err
	}

	ctx, err := drv.StreamGetCtx(stream)
	if err != nil {
		return kcerr.DeviceError("cuStreamGetCtx failed: %v", err)
	}

	fn, err := image.GetFunctionForContext(drv, ctx)
	if err != nil {
		return err
	}

	blockX, blockY, blockZ := kc.Kernel.BlockDim()
	var argsPtr unsafe.Pointer
	if n > 0 {
		argsPtr = unsafe.Pointer(&args[0])
	}
	if err := drv.LaunchKernel(fn, kc.Grid[0], kc.Grid[1], kc.Grid[2], blockX, blockY, blockZ,
		kc.Kernel.SharedMemBytes, stream, argsPtr); err != nil {
		return kcerr.DeviceError("cuLaunchKernel failed for %s: %v", kc.Kernel.KernelName, err)
	}
	return nil
}
