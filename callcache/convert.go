package callcache

import (
	"github.com/notargets/kernelcall/kcerr"
	"github.com/notargets/kernelcall/kernel"
	"github.com/notargets/kernelcall/wire"
)

// convertKernelCall translates a decoded wire.KernelCall into the domain
// kernel.KernelCall this runtime launches. The wire and kernel Parameter
// unions are structurally identical; this is the one place that owns the
// mapping between them.
func convertKernelCall(w *wire.KernelCall) (*kernel.KernelCall, error) {
	params := make([]kernel.Parameter, len(w.Parameters))
	for i, p := range w.Parameters {
		switch p.Tag {
		case wire.ParamArray:
			params[i] = kernel.Parameter{Tag: kernel.Array, BytesToZero: p.BytesToZero, PtrDivisibility: p.PtrDivisibility}
		case wire.ParamBool:
			params[i] = kernel.Parameter{Tag: kernel.Bool, BoolVal: p.Bool}
		case wire.ParamI32:
			params[i] = kernel.Parameter{Tag: kernel.I32, I32Val: p.I32}
		case wire.ParamU32:
			params[i] = kernel.Parameter{Tag: kernel.U32, U32Val: p.U32}
		case wire.ParamI64:
			params[i] = kernel.Parameter{Tag: kernel.I64, I64Val: p.I64}
		case wire.ParamU64:
			params[i] = kernel.Parameter{Tag: kernel.U64, U64Val: p.U64}
		default:
			return nil, kcerr.InvalidArgument("unknown parameter tag %d at index %d", p.Tag, i)
		}
	}
	return &kernel.KernelCall{
		Kernel: kernel.Kernel{
			KernelName:        w.Kernel.KernelName,
			NumWarps:          w.Kernel.NumWarps,
			SharedMemBytes:    w.Kernel.SharedMemBytes,
			AsmText:           w.Kernel.Ptx,
			AuxiliaryIR:       w.Kernel.Ttir,
			ComputeCapability: w.Kernel.ComputeCapability,
		},
		Grid:       [3]uint32{w.Grid0, w.Grid1, w.Grid2},
		Parameters: params,
	}, nil
}
