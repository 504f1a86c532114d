// Package wire decodes and encodes the opaque blob the host tensor-compiler
// framework hands to the custom-call entry point: a zlib-compressed,
// tag/length-delimited record describing one kernel invocation (or a family
// of autotune candidates).
package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/notargets/kernelcall/kcerr"
)

// ParamTag identifies which variant of the Parameter union a wire entry
// holds.
type ParamTag byte

const (
	ParamArray ParamTag = iota
	ParamBool
	ParamI32
	ParamU32
	ParamI64
	ParamU64
)

// Parameter is the decoded form of the tagged parameter union. Exactly one
// field is meaningful, selected by Tag.
type Parameter struct {
	Tag ParamTag

	// Array fields, valid when Tag == ParamArray.
	BytesToZero     uint64
	PtrDivisibility uint64

	// Scalar fields, valid when Tag matches the corresponding scalar kind.
	Bool bool
	I32  int32
	U32  uint32
	I64  int64
	U64  uint64
}

// Kernel is the decoded device-function description.
type Kernel struct {
	KernelName        string
	NumWarps          uint32
	SharedMemBytes    uint32
	Ptx               string
	Ttir              string
	ComputeCapability int32
}

// KernelCall is the decoded form of a single kernel invocation.
type KernelCall struct {
	Kernel     Kernel
	Grid0      uint32
	Grid1      uint32
	Grid2      uint32
	Parameters []Parameter
}

// Config is one autotune candidate: a KernelCall plus a human-readable
// description used in diagnostics.
type Config struct {
	KernelCall  KernelCall
	Description string
}

// Alias names one (input, output) buffer-index pair that share a device
// pointer across a kernel launch.
type Alias struct {
	InputBufferIdx  uint64
	OutputBufferIdx uint64
	BufferSizeBytes uint64
}

// AutotunedKernelCall is the decoded form of a family of candidate
// invocations plus the aliasing metadata the autotuner needs to restore
// aliased inputs after benchmarking.
type AutotunedKernelCall struct {
	Name               string
	Configs            []Config
	InputOutputAliases []Alias
}

// Record is the outer oneof: exactly one of KernelCall or AutotunedKernelCall
// is populated, selected by IsAutotuned.
type Record struct {
	IsAutotuned bool
	KernelCall  *KernelCall
	Autotuned   *AutotunedKernelCall
}

// outer record tags.
const (
	tagKernelCall          byte = 1
	tagAutotunedKernelCall byte = 2
)

// Decode inflates a zlib-compressed opaque blob and parses the resulting
// bytes into a Record. Any malformed input fails with kcerr.InvalidArgument.
func Decode(opaque []byte) (*Record, error) {
	inflated, err := zlibUncompress(opaque)
	if err != nil {
		return nil, kcerr.InvalidArgument("failed to decompress opaque blob: %v", err)
	}
	r := bytes.NewReader(inflated)
	rec, err := decodeRecord(r)
	if err != nil {
		return nil, kcerr.InvalidArgument("failed to parse opaque blob: %v", err)
	}
	return rec, nil
}

// zlibUncompress inflates a zlib-enveloped (RFC 1950) byte stream. A C-style
// inflate API must pre-size an output buffer and retry with a larger one
// when it guesses too small; Go's compress/zlib exposes a streaming Reader
// instead, so io.ReadAll drains the full output in one pass without any
// capacity guess or retry loop.
func zlibUncompress(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Encode compresses r's wire form with zlib, the inverse of Decode. Used by
// the CLI's encode subcommand and by round-trip tests.
func Encode(r *Record) ([]byte, error) {
	var raw bytes.Buffer
	if err := encodeRecord(&raw, r); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeRecord(r *bytes.Reader) (*Record, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty record")
	}
	switch tag {
	case tagKernelCall:
		kc, err := decodeKernelCall(r)
		if err != nil {
			return nil, err
		}
		return &Record{KernelCall: kc}, nil
	case tagAutotunedKernelCall:
		atkc, err := decodeAutotunedKernelCall(r)
		if err != nil {
			return nil, err
		}
		return &Record{IsAutotuned: true, Autotuned: atkc}, nil
	default:
		return nil, fmt.Errorf("unknown outer record tag %d", tag)
	}
}

func encodeRecord(w *bytes.Buffer, r *Record) error {
	if r.IsAutotuned {
		w.WriteByte(tagAutotunedKernelCall)
		return encodeAutotunedKernelCall(w, r.Autotuned)
	}
	w.WriteByte(tagKernelCall)
	return encodeKernelCall(w, r.KernelCall)
}

// --- primitive readers/writers -------------------------------------------

func writeString(w *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	w.Write(lenBuf[:])
	w.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("truncated string length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("truncated string body: %w", err)
	}
	return string(buf), nil
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("truncated u32: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeI32(w *bytes.Buffer, v int32) { writeU32(w, uint32(v)) }

func readI32(r *bytes.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("truncated u64: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeI64(w *bytes.Buffer, v int64) { writeU64(w, uint64(v)) }

func readI64(r *bytes.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func writeBool(w *bytes.Buffer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("truncated bool: %w", err)
	}
	return b != 0, nil
}

// --- Kernel ---------------------------------------------------------------

func encodeKernel(w *bytes.Buffer, k Kernel) error {
	writeString(w, k.KernelName)
	writeU32(w, k.NumWarps)
	writeU32(w, k.SharedMemBytes)
	writeString(w, k.Ptx)
	writeString(w, k.Ttir)
	writeI32(w, k.ComputeCapability)
	return nil
}

func decodeKernel(r *bytes.Reader) (Kernel, error) {
	var k Kernel
	var err error
	if k.KernelName, err = readString(r); err != nil {
		return k, err
	}
	if k.NumWarps, err = readU32(r); err != nil {
		return k, err
	}
	if k.SharedMemBytes, err = readU32(r); err != nil {
		return k, err
	}
	if k.Ptx, err = readString(r); err != nil {
		return k, err
	}
	if k.Ttir, err = readString(r); err != nil {
		return k, err
	}
	if k.ComputeCapability, err = readI32(r); err != nil {
		return k, err
	}
	return k, nil
}

// --- Parameter --------------------------------------------------------------

func encodeParameter(w *bytes.Buffer, p Parameter) error {
	w.WriteByte(byte(p.Tag))
	switch p.Tag {
	case ParamArray:
		writeU64(w, p.BytesToZero)
		writeU64(w, p.PtrDivisibility)
	case ParamBool:
		writeBool(w, p.Bool)
	case ParamI32:
		writeI32(w, p.I32)
	case ParamU32:
		writeU32(w, p.U32)
	case ParamI64:
		writeI64(w, p.I64)
	case ParamU64:
		writeU64(w, p.U64)
	default:
		return fmt.Errorf("unknown parameter tag %d", p.Tag)
	}
	return nil
}

func decodeParameter(r *bytes.Reader) (Parameter, error) {
	var p Parameter
	tag, err := r.ReadByte()
	if err != nil {
		return p, fmt.Errorf("truncated parameter tag: %w", err)
	}
	p.Tag = ParamTag(tag)
	switch p.Tag {
	case ParamArray:
		if p.BytesToZero, err = readU64(r); err != nil {
			return p, err
		}
		if p.PtrDivisibility, err = readU64(r); err != nil {
			return p, err
		}
	case ParamBool:
		if p.Bool, err = readBool(r); err != nil {
			return p, err
		}
	case ParamI32:
		if p.I32, err = readI32(r); err != nil {
			return p, err
		}
	case ParamU32:
		if p.U32, err = readU32(r); err != nil {
			return p, err
		}
	case ParamI64:
		if p.I64, err = readI64(r); err != nil {
			return p, err
		}
	case ParamU64:
		if p.U64, err = readU64(r); err != nil {
			return p, err
		}
	default:
		return p, fmt.Errorf("unknown parameter tag %d", tag)
	}
	return p, nil
}

// --- KernelCall -------------------------------------------------------------

func encodeKernelCall(w *bytes.Buffer, kc *KernelCall) error {
	if kc == nil {
		return fmt.Errorf("nil kernel_call")
	}
	if err := encodeKernel(w, kc.Kernel); err != nil {
		return err
	}
	writeU32(w, kc.Grid0)
	writeU32(w, kc.Grid1)
	writeU32(w, kc.Grid2)
	writeU32(w, uint32(len(kc.Parameters)))
	for _, p := range kc.Parameters {
		if err := encodeParameter(w, p); err != nil {
			return err
		}
	}
	return nil
}

func decodeKernelCall(r *bytes.Reader) (*KernelCall, error) {
	kc := &KernelCall{}
	var err error
	if kc.Kernel, err = decodeKernel(r); err != nil {
		return nil, err
	}
	if kc.Grid0, err = readU32(r); err != nil {
		return nil, err
	}
	if kc.Grid1, err = readU32(r); err != nil {
		return nil, err
	}
	if kc.Grid2, err = readU32(r); err != nil {
		return nil, err
	}
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	kc.Parameters = make([]Parameter, n)
	for i := range kc.Parameters {
		if kc.Parameters[i], err = decodeParameter(r); err != nil {
			return nil, err
		}
	}
	return kc, nil
}

// --- AutotunedKernelCall -----------------------------------------------------

func encodeAutotunedKernelCall(w *bytes.Buffer, a *AutotunedKernelCall) error {
	if a == nil {
		return fmt.Errorf("nil autotuned_kernel_call")
	}
	writeString(w, a.Name)
	writeU32(w, uint32(len(a.Configs)))
	for _, c := range a.Configs {
		if err := encodeKernelCall(w, &c.KernelCall); err != nil {
			return err
		}
		writeString(w, c.Description)
	}
	writeU32(w, uint32(len(a.InputOutputAliases)))
	for _, al := range a.InputOutputAliases {
		writeU64(w, al.InputBufferIdx)
		writeU64(w, al.OutputBufferIdx)
		writeU64(w, al.BufferSizeBytes)
	}
	return nil
}

func decodeAutotunedKernelCall(r *bytes.Reader) (*AutotunedKernelCall, error) {
	a := &AutotunedKernelCall{}
	var err error
	if a.Name, err = readString(r); err != nil {
		return nil, err
	}
	nConfigs, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if nConfigs == 0 {
		return nil, fmt.Errorf("autotuned_kernel_call has no configs")
	}
	a.Configs = make([]Config, nConfigs)
	for i := range a.Configs {
		kc, err := decodeKernelCall(r)
		if err != nil {
			return nil, err
		}
		a.Configs[i].KernelCall = *kc
		if a.Configs[i].Description, err = readString(r); err != nil {
			return nil, err
		}
	}
	nAliases, err := readU32(r)
	if err != nil {
		return nil, err
	}
	a.InputOutputAliases = make([]Alias, nAliases)
	for i := range a.InputOutputAliases {
		if a.InputOutputAliases[i].InputBufferIdx, err = readU64(r); err != nil {
			return nil, err
		}
		if a.InputOutputAliases[i].OutputBufferIdx, err = readU64(r); err != nil {
			return nil, err
		}
		if a.InputOutputAliases[i].BufferSizeBytes, err = readU64(r); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// DebugJSON renders a decoded Record as JSON for the CLI's decode subcommand
// and for test failure messages. Defined in wire_json.go (separate file to
// keep the goccy/go-json import isolated from the core codec).
