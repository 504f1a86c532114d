package wire

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/kernelcall/kcerr"
)

func sampleKernelCall() *KernelCall {
	return &KernelCall{
		Kernel: Kernel{
			KernelName:        "add_kernel",
			NumWarps:          4,
			SharedMemBytes:    0,
			Ptx:               ".visible .entry add_kernel(...)",
			Ttir:              "tt.func @add_kernel",
			ComputeCapability: 90,
		},
		Grid0: 1, Grid1: 1, Grid2: 1,
		Parameters: []Parameter{
			{Tag: ParamArray, BytesToZero: 16, PtrDivisibility: 16},
			{Tag: ParamI32, I32: 7},
		},
	}
}

func TestRoundTripKernelCall(t *testing.T) {
	rec := &Record{KernelCall: sampleKernelCall()}
	blob, err := Encode(rec)
	require.NoError(t, err)
	got, err := Decode(blob)
	require.NoError(t, err)

	assert.False(t, got.IsAutotuned)
	assert.Equal(t, "add_kernel", got.KernelCall.Kernel.KernelName)
	require.Len(t, got.KernelCall.Parameters, 2)
	assert.Equal(t, uint64(16), got.KernelCall.Parameters[0].BytesToZero)
	assert.Equal(t, uint64(16), got.KernelCall.Parameters[0].PtrDivisibility)
	assert.Equal(t, int32(7), got.KernelCall.Parameters[1].I32)
}

func TestRoundTripAutotunedKernelCall(t *testing.T) {
	rec := &Record{
		IsAutotuned: true,
		Autotuned: &AutotunedKernelCall{
			Name: "matmul",
			Configs: []Config{
				{KernelCall: *sampleKernelCall(), Description: "config A"},
				{KernelCall: *sampleKernelCall(), Description: "config B"},
			},
			InputOutputAliases: []Alias{
				{InputBufferIdx: 0, OutputBufferIdx: 1, BufferSizeBytes: 32},
			},
		},
	}
	blob, err := Encode(rec)
	require.NoError(t, err)
	got, err := Decode(blob)
	require.NoError(t, err)

	require.True(t, got.IsAutotuned)
	assert.Equal(t, "matmul", got.Autotuned.Name)
	require.Len(t, got.Autotuned.Configs, 2)
	require.Len(t, got.Autotuned.InputOutputAliases, 1)
	assert.Equal(t, uint64(32), got.Autotuned.InputOutputAliases[0].BufferSizeBytes)
}

// An empty opaque blob fails InvalidArgument.
func TestEmptyBlobDecode(t *testing.T) {
	_, err := Decode([]byte{})
	if err == nil {
		t.Fatalf("expected error for empty blob")
	}
	if !kcerr.Is(err, kcerr.InvalidArgumentKind) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestUnknownOuterTagDecode(t *testing.T) {
	var raw bytes.Buffer
	raw.WriteByte(99)
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	zw.Write(raw.Bytes())
	zw.Close()

	_, err := Decode(compressed.Bytes())
	if !kcerr.Is(err, kcerr.InvalidArgumentKind) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestDecodeNotZlib(t *testing.T) {
	_, err := Decode([]byte{0xde, 0xad, 0xbe, 0xef})
	if !kcerr.Is(err, kcerr.InvalidArgumentKind) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
