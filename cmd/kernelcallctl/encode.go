package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/notargets/kernelcall/wire"
)

// encodeCmd builds an opaque blob from a small declarative description, for
// feeding bench or a host-framework test harness. It does not implement a
// tensor-compiler front-end; it only produces test/demo blobs.
func encodeCmd() *cli.Command {
	var (
		kernelName string
		asmFile    string
		numWarps   int
		sharedMem  int
		cc         int
		grid       []int
		params     []string
		out        string
	)

	return &cli.Command{
		Name:  "encode",
		Usage: "Build an opaque blob from a declarative kernel-call description",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kernel-name", Required: true, Destination: &kernelName},
			&cli.StringFlag{Name: "asm-file", Usage: "path to a PTX/asm source file", Required: true, Destination: &asmFile},
			&cli.IntFlag{Name: "num-warps", Value: 4, Destination: &numWarps},
			&cli.IntFlag{Name: "shared-mem-bytes", Destination: &sharedMem},
			&cli.IntFlag{Name: "compute-capability", Value: 80, Destination: &cc},
			&cli.IntSliceFlag{Name: "grid", Value: []int{1, 1, 1}, Destination: &grid},
			&cli.StringSliceFlag{
				Name:        "param",
				Usage:       "repeatable; one of array:<bytes_to_zero>:<divisibility>, i32:<n>, u32:<n>, i64:<n>, u64:<n>, bool:<true|false>",
				Destination: &params,
			},
			&cli.StringFlag{Name: "out", Required: true, Destination: &out},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			asmText, err := os.ReadFile(asmFile)
			if err != nil {
				return fmt.Errorf("failed to read asm file %s: %w", asmFile, err)
			}
			if len(grid) != 3 {
				return fmt.Errorf("--grid requires exactly 3 values, got %d", len(grid))
			}

			parsed, err := parseParams(params)
			if err != nil {
				return err
			}

			rec := &wire.Record{
				KernelCall: &wire.KernelCall{
					Kernel: wire.Kernel{
						KernelName:        kernelName,
						NumWarps:          uint32(numWarps),
						SharedMemBytes:    uint32(sharedMem),
						Ptx:               string(asmText),
						ComputeCapability: int32(cc),
					},
					Grid0:      uint32(grid[0]),
					Grid1:      uint32(grid[1]),
					Grid2:      uint32(grid[2]),
					Parameters: parsed,
				},
			}

			blob, err := wire.Encode(rec)
			if err != nil {
				return fmt.Errorf("failed to encode blob: %w", err)
			}
			if err := os.WriteFile(out, blob, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			loggerFromContext(ctx).Info("wrote opaque blob", "path", out, "bytes", len(blob))
			return nil
		},
	}
}

func parseParams(specs []string) ([]wire.Parameter, error) {
	params := make([]wire.Parameter, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		switch parts[0] {
		case "array":
			if len(parts) != 3 {
				return nil, fmt.Errorf("malformed array param %q, want array:<bytes_to_zero>:<divisibility>", spec)
			}
			bytesToZero, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed bytes_to_zero in %q: %w", spec, err)
			}
			divisibility, err := strconv.ParseUint(parts[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed divisibility in %q: %w", spec, err)
			}
			params = append(params, wire.Parameter{Tag: wire.ParamArray, BytesToZero: bytesToZero, PtrDivisibility: divisibility})
		case "bool":
			if len(parts) != 2 {
				return nil, fmt.Errorf("malformed bool param %q", spec)
			}
			params = append(params, wire.Parameter{Tag: wire.ParamBool, Bool: parts[1] == "true"})
		case "i32":
			v, err := strconv.ParseInt(parts[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("malformed i32 param %q: %w", spec, err)
			}
			params = append(params, wire.Parameter{Tag: wire.ParamI32, I32: int32(v)})
		case "u32":
			v, err := strconv.ParseUint(parts[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("malformed u32 param %q: %w", spec, err)
			}
			params = append(params, wire.Parameter{Tag: wire.ParamU32, U32: uint32(v)})
		case "i64":
			v, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed i64 param %q: %w", spec, err)
			}
			params = append(params, wire.Parameter{Tag: wire.ParamI64, I64: v})
		case "u64":
			v, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed u64 param %q: %w", spec, err)
			}
			params = append(params, wire.Parameter{Tag: wire.ParamU64, U64: v})
		default:
			return nil, fmt.Errorf("unknown param kind %q in %q", parts[0], spec)
		}
	}
	return params, nil
}
