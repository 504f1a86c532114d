package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/notargets/kernelcall/wire"
)

// decodeCmd inflates and pretty-prints an opaque blob, for inspecting what a
// host framework actually handed the runtime.
func decodeCmd() *cli.Command {
	var path string
	return &cli.Command{
		Name:  "decode",
		Usage: "Inflate and pretty-print an opaque blob",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "blob", Required: true, Destination: &path},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			rec, err := wire.Decode(raw)
			if err != nil {
				return err
			}
			js, err := rec.DebugJSON()
			if err != nil {
				return fmt.Errorf("failed to render record as JSON: %w", err)
			}
			fmt.Println(js)
			return nil
		},
	}
}
