// Package asmcompiler lowers textual GPU assembly to a loadable binary
// device image. The runtime treats the compiler as a black box behind the
// narrow Compiler interface below.
package asmcompiler

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"github.com/notargets/kernelcall/kcerr"
)

// Compiler lowers GPU assembly text for a given compute capability into a
// loadable binary image. Implementations may shell out to a real toolchain
// or, in tests, fake the result.
type Compiler interface {
	CompileGpuAsm(ccMajor, ccMinor int, asmText string) ([]byte, error)
}

// Ptxas invokes the real `ptxas` binary to lower PTX-class assembly to a
// cubin.
type Ptxas struct {
	// Path to the ptxas executable; defaults to "ptxas" on $PATH.
	Path string
}

// CompileGpuAsm writes asmText to a temp .ptx file, invokes ptxas targeting
// sm_{ccMajor}{ccMinor}, and returns the resulting cubin bytes.
func (p Ptxas) CompileGpuAsm(ccMajor, ccMinor int, asmText string) ([]byte, error) {
	path := p.Path
	if path == "" {
		path = "ptxas"
	}

	srcFile, err := os.CreateTemp("", "kernelcall-*.ptx")
	if err != nil {
		return nil, kcerr.CompileError("failed to create ptx temp file: %v", err)
	}
	defer os.Remove(srcFile.Name())

	if _, err := srcFile.WriteString(asmText); err != nil {
		srcFile.Close()
		return nil, kcerr.CompileError("failed to write ptx temp file: %v", err)
	}
	if err := srcFile.Close(); err != nil {
		return nil, kcerr.CompileError("failed to close ptx temp file: %v", err)
	}

	outFile := srcFile.Name() + ".cubin"
	defer os.Remove(outFile)

	arch := fmt.Sprintf("sm_%d%d", ccMajor, ccMinor)
	cmd := exec.Command(path, "-arch="+arch, "-o", outFile, srcFile.Name())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, kcerr.CompileError("ptxas failed for %s: %v: %s", arch, err, stderr.String())
	}

	image, err := os.ReadFile(outFile)
	if err != nil {
		return nil, kcerr.CompileError("failed to read compiled cubin: %v", err)
	}
	return image, nil
}

var _ Compiler = Ptxas{}
