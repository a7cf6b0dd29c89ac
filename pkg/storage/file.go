package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"hashmend/pkg/types"
)

const RepairedPrefix = "repaired_"

// ReadFile loads the file under repair into memory.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", types.ErrFileIO, path, err)
	}
	return data, nil
}

// RepairedPath derives the output path for input: repaired_<name> in the same directory.
func RepairedPath(input string) string {
	dir, name := filepath.Split(input)
	return filepath.Join(dir, RepairedPrefix+name)
}

// WriteRepaired writes data to output, or to RepairedPath(input) when output is
// empty. The input file is never overwritten.
func WriteRepaired(input, output string, data []byte) (string, error) {
	if output == "" {
		output = RepairedPath(input)
	}

	same, err := samePath(input, output)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrFileIO, err)
	}
	if same {
		return "", fmt.Errorf("%w: refusing to overwrite input %s", types.ErrFileIO, input)
	}

	// Write to a temp file first so a failed write never leaves a truncated output.
	tmp, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create output: %w", types.ErrFileIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: failed to write output: %w", types.ErrFileIO, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: failed to close output: %w", types.ErrFileIO, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", fmt.Errorf("%w: failed to set output permissions: %w", types.ErrFileIO, err)
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		return "", fmt.Errorf("%w: failed to move output into place: %w", types.ErrFileIO, err)
	}

	return output, nil
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	if absA == absB {
		return true, nil
	}

	infoA, errA := os.Stat(absA)
	infoB, errB := os.Stat(absB)
	if errA != nil || errB != nil {
		return false, nil
	}
	return os.SameFile(infoA, infoB), nil
}
