package wsi

import (
	"fmt"
	"path/filepath"
)

// Mega is the number of bytes in a megabyte, the unit of rotated log sizes.
const Mega = 1 << 20

// ConvertToAbsolute returns an absolute path for the given path.  Relative paths
// are interpreted relative to the given base directory.
func ConvertToAbsolute(path, baseDir string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("cannot convert empty path to absolute path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	if baseDir == "" {
		return filepath.Abs(path)
	}
	return filepath.Abs(filepath.Join(baseDir, path))
}
