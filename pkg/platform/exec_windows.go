//go:build windows

package platform

import "os"

// Windows has no execute bit; existence of a regular file is enough.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
