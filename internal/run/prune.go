package run

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// PruneDirs removes the oldest run directories under runsDir beyond
// keep, so retired runs do not accumulate report artifacts forever.
// Ordering follows directory modification time; non-directories are
// ignored.
func PruneDirs(runsDir string, keep int) error {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading runs dir: %w", err)
	}

	type dirInfo struct {
		name string
		mod  int64
	}
	var dirs []dirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirInfo{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if len(dirs) <= keep {
		return nil
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mod < dirs[j].mod })

	for _, d := range dirs[:len(dirs)-keep] {
		if err := os.RemoveAll(filepath.Join(runsDir, d.name)); err != nil {
			return fmt.Errorf("pruning run %s: %w", d.name, err)
		}
	}
	return nil
}
