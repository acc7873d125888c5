// Package defaults ships the files a fresh data directory starts with and decides
// where that directory lives. VOX_DATA_DIR overrides the platform location
// (~/.config/vox on Linux, the user config dir plus "Vox" elsewhere).
package defaults

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
)

const root = "dotvox"

//go:embed dotvox/*
var bundle embed.FS

// private files may hold credentials.
var private = map[string]bool{"settings.json": true}

// DataDir resolves the data directory without creating it.
func DataDir() (string, error) {
	if dir := os.Getenv("VOX_DATA_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	name := "Vox"
	if runtime.GOOS == "linux" {
		name = "vox"
	}
	return filepath.Join(base, name), nil
}

// Names lists the bundled files, sorted.
func Names() ([]string, error) {
	entries, err := fs.ReadDir(bundle, root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read returns one bundled file, e.g. Read("config.yaml").
func Read(name string) ([]byte, error) {
	return bundle.ReadFile(path.Join(root, name))
}

// Install writes the bundled files into dir, creating it. Files already present
// are left alone unless overwrite is set. It returns the names it wrote.
func Install(dir string, overwrite bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	names, err := Names()
	if err != nil {
		return nil, err
	}
	var written []string
	for _, name := range names {
		dest := filepath.Join(dir, name)
		if !overwrite {
			_, err := os.Stat(dest)
			if err == nil {
				continue
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return written, err
			}
		}
		data, err := Read(name)
		if err != nil {
			return written, err
		}
		perm := fs.FileMode(0o644)
		if private[name] {
			perm = 0o600
		}
		if err := os.WriteFile(dest, data, perm); err != nil {
			return written, fmt.Errorf("write %s: %w", dest, err)
		}
		written = append(written, name)
	}
	return written, nil
}
