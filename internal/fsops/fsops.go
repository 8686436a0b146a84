package fsops

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

const (
	directoryPermissions = 0o755
	reportPermissions    = 0o644
	temporarySuffix      = ".tmp"
)

// FS is an abstract filesystem used across the app and tests.
type FS interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Stat(name string) (fs.FileInfo, error)
	Rename(oldpath, newpath string) error
	MkdirAll(path string, perm os.FileMode) error
	WalkDir(root string, fn fs.WalkDirFunc) error
}

// ---------- OS-backed implementation ----------

type OS struct{}

func NewOS() OS { return OS{} }

func (OS) ReadFile(name string) ([]byte, error) { return os.ReadFile(filepath.Clean(name)) }
func (OS) WriteFile(name string, b []byte, p os.FileMode) error {
	return os.WriteFile(filepath.Clean(name), b, p)
}
func (OS) Stat(name string) (fs.FileInfo, error)     { return os.Stat(filepath.Clean(name)) }
func (OS) Rename(a, b string) error                  { return os.Rename(a, b) }
func (OS) MkdirAll(path string, p os.FileMode) error { return os.MkdirAll(filepath.Clean(path), p) }
func (OS) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(filepath.Clean(root), fn)
}

// ---------- In-memory implementation (for tests/integration) ----------

type Mem struct{ Fs afero.Fs }

func NewMem() Mem { return Mem{Fs: afero.NewMemMapFs()} }

func (m Mem) ReadFile(name string) ([]byte, error) { return afero.ReadFile(m.Fs, filepath.Clean(name)) }
func (m Mem) WriteFile(name string, b []byte, p os.FileMode) error {
	return afero.WriteFile(m.Fs, filepath.Clean(name), b, p)
}
func (m Mem) Stat(name string) (fs.FileInfo, error) { return m.Fs.Stat(filepath.Clean(name)) }
func (m Mem) Rename(a, b string) error              { return m.Fs.Rename(a, b) }
func (m Mem) MkdirAll(path string, p os.FileMode) error {
	return m.Fs.MkdirAll(filepath.Clean(path), p)
}
func (m Mem) WalkDir(root string, fn fs.WalkDirFunc) error {
	return afero.Walk(m.Fs, filepath.Clean(root), func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return fn(p, nil, err)
		}
		return fn(p, fs.FileInfoToDirEntry(info), nil)
	})
}

// ---------- High-level façade used by pipelines ----------

type Ops struct{ FS FS }

func NewOps(fs FS) Ops { return Ops{FS: fs} }

// TextFile is a corpus or input document read from disk.
type TextFile struct {
	Path    string
	Name    string
	Content string
}

// ReadTextFiles walks root and returns files whose extension is in
// extensions, sorted by path. Dot-directories are skipped.
func (o Ops) ReadTextFiles(root string, extensions ...string) ([]TextFile, error) {
	var out []TextFile
	err := o.FS.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != filepath.Clean(root) && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if len(extensions) > 0 && !slices.Contains(extensions, strings.ToLower(filepath.Ext(p))) {
			return nil
		}
		content, readErr := o.FS.ReadFile(p)
		if readErr != nil {
			return fmt.Errorf("read %s: %w", p, readErr)
		}
		out = append(out, TextFile{Path: p, Name: filepath.Base(p), Content: string(content)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b TextFile) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

// WriteReport writes data to path through a temporary file and a rename so
// readers never observe a half-written report. Rewriting the same report is
// harmless.
func (o Ops) WriteReport(path string, data []byte) error {
	if err := o.EnsureDir(path); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	temporaryPath := path + temporarySuffix
	if err := o.FS.WriteFile(temporaryPath, data, reportPermissions); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := o.FS.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

func (o Ops) EnsureDir(path string) error {
	return o.FS.MkdirAll(filepath.Dir(path), directoryPermissions)
}
func (o Ops) FileExists(p string) bool { _, err := o.FS.Stat(p); return err == nil }
