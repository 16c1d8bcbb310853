package local

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/gomobility/pkg/calc"
)

// stage applies one instruction inside dir.
//
// Dest follows cp/ln semantics: when several sources match, when Dest ends
// in "/" or when it already is a directory, the sources are placed inside
// it under their own names; otherwise Dest names the copy or link.
func (e *Engine) stage(dir string, in calc.StageInstruction) error {
	if in.Computer != "" && in.Computer != e.computer {
		return fmt.Errorf("%w: %s", ErrForeignComputer, in.Computer)
	}
	sources, err := expandSource(in.Source)
	if err != nil {
		return err
	}
	dest, err := within(dir, in.Dest)
	if err != nil {
		return err
	}

	intoDir := len(sources) > 1 || strings.HasSuffix(in.Dest, "/") || isDir(dest)
	if intoDir {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
	} else if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	for _, src := range sources {
		target := dest
		if intoDir {
			target = filepath.Join(dest, filepath.Base(src))
		}
		switch in.Mode {
		case calc.StageSymlink:
			err = os.Symlink(src, target)
		case calc.StageCopy, "":
			err = copyPath(src, target)
		default:
			err = fmt.Errorf("unknown stage mode %q", in.Mode)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// expandSource resolves a glob source to its sorted matches. A plain path
// must exist.
func expandSource(source string) ([]string, error) {
	if !filepath.IsAbs(source) {
		return nil, fmt.Errorf("source %q is not absolute", source)
	}
	source = filepath.Clean(source)
	if !hasMeta(source) {
		if _, err := os.Lstat(source); err != nil {
			return nil, err
		}
		return []string{source}, nil
	}
	matches, err := doublestar.FilepathGlob(source)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", source, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, source)
	}
	return matches, nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// within joins a slash-separated relative path to dir and rejects results
// that leave dir.
func within(dir, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideScratch, rel)
	}
	p := filepath.Join(dir, filepath.FromSlash(rel))
	r, err := filepath.Rel(dir, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideScratch, rel)
	}
	return p, nil
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// copyPath copies a file or a directory tree. Symlinks inside a tree are
// recreated, not followed.
func copyPath(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return copyFile(src, dst, fi.Mode().Perm())
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(p, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
