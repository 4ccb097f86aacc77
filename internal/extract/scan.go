package extract

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScanOptions control directory traversal.
type ScanOptions struct {
	Recursive      bool
	MaxDepth       int
	FollowSymlinks bool
	Formats        []string
}

// Scanner finds supported image files under a directory.
type Scanner struct {
	opts    ScanOptions
	formats map[string]bool
}

// NewScanner creates a scanner. A MaxDepth of zero or less means unlimited
// depth when Recursive is set.
func NewScanner(opts ScanOptions) *Scanner {
	return &Scanner{opts: opts, formats: formatSet(opts.Formats)}
}

// Scan returns the image files under dir in lexical order.
func (s *Scanner) Scan(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cannot scan %s: not a directory", dir)
	}

	var files []string
	visited := map[string]bool{}
	if err := s.walk(dir, 0, visited, &files); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (s *Scanner) walk(dir string, depth int, visited map[string]bool, files *[]string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	if visited[resolved] {
		return nil
	}
	visited[resolved] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		mode := entry.Type()
		if mode&fs.ModeSymlink != 0 {
			if !s.opts.FollowSymlinks {
				continue
			}
			target, err := os.Stat(path)
			if err != nil {
				continue
			}
			mode = target.Mode().Type()
		}

		switch {
		case mode.IsDir():
			if !s.opts.Recursive || (s.opts.MaxDepth > 0 && depth+1 > s.opts.MaxDepth) {
				continue
			}
			if err := s.walk(path, depth+1, visited, files); err != nil {
				return err
			}
		case mode.IsRegular():
			if s.formats[strings.ToLower(filepath.Ext(path))] {
				*files = append(*files, path)
			}
		}
	}
	return nil
}
