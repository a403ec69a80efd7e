package sandbox

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// resolve maps a require() request made from fromDir to an absolute filename.
func (s *Sandbox) resolve(request, fromDir string) (string, error) {
	if request == "" {
		return "", &ModuleNotFoundError{Request: request, From: fromDir}
	}
	if isPathRequest(request) {
		base := request
		if !filepath.IsAbs(base) {
			base = filepath.Join(fromDir, request)
		}
		if f, ok := s.loadAsFile(base); ok {
			return f, nil
		}
		if f, ok := s.loadAsDirectory(base); ok {
			return f, nil
		}
		return "", &ModuleNotFoundError{Request: request, From: fromDir}
	}

	for _, dir := range nodeModulePaths(fromDir) {
		base := filepath.Join(dir, request)
		if f, ok := s.loadAsFile(base); ok {
			return f, nil
		}
		if f, ok := s.loadAsDirectory(base); ok {
			return f, nil
		}
	}
	return "", &ModuleNotFoundError{Request: request, From: fromDir}
}

func isPathRequest(request string) bool {
	return filepath.IsAbs(request) ||
		request == "." || request == ".." ||
		strings.HasPrefix(request, "./") ||
		strings.HasPrefix(request, "../")
}

// nodeModulePaths lists the node_modules directories searched for a bare
// request made from dir, nearest first.
func nodeModulePaths(dir string) []string {
	dir = filepath.Clean(dir)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	var paths []string
	for {
		if filepath.Base(dir) != "node_modules" {
			paths = append(paths, filepath.Join(dir, "node_modules"))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return paths
		}
		dir = parent
	}
}

func (s *Sandbox) isFile(name string) bool {
	info, err := s.fs.Stat(name)
	return err == nil && !info.IsDir()
}

func (s *Sandbox) loadAsFile(base string) (string, bool) {
	for _, candidate := range []string{base, base + ".js", base + ".json"} {
		if s.isFile(candidate) {
			return filepath.Clean(candidate), true
		}
	}
	return "", false
}

func (s *Sandbox) loadAsDirectory(dir string) (string, bool) {
	if main := s.packageMain(dir); main != "" {
		target := filepath.Join(dir, main)
		if f, ok := s.loadAsFile(target); ok {
			return f, true
		}
		if f, ok := s.loadIndex(target); ok {
			return f, true
		}
	}
	return s.loadIndex(dir)
}

func (s *Sandbox) loadIndex(dir string) (string, bool) {
	for _, candidate := range []string{"index.js", "index.json"} {
		p := filepath.Join(dir, candidate)
		if s.isFile(p) {
			return filepath.Clean(p), true
		}
	}
	return "", false
}

func (s *Sandbox) packageMain(dir string) string {
	raw, err := afero.ReadFile(s.fs, filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return ""
	}
	return pkg.Main
}
