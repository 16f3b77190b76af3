// Package sandbox is the content-access service: a filesystem reader that
// never resolves a path outside the target project root.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
)

// DefaultDeniedPatterns flag sensitive files.
var DefaultDeniedPatterns = []string{".env", "*.key", ".git/*"}

// DefaultMaxBytes caps how much of a single file Read returns.
const DefaultMaxBytes = 1 << 20

// Entry is one directory listing row.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Result is the outcome of a Read: file content or directory entries.
type Result struct {
	Path     string   `json:"path"`
	IsDir    bool     `json:"is_dir"`
	Content  string   `json:"content,omitempty"`
	Entries  []Entry  `json:"entries,omitempty"`
	Warnings []string `json:"warnings"`
}

// Reader resolves and reads paths relative to a project root.
type Reader struct {
	// Denied patterns produce warnings, or ErrPathForbidden when Strict.
	Denied   []string
	Strict   bool
	MaxBytes int64
	// Audit is optional; when set every security violation is recorded.
	Audit  *audit.Recorder
	Logger zerolog.Logger
}

// NewReader creates a non-strict Reader with the default patterns.
func NewReader(rec *audit.Recorder, logger zerolog.Logger) *Reader {
	return &Reader{
		Denied:   DefaultDeniedPatterns,
		MaxBytes: DefaultMaxBytes,
		Audit:    rec,
		Logger:   logger,
	}
}

// Resolve maps rel onto root and returns the absolute, symlink-free path plus
// any sensitive-path warnings. The path does not need to exist yet; its
// deepest existing ancestor is what gets symlink-checked.
func (r *Reader) Resolve(ctx context.Context, root, rel string) (string, []string, error) {
	resolved, warnings, err := r.resolve(root, rel)
	if err != nil && domain.IsSecurityViolation(err) {
		r.reportViolation(ctx, root, rel, err)
	}
	return resolved, warnings, err
}

func (r *Reader) resolve(root, rel string) (string, []string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", nil, domain.ErrPathNullByte
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", nil, domain.ErrPathAbsolute
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", nil, domain.ErrPathEscape
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", nil, fmt.Errorf("resolve root: %w", err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", nil, fmt.Errorf("resolve root: %w", err)
	}

	real, err := evalExisting(filepath.Join(rootReal, cleaned))
	if err != nil {
		return "", nil, err
	}
	if !within(rootReal, real) {
		return "", nil, domain.ErrSymlinkEscape
	}

	var warnings []string
	for _, pattern := range r.Denied {
		matched, err := matchPattern(pattern, filepath.ToSlash(cleaned))
		if err != nil {
			return "", nil, fmt.Errorf("match denied pattern %q: %w", pattern, err)
		}
		if !matched {
			continue
		}
		if r.Strict {
			return "", nil, domain.NewEngineError(domain.ErrPathForbidden.Code,
				fmt.Sprintf("%s: %s matches %s", domain.ErrPathForbidden.Message, rel, pattern))
		}
		warnings = append(warnings, fmt.Sprintf("%s matches sensitive pattern %s", filepath.ToSlash(cleaned), pattern))
	}
	return real, warnings, nil
}

// Read returns the content of a file or the entries of a directory.
func (r *Reader) Read(ctx context.Context, root, rel string) (*Result, error) {
	path, warnings, err := r.Resolve(ctx, root, rel)
	if err != nil {
		return nil, err
	}
	res := &Result{Path: filepath.ToSlash(filepath.Clean(rel)), Warnings: warnings}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		res.IsDir = true
		dirents, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", rel, err)
		}
		for _, d := range dirents {
			e := Entry{Name: d.Name(), IsDir: d.IsDir()}
			if fi, err := d.Info(); err == nil && !d.IsDir() {
				e.Size = fi.Size()
			}
			res.Entries = append(res.Entries, e)
		}
		sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].Name < res.Entries[j].Name })
		return res, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	limit := r.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	if int64(len(data)) > limit {
		data = data[:limit]
		res.Warnings = append(res.Warnings, fmt.Sprintf("content truncated to %d bytes", limit))
	}
	res.Content = string(data)
	return res, nil
}

func (r *Reader) reportViolation(ctx context.Context, root, rel string, cause error) {
	r.Logger.Warn().Err(cause).Str("root", root).Str("path", rel).Msg("content access rejected")
	if r.Audit == nil {
		return
	}
	if _, err := r.Audit.Record(ctx, audit.Entry{
		Action:   audit.ActionSecurityViolation,
		TargetID: rel,
		Details:  map[string]any{"root": root, "path": rel, "error": cause.Error()},
	}); err != nil {
		r.Logger.Error().Err(err).Msg("record security violation")
	}
}

// evalExisting resolves symlinks on the deepest existing prefix of path and
// re-appends the missing tail.
func evalExisting(path string) (string, error) {
	var tail []string
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				real = filepath.Join(real, tail[i])
			}
			return real, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// matchPattern checks a slash-separated relative path against a pattern.
// Supports exact and base-name matches, globs on the full path and base name,
// and "dir/*" patterns matching any path under a segment named dir.
func matchPattern(pattern, path string) (bool, error) {
	if path == pattern {
		return true, nil
	}
	base := filepath.Base(path)
	if base == pattern {
		return true, nil
	}
	matched, err := filepath.Match(pattern, path)
	if err != nil || matched {
		return matched, err
	}
	matched, err = filepath.Match(pattern, base)
	if err != nil || matched {
		return matched, err
	}
	if dir, ok := strings.CutSuffix(pattern, "/*"); ok {
		segments := strings.Split(path, "/")
		for _, seg := range segments[:len(segments)-1] {
			if seg == dir {
				return true, nil
			}
		}
	}
	return false, nil
}
