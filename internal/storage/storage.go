// Package storage persists memory documents on the filesystem: per-scope
// summary and detail files, per-session rollout summaries, and named
// skill documents. Writes are atomic (tmp + rename) and owner-only.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	summaryFile = "memory_summary.md"
	detailFile  = "MEMORY.md"
	rolloutDir  = "rollout_summaries"
	skillsDir   = "skills"
	skillFile   = "SKILL.md"
)

// ErrInvalidScope marks a project value that cannot name a scope
// directory. Unlike I/O errors, it indicates a caller bug.
var ErrInvalidScope = errors.New("invalid project scope")

// Store writes and reads memory documents under a data directory.
// An empty project argument addresses the global scope.
type Store struct {
	dataDir string
}

// New creates a store rooted at dataDir. The directory is created lazily
// on first write.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// DataDir returns the store root.
func (s *Store) DataDir() string { return s.dataDir }

// GlobalDir returns the directory holding global-scope documents.
func (s *Store) GlobalDir() string {
	return filepath.Join(s.dataDir, "global")
}

// ProjectDir resolves the directory for a project scope. It rejects any
// project value whose resolved path would escape the projects root; the
// check compares resolved absolute paths, not raw string prefixes.
func (s *Store) ProjectDir(project string) (string, error) {
	root, err := filepath.Abs(filepath.Join(s.dataDir, "projects"))
	if err != nil {
		return "", fmt.Errorf("resolve projects root: %w", err)
	}
	dir, err := filepath.Abs(filepath.Join(root, project))
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", fmt.Errorf("project %q escapes data directory: %w", project, ErrInvalidScope)
	}
	if dir == root {
		return "", fmt.Errorf("project %q resolves to the projects root: %w", project, ErrInvalidScope)
	}
	return dir, nil
}

func (s *Store) scopeDir(project string) (string, error) {
	if project == "" {
		return s.GlobalDir(), nil
	}
	return s.ProjectDir(project)
}

// WriteSummary replaces the routing summary document for a scope.
func (s *Store) WriteSummary(project, content string) error {
	dir, err := s.scopeDir(project)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, summaryFile), content)
}

// WriteDetail replaces the topic-organized detail document for a scope.
func (s *Store) WriteDetail(project, content string) error {
	dir, err := s.scopeDir(project)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, detailFile), content)
}

// ReadSummary returns the scope's summary document. The second return is
// false when the document has never been written — a normal state that
// distinguishes INIT from INCREMENTAL consolidation.
func (s *Store) ReadSummary(project string) (string, bool, error) {
	return s.readDoc(project, summaryFile)
}

// ReadDetail returns the scope's detail document, with the same absence
// semantics as ReadSummary.
func (s *Store) ReadDetail(project string) (string, bool, error) {
	return s.readDoc(project, detailFile)
}

func (s *Store) readDoc(project, name string) (string, bool, error) {
	dir, err := s.scopeDir(project)
	if err != nil {
		return "", false, err
	}
	b, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", name, err)
	}
	return string(b), true, nil
}

// WriteRollout writes a per-session rollout summary named by a sanitized
// slug. Returns the path written.
func (s *Store) WriteRollout(project, slug, content string) (string, error) {
	dir, err := s.ProjectDir(project)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, rolloutDir, SanitizeSlug(slug)+".md")
	if err := atomicWrite(path, content); err != nil {
		return "", err
	}
	return path, nil
}

// WriteSkill writes a named skill document for a scope.
func (s *Store) WriteSkill(project, name, content string) (string, error) {
	dir, err := s.scopeDir(project)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, skillsDir, SanitizeSlug(name), skillFile)
	if err := atomicWrite(path, content); err != nil {
		return "", err
	}
	return path, nil
}

// ListProjects returns the project scopes that have any documents.
func (s *Store) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "projects"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var projects []string
	for _, e := range entries {
		if e.IsDir() {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// ListRollouts returns paths of a project's rollout summaries, newest
// first.
func (s *Store) ListRollouts(project string) ([]string, error) {
	dir, err := s.ProjectDir(project)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, rolloutDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}
	type dated struct {
		path  string
		mtime int64
	}
	var files []dated
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, dated{filepath.Join(dir, rolloutDir, e.Name()), info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime > files[j].mtime })
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// ListSkills returns paths of a scope's skill documents, sorted by name.
func (s *Store) ListSkills(project string) ([]string, error) {
	dir, err := s.scopeDir(project)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, skillsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	var paths []string
	for _, e := range entries {
		p := filepath.Join(dir, skillsDir, e.Name(), skillFile)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// RemoveProject deletes all documents for a project scope.
func (s *Store) RemoveProject(project string) error {
	dir, err := s.ProjectDir(project)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// RemoveAll deletes every project and global document.
func (s *Store) RemoveAll() error {
	if err := os.RemoveAll(filepath.Join(s.dataDir, "projects")); err != nil {
		return err
	}
	return os.RemoveAll(s.GlobalDir())
}

var (
	slugBad  = regexp.MustCompile(`[^\w\-]`)
	slugDash = regexp.MustCompile(`-{2,}`)
)

// SanitizeSlug makes a string safe for use as a file name. Dots are
// stripped along with everything else outside [\w-], which also blocks
// ".." traversal.
func SanitizeSlug(slug string) string {
	slug = slugBad.ReplaceAllString(slug, "-")
	slug = slugDash.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 120 {
		slug = slug[:120]
	}
	if slug == "" {
		return "unnamed"
	}
	return slug
}

// atomicWrite writes content to path via a sibling temp file and rename,
// so readers never observe a partial document. Files are 0600.
func atomicWrite(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
