// Package registry maps repository names to their source roots and
// publication policies. The registry is read-only once loaded.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dataset-publisher/internal/models"
)

// DefaultExpiration applies to repositories that do not set one.
const DefaultExpiration = 30 * 24 * time.Hour

// Repository is a named source storage location and its policies.
type Repository struct {
	Name              string        `yaml:"name"`
	RootPath          string        `yaml:"root_path"`
	DefaultExpiration time.Duration `yaml:"default_expiration"`
	AllowedModes      []models.Mode `yaml:"allowed_modes"`
}

type file struct {
	Repositories []Repository `yaml:"repositories"`
}

// Registry resolves repositories by name.
type Registry struct {
	repos map[string]Repository
}

// Load reads a YAML registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repositories file: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes a YAML registry document. Unknown keys are rejected.
func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return New(f.Repositories...)
}

// New validates repositories and builds a registry from them.
func New(repos ...Repository) (*Registry, error) {
	reg := &Registry{repos: make(map[string]Repository, len(repos))}
	for _, repo := range repos {
		if repo.Name == "" {
			return nil, errors.New("repository without a name")
		}
		if strings.ContainsAny(repo.Name, `/\`) || repo.Name == "." || repo.Name == ".." {
			return nil, fmt.Errorf("repository name %q must be a single path segment", repo.Name)
		}
		if _, dup := reg.repos[repo.Name]; dup {
			return nil, fmt.Errorf("repository %q defined twice", repo.Name)
		}
		if !filepath.IsAbs(repo.RootPath) {
			return nil, fmt.Errorf("repository %q: root_path %q must be absolute", repo.Name, repo.RootPath)
		}
		repo.RootPath = filepath.Clean(repo.RootPath)
		if repo.DefaultExpiration <= 0 {
			repo.DefaultExpiration = DefaultExpiration
		}
		if len(repo.AllowedModes) == 0 {
			repo.AllowedModes = []models.Mode{models.ModeCopy}
		}
		for _, m := range repo.AllowedModes {
			if !m.Valid() {
				return nil, fmt.Errorf("repository %q: unknown mode %q", repo.Name, m)
			}
		}
		reg.repos[repo.Name] = repo
	}
	return reg, nil
}

// Lookup returns the named repository or a NotFoundError.
func (r *Registry) Lookup(name string) (Repository, error) {
	repo, ok := r.repos[name]
	if !ok {
		return Repository{}, &models.NotFoundError{Kind: "repository", Key: name}
	}
	return repo, nil
}

// Names lists the configured repositories in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.repos))
	for name := range r.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllowsMode reports whether the repository permits publishing in mode m.
func (r Repository) AllowsMode(m models.Mode) bool {
	for _, allowed := range r.AllowedModes {
		if allowed == m {
			return true
		}
	}
	return false
}

// Resolve maps a source path (relative to the root, or absolute) to an
// absolute path under the repository root. Paths that escape the root,
// lexically or through a symlinked ancestor, are policy violations.
func (r Repository) Resolve(sourcePath string) (string, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return "", &models.ValidationError{Field: "source_path", Reason: "must not be empty"}
	}
	abs := sourcePath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.RootPath, abs)
	}
	abs = filepath.Clean(abs)
	if !within(r.RootPath, abs) || abs == r.RootPath {
		return "", r.violation(fmt.Sprintf("source %q is outside the repository root", sourcePath))
	}

	// Ancestors may be symlinks pointing elsewhere; the source itself is
	// checked by the caller, which refuses to publish symlinks.
	realRoot, err := filepath.EvalSymlinks(r.RootPath)
	if err != nil {
		return abs, nil
	}
	realParent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return abs, nil
	}
	if !within(realRoot, filepath.Join(realParent, filepath.Base(abs))) {
		return "", r.violation(fmt.Sprintf("source %q resolves outside the repository root", sourcePath))
	}
	return abs, nil
}

// Relative returns abs relative to the repository root, slash separated.
func (r Repository) Relative(abs string) (string, error) {
	rel, err := filepath.Rel(r.RootPath, abs)
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", abs, err)
	}
	return filepath.ToSlash(rel), nil
}

func (r Repository) violation(reason string) error {
	return &models.PolicyViolationError{Repository: r.Name, Reason: reason}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// DestinationFor computes the published path of a source: files are
// named <stem>_v<version><ext> under a directory named after the repository.
func DestinationFor(repository, sourcePath string, version int) string {
	base := path.Base(filepath.ToSlash(sourcePath))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	return path.Join(repository, stem+"_v"+strconv.Itoa(version)+ext)
}
