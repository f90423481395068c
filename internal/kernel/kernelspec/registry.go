package kernelspec

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DirRegistry resolves kernel specs from a list of kernel directories. The
// scan result is cached until a watched directory changes or Invalidate is
// called. Earlier directories take precedence for duplicate names.
//
// DirRegistry is safe for concurrent use.
type DirRegistry struct {
	mu     sync.RWMutex
	dirs   []string
	cache  Specs
	logger *zap.Logger
}

// RegistryOption configures a DirRegistry.
type RegistryOption func(*DirRegistry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *DirRegistry) {
		r.logger = l
	}
}

// NewDirRegistry creates a registry over dirs. With no dirs, DefaultDirs is used.
func NewDirRegistry(dirs []string, opts ...RegistryOption) *DirRegistry {
	if len(dirs) == 0 {
		dirs = DefaultDirs()
	}
	r := &DirRegistry{
		dirs:   append([]string(nil), dirs...),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultDirs returns the conventional kernel directories: entries of
// JUPYTER_PATH, the user data directory, then system locations.
func DefaultDirs() []string {
	var dirs []string
	if jp := os.Getenv("JUPYTER_PATH"); jp != "" {
		for _, p := range filepath.SplitList(jp) {
			dirs = append(dirs, filepath.Join(p, "kernels"))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "jupyter", "kernels"))
	}
	return append(dirs, "/usr/local/share/jupyter/kernels", "/usr/share/jupyter/kernels")
}

// Dirs returns the directories searched, in precedence order.
func (r *DirRegistry) Dirs() []string {
	return append([]string(nil), r.dirs...)
}

// Specs returns all resolvable specs.
func (r *DirRegistry) Specs() (Specs, error) {
	r.mu.RLock()
	cached := r.cache
	r.mu.RUnlock()
	if cached != nil {
		return copySpecs(cached), nil
	}

	specs, err := r.scan()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache = specs
	r.mu.Unlock()
	return copySpecs(specs), nil
}

// Lookup returns the spec registered under name.
func (r *DirRegistry) Lookup(name string) (Spec, error) {
	specs, err := r.Specs()
	if err != nil {
		return Spec{}, err
	}
	spec, ok := specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return spec, nil
}

// Invalidate drops the cached scan.
func (r *DirRegistry) Invalidate() {
	r.mu.Lock()
	r.cache = nil
	r.mu.Unlock()
}

func (r *DirRegistry) scan() (Specs, error) {
	specs := make(Specs)
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read kernel dir %s: %w", dir, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, seen := specs[name]; seen {
				continue
			}
			spec, err := Load(filepath.Join(dir, name, FileName))
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					r.logger.Warn("skipping kernel spec", zap.String("dir", dir), zap.String("name", name), zap.Error(err))
				}
				continue
			}
			spec.Name = name
			specs[name] = spec
		}
	}
	return specs, nil
}

// Watch invalidates the cache whenever a kernel directory or kernel.json
// changes. It blocks until ctx is done.
func (r *DirRegistry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range r.dirs {
		if err := w.Add(dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if e.IsDir() {
				_ = w.Add(filepath.Join(dir, e.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && r.isKernelDir(ev.Name) {
				_ = w.Add(ev.Name)
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			r.logger.Debug("kernel specs changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			r.Invalidate()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("kernel spec watcher error", zap.Error(err))
		}
	}
}

// isKernelDir reports whether path is a directory directly under a registry dir.
func (r *DirRegistry) isKernelDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	parent := filepath.Clean(filepath.Dir(path))
	for _, dir := range r.dirs {
		if filepath.Clean(dir) == parent {
			return true
		}
	}
	return false
}

func copySpecs(in Specs) Specs {
	out := make(Specs, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
