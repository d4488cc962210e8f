// Package optimizer prebundles the third-party packages imported by an app
// into one ESM file per package, written to the cache directory.
package optimizer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/esm-dev/nobuild/internal/npm"
	"github.com/esm-dev/nobuild/internal/storage"
	"github.com/ije/gox/log"
	syncx "github.com/ije/gox/sync"
)

// Config is the configuration of an Optimizer.
type Config struct {
	// Root is the absolute app directory, packages resolve from its node_modules.
	Root string
	// CacheDir is the absolute output directory.
	CacheDir string
	// ExternalTypes are extension patterns the scan pass does not follow.
	ExternalTypes []string
	Alias         map[string]string
	Define        map[string]string
	// CJSLexer is one of "auto", "node" or "static".
	CJSLexer string
}

// Result is the outcome of a prebundle run.
type Result struct {
	Deps        []*Dep
	Warnings    []string
	BrowserHash string
	// Skipped is true when the previous bundle was still valid.
	Skipped bool
}

type Optimizer struct {
	config   Config
	storage  storage.Storage
	logger   *log.Logger
	meta     *metadata
	lock     sync.Mutex
	ensuring syncx.KeyedMutex
	deps     map[string]*Dep
	// OnRebundle is called after a late discovered package changed the bundle
	// of packages that were bundled before.
	OnRebundle func()
}

func New(config Config, store storage.Storage, logger *log.Logger) (*Optimizer, error) {
	if logger == nil {
		logger = &log.Logger{}
	}
	if config.CJSLexer == "" {
		config.CJSLexer = "auto"
	}
	if store == nil {
		var err error
		store, err = storage.NewFSStorage(config.CacheDir)
		if err != nil {
			return nil, err
		}
	}
	meta, err := openMetadata(filepath.Join(store.Root(), metadataFile))
	if err != nil {
		return nil, fmt.Errorf("open prebundle metadata: %w", err)
	}
	return &Optimizer{
		config:  config,
		storage: store,
		logger:  logger,
		meta:    meta,
		deps:    map[string]*Dep{},
	}, nil
}

// Run scans the entries and prebundles every bare import found. Packages that
// can not be resolved are skipped with a warning.
func (o *Optimizer) Run(ctx context.Context, entries []string) (*Result, error) {
	start := time.Now()
	specs, err := o.scan(entries)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	deps := make([]*Dep, 0, len(specs))
	for _, spec := range specs {
		dep, err := o.resolveDep(spec)
		if err != nil {
			o.logger.Warnf("[optimizer] skip %s: %v", spec, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", spec, err))
			continue
		}
		deps = append(deps, dep)
	}

	o.lock.Lock()
	defer o.lock.Unlock()

	prev, prevHash, err := o.meta.load()
	if err != nil {
		o.logger.Warnf("[optimizer] %v", err)
		prev = map[string]*Dep{}
	}
	reportVersionChanges(o.logger, prev, deps)

	result.BrowserHash = computeBrowserHash(deps)
	if result.BrowserHash == prevHash && len(prev) == len(deps) && o.outputsExist(deps) {
		for _, dep := range deps {
			if p, ok := prev[dep.Specifier]; ok {
				dep.ESM = p.ESM
			}
			o.deps[dep.Specifier] = dep
		}
		result.Deps = deps
		result.Skipped = true
		o.logger.Debugf("[optimizer] %d deps are up to date", len(deps))
		return result, nil
	}

	deps, warnings := o.bundleAll(ctx, deps)
	result.Warnings = append(result.Warnings, warnings...)
	result.Deps = deps
	result.BrowserHash = computeBrowserHash(deps)
	if err := o.meta.save(deps, result.BrowserHash); err != nil {
		return nil, err
	}
	o.deps = make(map[string]*Dep, len(deps))
	for _, dep := range deps {
		o.deps[dep.Specifier] = dep
	}
	if len(deps) > 0 {
		o.logger.Infof("[optimizer] prebundled %d deps in %v", len(deps), time.Since(start))
	}
	return result, nil
}

// Ensure prebundles a package that the scan pass missed. Concurrent calls for
// the same specifier bundle once.
func (o *Optimizer) Ensure(ctx context.Context, specifier string) error {
	unlock := o.ensuring.Lock(specifier)
	defer unlock()

	rebundle, err := o.ensure(ctx, specifier)
	if err != nil {
		return err
	}
	// called without o.lock held, the callback may read the deps
	if rebundle && o.OnRebundle != nil {
		o.OnRebundle()
	}
	return nil
}

// ensure adds the package to the bundle and reports whether packages prebundled
// earlier were bundled again.
func (o *Optimizer) ensure(ctx context.Context, specifier string) (rebundle bool, err error) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if _, ok := o.deps[specifier]; ok && o.outputsExist([]*Dep{o.deps[specifier]}) {
		return false, nil
	}
	dep, err := o.resolveDep(specifier)
	if err != nil {
		return false, err
	}

	deps := make([]*Dep, 0, len(o.deps)+1)
	for _, d := range o.deps {
		if d.Specifier != specifier {
			deps = append(deps, d)
		}
	}
	rebundle = len(deps) > 0
	deps = append(deps, dep)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Specifier < deps[j].Specifier })

	deps, warnings := o.bundleAll(ctx, deps)
	o.deps = make(map[string]*Dep, len(deps))
	for _, d := range deps {
		o.deps[d.Specifier] = d
	}
	if _, ok := o.deps[specifier]; !ok {
		return false, fmt.Errorf("failed to prebundle %s: %s", specifier, strings.Join(warnings, "; "))
	}
	if err := o.meta.save(deps, computeBrowserHash(deps)); err != nil {
		return false, err
	}
	o.logger.Infof("[optimizer] new dependency found: %s", specifier)
	return rebundle, nil
}

// Deps returns the prebundled deps sorted by specifier.
func (o *Optimizer) Deps() []*Dep {
	o.lock.Lock()
	defer o.lock.Unlock()
	deps := make([]*Dep, 0, len(o.deps))
	for _, dep := range o.deps {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Specifier < deps[j].Specifier })
	return deps
}

func (o *Optimizer) Close() error {
	return o.meta.close()
}

// bundleAll bundles the deps in one batch. If the batch fails, every package
// is bundled on its own and the failing ones are dropped.
func (o *Optimizer) bundleAll(ctx context.Context, deps []*Dep) ([]*Dep, []string) {
	if len(deps) == 0 {
		return deps, nil
	}
	written, err := o.bundle(ctx, deps)
	if err == nil {
		o.removeStaleChunks(written)
		return deps, nil
	}
	o.logger.Warnf("[optimizer] bundle failed, retry one by one: %v", err)

	var (
		ok       []*Dep
		warnings []string
		all      []string
	)
	for _, dep := range deps {
		written, err := o.bundle(ctx, []*Dep{dep})
		if err != nil {
			o.logger.Warnf("[optimizer] skip %s: %v", dep.Specifier, err)
			warnings = append(warnings, fmt.Sprintf("%s: %v", dep.Specifier, err))
			continue
		}
		all = append(all, written...)
		ok = append(ok, dep)
	}
	o.removeStaleChunks(all)
	return ok, warnings
}

func (o *Optimizer) resolveDep(specifier string) (*Dep, error) {
	entry, err := npm.ResolveEntry(o.config.Root, specifier)
	if err != nil {
		return nil, err
	}
	hash, err := hashFile(entry.File)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(o.config.Root, entry.File)
	if err != nil {
		return nil, err
	}
	return &Dep{
		Specifier: specifier,
		Entry:     filepath.ToSlash(rel),
		Version:   entry.Version,
		File:      specifier + ".js",
		Hash:      hash,
	}, nil
}

func (o *Optimizer) outputsExist(deps []*Dep) bool {
	for _, dep := range deps {
		if _, err := o.storage.Stat(dep.File); err != nil {
			return false
		}
	}
	return true
}

func reportVersionChanges(logger *log.Logger, prev map[string]*Dep, deps []*Dep) {
	for _, dep := range deps {
		old, ok := prev[dep.Specifier]
		if !ok || old.Version == dep.Version {
			continue
		}
		a, err1 := semver.NewVersion(old.Version)
		b, err2 := semver.NewVersion(dep.Version)
		switch {
		case err1 != nil || err2 != nil:
			logger.Infof("[optimizer] %s %s -> %s", dep.Specifier, old.Version, dep.Version)
		case b.LessThan(a):
			logger.Infof("[optimizer] %s downgraded %s -> %s", dep.Specifier, a, b)
		default:
			logger.Infof("[optimizer] %s upgraded %s -> %s", dep.Specifier, a, b)
		}
	}
}
