// Package hmrclient is a Go implementation of the hmr client runtime, it
// keeps the accept and prune callbacks of the modules loaded by a client and
// applies the update directives pushed by the dev server.
package hmrclient

import (
	"sync"
)

// Module is a freshly imported module, whatever the Importer returns.
type Module any

type acceptCallback struct {
	deps []string
	fn   func(mods []Module)
}

type hotModule struct {
	callbacks []acceptCallback
}

// Registry holds the hot contexts of one client connection.
type Registry struct {
	lock    sync.RWMutex
	modules map[string]*hotModule
	prune   map[string]func(data map[string]any)
	data    map[string]map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		modules: map[string]*hotModule{},
		prune:   map[string]func(data map[string]any){},
		data:    map[string]map[string]any{},
	}
}

// CreateHotContext returns the hot context of the module url. A module
// executed again (after an update) starts with no callbacks, the data of the
// previous instance is kept.
func (r *Registry) CreateHotContext(url string) *HotContext {
	r.lock.Lock()
	defer r.lock.Unlock()
	if mod, ok := r.modules[url]; ok {
		mod.callbacks = nil
	}
	if _, ok := r.data[url]; !ok {
		r.data[url] = map[string]any{}
	}
	return &HotContext{url: url, registry: r}
}

// callbacks returns the callbacks of the module that list dep in their deps.
func (r *Registry) callbacks(url string, dep string) []acceptCallback {
	r.lock.RLock()
	defer r.lock.RUnlock()
	mod, ok := r.modules[url]
	if !ok {
		return nil
	}
	var ret []acceptCallback
	for _, cb := range mod.callbacks {
		for _, d := range cb.deps {
			if d == dep {
				ret = append(ret, cb)
				break
			}
		}
	}
	return ret
}

func (r *Registry) has(url string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.modules[url]
	return ok
}

func (r *Registry) pruneFn(url string) (func(data map[string]any), map[string]any) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.prune[url], r.data[url]
}

// teardown drops every registered callback.
func (r *Registry) teardown() {
	r.lock.Lock()
	defer r.lock.Unlock()
	clear(r.modules)
	clear(r.prune)
	clear(r.data)
}

// HotContext is the `import.meta.hot` of a module.
type HotContext struct {
	url      string
	registry *Registry
}

func (h *HotContext) URL() string {
	return h.url
}

// Accept makes the module self-accepting, fn receives the new instance.
func (h *HotContext) Accept(fn func(mod Module)) {
	h.accept([]string{h.url}, func(mods []Module) {
		if fn != nil {
			fn(mods[0])
		}
	})
}

// AcceptDeps accepts updates of the given deps (module urls), fn receives one
// module per dep, nil for the deps that were not updated.
func (h *HotContext) AcceptDeps(deps []string, fn func(mods []Module)) {
	h.accept(append([]string(nil), deps...), fn)
}

func (h *HotContext) accept(deps []string, fn func(mods []Module)) {
	r := h.registry
	r.lock.Lock()
	defer r.lock.Unlock()
	mod, ok := r.modules[h.url]
	if !ok {
		mod = &hotModule{}
		r.modules[h.url] = mod
	}
	mod.callbacks = append(mod.callbacks, acceptCallback{deps: deps, fn: fn})
}

// Prune registers the cleanup of the module, called when no module imports it anymore.
func (h *HotContext) Prune(fn func(data map[string]any)) {
	r := h.registry
	r.lock.Lock()
	defer r.lock.Unlock()
	r.prune[h.url] = fn
}

// Data is kept across the instances of the module.
func (h *HotContext) Data() map[string]any {
	r := h.registry
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.data[h.url]
}
