package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ije/gox/log"
)

// ErrNotFound is returned when a specifier or an id can not be resolved or loaded.
var ErrNotFound = errors.New("not found")

// Plugin is a named set of optional hooks. A nil hook means the plugin does not
// take part in that stage, a plugin with no hooks at all is legal and ignored.
type Plugin struct {
	Name string

	// ResolveID maps a specifier (and the importer id, if any) to a module id.
	// First non-nil result wins.
	ResolveID func(ctx context.Context, specifier string, importer string) (*ResolveResult, error)

	// Load returns the raw source of a module id. First non-nil result wins.
	Load func(ctx context.Context, id string) (*LoadResult, error)

	// Transform rewrites the code of a module. Every plugin runs, in order,
	// receiving the output of the previous one. A nil result passes the input through.
	Transform func(ctx context.Context, code string, id string) (*TransformResult, error)

	// ConfigureServer is called once at startup with the server the plugin is registered to.
	ConfigureServer func(s *DevServer) error

	// TransformIndexHTML rewrites the html entry document, chained like Transform.
	TransformIndexHTML func(ctx context.Context, html string) (string, error)
}

type ResolveResult struct {
	ID string
}

type LoadResult struct {
	Code string
	Map  []byte
}

type TransformResult struct {
	Code string
	Map  []byte
	Meta *ModuleMeta
}

// ModuleMeta is what the import analysis learned about a module.
type ModuleMeta struct {
	// Deps are the ids of the modules imported by the module.
	Deps []string
	// SelfAccepting is true if the module calls `import.meta.hot.accept()` with no deps.
	SelfAccepting bool
	// AcceptedDeps are ids of deps the module accepts updates for.
	AcceptedDeps []string
}

// HookError is the error of a failed plugin hook.
type HookError struct {
	Plugin string
	Hook   string
	ID     string
	Err    error
}

func (e *HookError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("[plugin:%s] %s(%s): %v", e.Plugin, e.Hook, e.ID, e.Err)
	}
	return fmt.Sprintf("[plugin:%s] %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// PluginContainer dispatches hooks across an ordered list of plugins.
type PluginContainer struct {
	plugins []*Plugin
	logger  *log.Logger
	onError func(hook string)
}

// NewPluginContainer creates a container, the plugin order is the dispatch order.
func NewPluginContainer(plugins []*Plugin, logger *log.Logger) *PluginContainer {
	if logger == nil {
		logger = &log.Logger{}
	}
	list := make([]*Plugin, 0, len(plugins))
	for _, p := range plugins {
		if p != nil {
			list = append(list, p)
		}
	}
	return &PluginContainer{plugins: list, logger: logger}
}

// Plugins returns the registered plugins.
func (c *PluginContainer) Plugins() []*Plugin {
	return c.plugins
}

// ConfigureServer calls the `ConfigureServer` hook of every plugin once.
func (c *PluginContainer) ConfigureServer(s *DevServer) error {
	for _, p := range c.plugins {
		if p.ConfigureServer == nil {
			continue
		}
		err := c.call(p, "configureServer", "", func() error {
			return p.ConfigureServer(s)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ResolveID asks the plugins in order, the first plugin returning a result wins.
func (c *PluginContainer) ResolveID(ctx context.Context, specifier string, importer string) (*ResolveResult, error) {
	for _, p := range c.plugins {
		if p.ResolveID == nil {
			continue
		}
		var ret *ResolveResult
		err := c.call(p, "resolveId", specifier, func() (err error) {
			ret, err = p.ResolveID(ctx, specifier, importer)
			return
		})
		if err != nil {
			return nil, err
		}
		if ret != nil && ret.ID != "" {
			c.logger.Debugf("[plugin:%s] resolved %s -> %s", p.Name, specifier, ret.ID)
			return ret, nil
		}
	}
	return nil, nil
}

// Load asks the plugins in order, the first plugin returning a result wins.
func (c *PluginContainer) Load(ctx context.Context, id string) (*LoadResult, error) {
	for _, p := range c.plugins {
		if p.Load == nil {
			continue
		}
		var ret *LoadResult
		err := c.call(p, "load", id, func() (err error) {
			ret, err = p.Load(ctx, id)
			return
		})
		if err != nil {
			return nil, err
		}
		if ret != nil {
			return ret, nil
		}
	}
	return nil, nil
}

// Transform runs every transform hook in order, each one receiving the output of
// the previous. A source map is replaced only when a plugin returns a new one.
func (c *PluginContainer) Transform(ctx context.Context, code string, id string) (*TransformResult, error) {
	result := &TransformResult{Code: code}
	for _, p := range c.plugins {
		if p.Transform == nil {
			continue
		}
		var ret *TransformResult
		input := result.Code
		err := c.call(p, "transform", id, func() (err error) {
			ret, err = p.Transform(ctx, input, id)
			return
		})
		if err != nil {
			return nil, err
		}
		if ret == nil {
			continue
		}
		result.Code = ret.Code
		if len(ret.Map) > 0 {
			result.Map = ret.Map
		}
		if ret.Meta != nil {
			result.Meta = ret.Meta
		}
	}
	return result, nil
}

// TransformIndexHTML runs every `TransformIndexHTML` hook in order.
func (c *PluginContainer) TransformIndexHTML(ctx context.Context, html string) (string, error) {
	for _, p := range c.plugins {
		if p.TransformIndexHTML == nil {
			continue
		}
		input := html
		err := c.call(p, "transformIndexHtml", "", func() (err error) {
			html, err = p.TransformIndexHTML(ctx, input)
			return
		})
		if err != nil {
			return "", err
		}
	}
	return html, nil
}

// call invokes a hook, turning both errors and panics into a *HookError.
// ErrNotFound passes through untouched so callers can respond with 404.
func (c *PluginContainer) call(p *Plugin, hook string, id string, fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			c.logger.Errorf("[plugin:%s] %s panic: %v\n%s", p.Name, hook, v, debug.Stack())
			err = &HookError{Plugin: p.Name, Hook: hook, ID: id, Err: fmt.Errorf("panic: %v", v)}
		}
		if err != nil && c.onError != nil && !errors.Is(err, ErrNotFound) {
			c.onError(hook)
		}
	}()
	err = fn()
	if err != nil && !errors.Is(err, ErrNotFound) {
		var hookErr *HookError
		if !errors.As(err, &hookErr) {
			err = &HookError{Plugin: p.Name, Hook: hook, ID: id, Err: err}
		}
	}
	return
}
