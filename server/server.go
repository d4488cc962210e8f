package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/esm-dev/nobuild/internal/optimizer"
	"github.com/esm-dev/nobuild/internal/storage"
	"github.com/ije/gox/log"
)

// DevServer serves the modules of an app directory to the browser, compiling
// them on request and pushing hot updates over a websocket.
type DevServer struct {
	config      *Config
	logger      *log.Logger
	graph       *ModuleGraph
	container   *PluginContainer
	pipeline    *TransformPipeline
	compiler    *compiler
	metrics     *metrics
	hub         *hub
	hmr         *hmrCoordinator
	optimizer   *optimizer.Optimizer
	depsStorage storage.Storage
	httpServer  *http.Server
	cancel      context.CancelFunc
}

// New creates a dev server. User plugins run after the `alias` plugin and
// before the built-in plugins.
func New(config *Config, logger *log.Logger, plugins ...*Plugin) (*DevServer, error) {
	if config == nil {
		config = DefaultConfig()
	} else if err := normalizeConfig(config); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &log.Logger{}
	}

	compiler, err := newCompiler(config)
	if err != nil {
		return nil, err
	}
	depsStorage, err := storage.NewFSStorage(config.CacheDirPath())
	if err != nil {
		compiler.close()
		return nil, fmt.Errorf("init cache directory: %w", err)
	}

	s := &DevServer{
		config:      config,
		logger:      logger,
		graph:       NewModuleGraph(),
		compiler:    compiler,
		depsStorage: depsStorage,
		hub:         newHub(logger),
	}
	s.hmr = &hmrCoordinator{s}
	s.container = NewPluginContainer(builtinPlugins(plugins), logger)
	s.pipeline = NewTransformPipeline(s.container, s.graph, logger)
	s.metrics = s.pipeline.metrics
	s.container.onError = func(hook string) {
		s.metrics.hookErrors.WithLabelValues(hook).Inc()
	}
	s.pipeline.onPrune = s.prune

	if !config.NoPrebundle {
		s.optimizer, err = optimizer.New(optimizer.Config{
			Root:          config.Root,
			CacheDir:      config.CacheDirPath(),
			ExternalTypes: config.ExternalTypes,
			Alias:         config.Alias,
			Define:        config.Define,
			CJSLexer:      config.CJSLexer,
		}, depsStorage, logger)
		if err != nil {
			compiler.close()
			return nil, err
		}
		s.optimizer.OnRebundle = s.reloadDeps
	}

	if err := s.container.ConfigureServer(s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *DevServer) Config() *Config {
	return s.config
}

func (s *DevServer) Graph() *ModuleGraph {
	return s.graph
}

func (s *DevServer) PluginContainer() *PluginContainer {
	return s.container
}

func (s *DevServer) Logger() *log.Logger {
	return s.logger
}

// Start prebundles the dependencies and starts watching the root directory.
func (s *DevServer) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.Optimize(ctx); err != nil {
		return err
	}

	if !s.config.NoWatch {
		w, err := newWatcher(s.config, s.logger, s.handleFileChanges)
		if err != nil {
			return fmt.Errorf("watch %s: %w", s.config.Root, err)
		}
		go w.run(ctx)
	}
	return nil
}

// Optimize scans the entries of the app and prebundles the third-party
// packages they import. It is a no-op returning an empty result when
// prebundling is disabled.
func (s *DevServer) Optimize(ctx context.Context) (*optimizer.Result, error) {
	if s.optimizer == nil {
		return &optimizer.Result{}, nil
	}
	entries, err := s.scanEntries()
	if err != nil {
		s.logger.Warnf("[optimizer] %v", err)
	}
	ret, err := s.optimizer.Run(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("prebundle: %w", err)
	}
	s.metrics.prebundlePackages.Set(float64(len(ret.Deps)))
	return ret, nil
}

// scanEntries returns the absolute entry files of the prebundle scan: the
// configured entries, or the module scripts of the index html.
func (s *DevServer) scanEntries() ([]string, error) {
	var entries []string
	if len(s.config.Entries) > 0 {
		for _, entry := range s.config.Entries {
			if !filepath.IsAbs(entry) {
				entry = filepath.Join(s.config.Root, filepath.FromSlash(entry))
			}
			entries = append(entries, entry)
		}
		return entries, nil
	}
	indexHTML := filepath.Join(s.config.Root, filepath.FromSlash(s.config.IndexHTML))
	if !existsFile(indexHTML) {
		return nil, nil
	}
	scripts, err := findModuleScripts(indexHTML, s.config.IndexHTML)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.config.IndexHTML, err)
	}
	for _, src := range scripts {
		if filename := probeModuleFile(s.urlToID(src)); filename != "" {
			entries = append(entries, filename)
		}
	}
	return entries, nil
}

// reloadDeps drops the cached prebundled modules and reloads the pages.
func (s *DevServer) reloadDeps() {
	if s.optimizer != nil {
		s.metrics.prebundlePackages.Set(float64(len(s.optimizer.Deps())))
	}
	var stale []*ModuleNode
	s.graph.lock.RLock()
	for _, node := range s.graph.idToModule {
		if s.isDepURL(node.URL) {
			stale = append(stale, node)
		}
	}
	s.graph.lock.RUnlock()
	if len(stale) > 0 {
		s.graph.InvalidateAll(stale)
	}
	s.metrics.hmrDirectives.WithLabelValues("full-reload").Inc()
	s.hub.broadcast(&Payload{Type: "full-reload"})
}

// ListenAndServe starts the server on the configured port and blocks until ctx
// is done or the server fails.
func (s *DevServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *DevServer) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close stops the watcher and releases the caches.
func (s *DevServer) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.compiler.close()
	if s.optimizer != nil {
		return s.optimizer.Close()
	}
	return nil
}
