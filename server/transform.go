package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ije/gox/log"
	syncx "github.com/ije/gox/sync"
)

// TransformPipeline answers "give me the compiled code of this url".
type TransformPipeline struct {
	container *PluginContainer
	graph     *ModuleGraph
	logger    *log.Logger
	metrics   *metrics
	inflight  syncx.KeyedMutex
	// onPrune is called with the modules that lost their last importer
	onPrune func(nodes []*ModuleNode)
}

func NewTransformPipeline(container *PluginContainer, graph *ModuleGraph, logger *log.Logger) *TransformPipeline {
	if logger == nil {
		logger = &log.Logger{}
	}
	return &TransformPipeline{
		container: container,
		graph:     graph,
		logger:    logger,
		metrics:   newMetrics(),
	}
}

// ResolveAndCompile returns the compiled module of the url. The `t` and `import`
// query markers are ignored, a cached result is returned while it is fresh.
func (p *TransformPipeline) ResolveAndCompile(ctx context.Context, rawURL string) (result *TransformResult, err error) {
	url := normalizeURL(rawURL)

	if result = p.cached(url); result != nil {
		p.metrics.transformRequests.WithLabelValues("hit").Inc()
		return result, nil
	}

	// concurrent requests of the same url share one pipeline run
	unlock := p.inflight.Lock(url)
	defer unlock()

	// check cache again after lock
	if result = p.cached(url); result != nil {
		p.metrics.transformRequests.WithLabelValues("hit").Inc()
		return result, nil
	}

	start := time.Now()
	result, err = p.compile(ctx, url)
	if err != nil {
		p.metrics.transformRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	p.metrics.transformRequests.WithLabelValues("miss").Inc()
	p.metrics.transformDuration.Observe(time.Since(start).Seconds())
	p.logger.Debugf("transform %s in %v", url, time.Since(start))
	return result, nil
}

func (p *TransformPipeline) cached(url string) *TransformResult {
	if node := p.graph.GetByURL(url); node != nil {
		return p.graph.CachedResult(node)
	}
	return nil
}

func (p *TransformPipeline) compile(ctx context.Context, url string) (*TransformResult, error) {
	resolved, err := p.container.ResolveID(ctx, url, "")
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}

	// bind the node before loading: an invalidation that lands while the
	// module is loading or transforming must be visible to the freshness check
	node, err := p.graph.EnsureEntry(ctx, url, func(context.Context, string) (string, error) {
		return resolved.ID, nil
	})
	if err != nil {
		return nil, err
	}
	startTimestamp := node.LastHMRTimestamp()

	loaded, err := p.container.Load(ctx, resolved.ID)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, fmt.Errorf("%w: could not load %s", ErrNotFound, resolved.ID)
	}

	result, err := p.container.Transform(ctx, loaded.Code, resolved.ID)
	if err != nil {
		return nil, err
	}
	if len(result.Map) == 0 {
		result.Map = loaded.Map
	}

	if result.Meta != nil {
		pruned := p.graph.UpdateImportees(node, result.Meta.Deps)
		if len(pruned) > 0 && p.onPrune != nil {
			p.onPrune(pruned)
		}
	}
	p.graph.StoreResult(node, result, startTimestamp)
	return result, nil
}
