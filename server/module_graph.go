package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ModuleNode is a module in the graph. ID and URL never change after creation,
// every other field is guarded by the graph lock.
type ModuleNode struct {
	ID  string
	URL string

	graph            *ModuleGraph
	importers        map[*ModuleNode]struct{}
	importees        map[*ModuleNode]struct{}
	acceptedDeps     map[*ModuleNode]struct{}
	selfAccepting    bool
	lastHMRTimestamp int64
	result           *TransformResult
	resultTimestamp  int64
}

// Importers returns the modules importing this module, sorted by url.
func (n *ModuleNode) Importers() []*ModuleNode {
	n.graph.lock.RLock()
	defer n.graph.lock.RUnlock()
	return sortedNodes(n.importers)
}

// Importees returns the modules imported by this module, sorted by url.
func (n *ModuleNode) Importees() []*ModuleNode {
	n.graph.lock.RLock()
	defer n.graph.lock.RUnlock()
	return sortedNodes(n.importees)
}

func (n *ModuleNode) LastHMRTimestamp() int64 {
	n.graph.lock.RLock()
	defer n.graph.lock.RUnlock()
	return n.lastHMRTimestamp
}

func (n *ModuleNode) IsSelfAccepting() bool {
	n.graph.lock.RLock()
	defer n.graph.lock.RUnlock()
	return n.selfAccepting
}

// ModuleGraph tracks served modules and the import edges between them.
type ModuleGraph struct {
	lock          sync.RWMutex
	idToModule    map[string]*ModuleNode
	urlToModule   map[string]*ModuleNode
	lastTimestamp int64
	now           func() int64
}

func NewModuleGraph() *ModuleGraph {
	return &ModuleGraph{
		idToModule:  map[string]*ModuleNode{},
		urlToModule: map[string]*ModuleNode{},
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// GetByID returns the node of the module id or nil.
func (g *ModuleGraph) GetByID(id string) *ModuleNode {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.idToModule[id]
}

// GetByURL returns the node bound to the url or nil.
func (g *ModuleGraph) GetByURL(url string) *ModuleNode {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.urlToModule[url]
}

// Len returns the number of modules in the graph.
func (g *ModuleGraph) Len() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return len(g.idToModule)
}

// EnsureEntry returns the node bound to url, resolving the url to a module id
// with the given resolver and creating the node when it is seen the first time.
func (g *ModuleGraph) EnsureEntry(ctx context.Context, url string, resolve func(ctx context.Context, url string) (string, error)) (*ModuleNode, error) {
	if node := g.GetByURL(url); node != nil {
		return node, nil
	}

	// resolve without holding the lock, resolvers may hit the disk
	id, err := resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNotFound
	}

	g.lock.Lock()
	defer g.lock.Unlock()
	if node, ok := g.urlToModule[url]; ok {
		return node, nil
	}
	node, ok := g.idToModule[id]
	if !ok {
		node = &ModuleNode{
			ID:           id,
			URL:          url,
			graph:        g,
			importers:    map[*ModuleNode]struct{}{},
			importees:    map[*ModuleNode]struct{}{},
			acceptedDeps: map[*ModuleNode]struct{}{},
		}
		g.idToModule[id] = node
	}
	g.urlToModule[url] = node
	return node, nil
}

// UpdateImportees replaces the importee set of node with the modules of the
// given ids, keeping the importer backlinks consistent. Ids without a node are
// ignored. It returns the former importees that are left without any importer.
func (g *ModuleGraph) UpdateImportees(node *ModuleNode, ids []string) (pruned []*ModuleNode) {
	g.lock.Lock()
	defer g.lock.Unlock()

	next := make(map[*ModuleNode]struct{}, len(ids))
	for _, id := range ids {
		if dep, ok := g.idToModule[id]; ok {
			next[dep] = struct{}{}
		}
	}
	for dep := range node.importees {
		if _, ok := next[dep]; !ok {
			delete(dep.importers, node)
			if len(dep.importers) == 0 {
				pruned = append(pruned, dep)
			}
		}
	}
	for dep := range next {
		dep.importers[node] = struct{}{}
	}
	node.importees = next
	sort.Slice(pruned, func(i, j int) bool { return pruned[i].URL < pruned[j].URL })
	return
}

// Invalidate clears the cached result of node and bumps its timestamp. The
// returned timestamp is strictly greater than every timestamp handed out before.
func (g *ModuleGraph) Invalidate(node *ModuleNode) int64 {
	g.lock.Lock()
	defer g.lock.Unlock()
	ts := g.nextTimestamp()
	g.invalidate(node, ts)
	return ts
}

// InvalidateAll invalidates nodes with one shared timestamp.
func (g *ModuleGraph) InvalidateAll(nodes []*ModuleNode) int64 {
	g.lock.Lock()
	defer g.lock.Unlock()
	ts := g.nextTimestamp()
	for _, node := range nodes {
		g.invalidate(node, ts)
	}
	return ts
}

func (g *ModuleGraph) invalidate(node *ModuleNode, ts int64) {
	node.result = nil
	if ts > node.lastHMRTimestamp {
		node.lastHMRTimestamp = ts
	}
}

func (g *ModuleGraph) nextTimestamp() int64 {
	ts := g.now()
	if ts <= g.lastTimestamp {
		ts = g.lastTimestamp + 1
	}
	g.lastTimestamp = ts
	return ts
}

// CachedResult returns the cached transform result of node, only if it was
// computed after the latest invalidation.
func (g *ModuleGraph) CachedResult(node *ModuleNode) *TransformResult {
	g.lock.RLock()
	defer g.lock.RUnlock()
	if node.result != nil && node.resultTimestamp == node.lastHMRTimestamp {
		return node.result
	}
	return nil
}

// StoreResult writes the result computed for node. startTimestamp is the node's
// lastHMRTimestamp when the computation started: a result that raced with an
// invalidation is still stored but never treated as fresh.
func (g *ModuleGraph) StoreResult(node *ModuleNode, result *TransformResult, startTimestamp int64) {
	g.lock.Lock()
	defer g.lock.Unlock()
	node.result = result
	node.resultTimestamp = startTimestamp
	if meta := result.Meta; meta != nil {
		node.selfAccepting = meta.SelfAccepting
		node.acceptedDeps = make(map[*ModuleNode]struct{}, len(meta.AcceptedDeps))
		for _, id := range meta.AcceptedDeps {
			if dep, ok := g.idToModule[id]; ok {
				node.acceptedDeps[dep] = struct{}{}
			}
		}
	}
}

// UpdateBoundary is a module that accepts an update coming from a dependency.
type UpdateBoundary struct {
	Node        *ModuleNode
	AcceptedVia *ModuleNode
}

// FindUpdateBoundaries walks importer edges upward from node, breadth first.
// A path ends at the first module accepting the module it came from (or itself).
// If any path reaches a module without importers, fullReload is true.
// chain holds every module that was passed through, node included.
func (g *ModuleGraph) FindUpdateBoundaries(node *ModuleNode) (boundaries []UpdateBoundary, chain []*ModuleNode, fullReload bool) {
	if node == nil {
		return nil, nil, false
	}

	g.lock.RLock()
	defer g.lock.RUnlock()

	type step struct {
		node *ModuleNode
		via  *ModuleNode
	}
	var (
		queue    = []step{{node: node}}
		expanded = map[*ModuleNode]bool{}
		found    = map[*ModuleNode]bool{}
	)
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		n := s.node

		accepted := n.selfAccepting
		if !accepted && s.via != nil {
			_, accepted = n.acceptedDeps[s.via]
		}
		if accepted {
			if !found[n] {
				found[n] = true
				via := s.via
				if via == nil {
					via = n
				}
				boundaries = append(boundaries, UpdateBoundary{Node: n, AcceptedVia: via})
			}
			continue
		}

		if expanded[n] {
			continue
		}
		expanded[n] = true
		chain = append(chain, n)

		if len(n.importers) == 0 {
			return nil, chain, true
		}
		for _, importer := range sortedNodes(n.importers) {
			queue = append(queue, step{node: importer, via: n})
		}
	}

	// every path ended in an import cycle without acceptance
	if len(boundaries) == 0 {
		return nil, chain, true
	}
	return boundaries, chain, false
}

func sortedNodes(set map[*ModuleNode]struct{}) []*ModuleNode {
	nodes := make([]*ModuleNode, 0, len(set))
	for n := range set {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].URL < nodes[j].URL })
	return nodes
}
