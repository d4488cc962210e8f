package server

import (
	"path/filepath"
	"strings"
)

// hmrCoordinator turns file changes into update directives.
type hmrCoordinator struct {
	s *DevServer
}

// OnFileChange computes the payload of a change of the given file. It returns
// nil when the file was never served.
func (h *hmrCoordinator) OnFileChange(filename string) *Payload {
	s := h.s
	if isHTMLRequest(filename) && h.inRoot(filename) {
		return &Payload{Type: "full-reload", Path: s.idToURL(filename)}
	}

	node := s.graph.GetByID(filename)
	if node == nil {
		s.logger.Debugf("[hmr] ignore change of untracked file %s", filename)
		return nil
	}

	timestamp := s.graph.Invalidate(node)
	boundaries, chain, fullReload := s.graph.FindUpdateBoundaries(node)
	if fullReload || !isHotSwappable(node) {
		s.logger.Infof("[hmr] page reload %s", node.URL)
		return &Payload{Type: "full-reload", Path: node.URL}
	}

	// importers on the way up re-render with the new timestamp in their imports
	stale := make([]*ModuleNode, 0, len(chain)+len(boundaries))
	for _, n := range chain {
		if n != node {
			stale = append(stale, n)
		}
	}
	for _, b := range boundaries {
		if b.Node != node {
			stale = append(stale, b.Node)
		}
	}
	if len(stale) > 0 {
		s.graph.InvalidateAll(stale)
	}

	updates := make([]Update, 0, len(boundaries))
	for _, b := range boundaries {
		kind := "js-update"
		if isCSSRequest(b.Node.URL) {
			kind = "css-update"
		}
		updates = append(updates, Update{
			Type:         kind,
			Path:         node.URL,
			AcceptedPath: b.Node.URL,
			Timestamp:    timestamp,
		})
		s.logger.Infof("[hmr] hot update %s", b.Node.URL)
	}
	return &Payload{Type: "update", Updates: updates}
}

func (h *hmrCoordinator) inRoot(filename string) bool {
	rel, err := filepath.Rel(h.s.config.Root, filename)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// isHotSwappable returns false for modules that can not be re-imported in
// place, like images and fonts.
func isHotSwappable(node *ModuleNode) bool {
	return !regAssetFile.MatchString(node.ID)
}

// handleFileChanges is the watcher callback.
func (s *DevServer) handleFileChanges(files []string) {
	for _, filename := range files {
		payload := s.hmr.OnFileChange(filename)
		if payload == nil {
			continue
		}
		if payload.Type == "full-reload" {
			s.metrics.hmrDirectives.WithLabelValues("full-reload").Inc()
		} else {
			for _, u := range payload.Updates {
				s.metrics.hmrDirectives.WithLabelValues(u.Type).Inc()
			}
		}
		s.hub.broadcast(payload)
	}
}

// prune tells the clients that the modules are no longer imported.
func (s *DevServer) prune(nodes []*ModuleNode) {
	paths := make([]string, len(nodes))
	for i, n := range nodes {
		paths[i] = n.URL
	}
	s.hub.broadcast(&Payload{Type: "prune", Paths: paths})
}
