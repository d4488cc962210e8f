package hmrclient

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/ije/gox/log"
	"github.com/ije/gox/utils"
)

var (
	regJSModule = regexp.MustCompile(`\.(m?[jt]sx?|mts)$`)
	regExtname  = regexp.MustCompile(`\.[a-zA-Z0-9]+$`)
)

// Importer imports the module at url, like a dynamic `import()`.
type Importer func(ctx context.Context, url string) (Module, error)

type update struct {
	Type         string `json:"type"`
	Path         string `json:"path"`
	AcceptedPath string `json:"acceptedPath"`
	Timestamp    int64  `json:"timestamp"`
}

type message struct {
	Type    string   `json:"type"`
	Updates []update `json:"updates"`
	Paths   []string `json:"paths"`
}

// Runtime applies the messages of the dev server to a Registry.
type Runtime struct {
	importer Importer
	reload   func()
	logger   *log.Logger

	lock     sync.Mutex
	registry *Registry
	tokens   map[string]uint64 // boundary + target -> latest fetch
	pinging  bool
}

// NewRuntime creates a runtime, reload is called on `full-reload`.
func NewRuntime(importer Importer, reload func(), logger *log.Logger) *Runtime {
	if logger == nil {
		logger = &log.Logger{}
	}
	return &Runtime{
		importer: importer,
		reload:   reload,
		logger:   logger,
		registry: NewRegistry(),
		tokens:   map[string]uint64{},
	}
}

// Registry returns the registry of the current connection.
func (rt *Runtime) Registry() *Registry {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	return rt.registry
}

// Handle applies a message of the server. Malformed and unknown messages are
// logged and ignored.
func (rt *Runtime) Handle(ctx context.Context, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		rt.logger.Warnf("[hmr] malformed message: %s", data)
		return
	}
	switch msg.Type {
	case "connected":
		rt.logger.Debugf("[hmr] connected")
	case "update":
		rt.applyUpdates(ctx, msg.Updates)
	case "prune":
		registry := rt.Registry()
		for _, path := range msg.Paths {
			if fn, data := registry.pruneFn(path); fn != nil {
				fn(data)
			}
		}
	case "full-reload":
		if rt.reload != nil {
			rt.reload()
		}
	default:
		rt.logger.Warnf("[hmr] unknown message: %s", data)
	}
}

// applyUpdates fetches every update first, then runs the callbacks in order.
func (rt *Runtime) applyUpdates(ctx context.Context, updates []update) {
	appliers := make([]func(), len(updates))
	var wg sync.WaitGroup
	for i, u := range updates {
		wg.Add(1)
		go func(i int, u update) {
			defer wg.Done()
			appliers[i] = rt.fetchUpdate(ctx, u)
		}(i, u)
	}
	wg.Wait()
	for _, apply := range appliers {
		if apply != nil {
			apply()
		}
	}
}

func (rt *Runtime) fetchUpdate(ctx context.Context, u update) func() {
	registry := rt.Registry()
	if !registry.has(u.AcceptedPath) {
		// the boundary is not loaded by this client
		return nil
	}

	target := u.AcceptedPath
	var callbacks []acceptCallback
	if u.Path != u.AcceptedPath {
		callbacks = registry.callbacks(u.AcceptedPath, u.Path)
	}
	if len(callbacks) > 0 {
		target = u.Path
	} else {
		callbacks = registry.callbacks(u.AcceptedPath, u.AcceptedPath)
	}
	if len(callbacks) == 0 {
		return nil
	}

	// boundaries accepting the same dep in one batch do not supersede each other
	key := u.AcceptedPath + " " + target
	rt.lock.Lock()
	rt.tokens[key]++
	token := rt.tokens[key]
	rt.lock.Unlock()

	mod, err := rt.importer(ctx, withTimestamp(target, u.Timestamp))
	if err != nil {
		rt.logger.Errorf("[hmr] failed to fetch update of %s: %v", target, err)
		return nil
	}

	rt.lock.Lock()
	latest := rt.tokens[key] == token
	rt.lock.Unlock()
	if !latest {
		// a newer update of the same module was fetched meanwhile
		return nil
	}

	return func() {
		for _, cb := range callbacks {
			mods := make([]Module, len(cb.deps))
			for i, dep := range cb.deps {
				if dep == target {
					mods[i] = mod
				}
			}
			cb.fn(mods)
		}
		if target == u.Path {
			rt.logger.Infof("[hmr] hot updated: %s", u.Path)
		} else {
			rt.logger.Infof("[hmr] hot updated: %s via %s", u.Path, u.AcceptedPath)
		}
	}
}

// Connect connects to the hmr socket of the dev server and handles its
// messages until ctx is done or the connection is lost. Every connection gets
// a new registry, dropped on disconnect.
func (rt *Runtime) Connect(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	registry := NewRegistry()
	rt.lock.Lock()
	rt.registry = registry
	rt.lock.Unlock()
	defer registry.teardown()

	var writeLock sync.Mutex
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if isConnectedMessage(data) {
			rt.startPing(conn, &writeLock, done)
		}
		go rt.Handle(ctx, data)
	}
}

func (rt *Runtime) startPing(conn *websocket.Conn, writeLock *sync.Mutex, done chan struct{}) {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	if rt.pinging {
		return
	}
	rt.pinging = true
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		defer func() {
			rt.lock.Lock()
			rt.pinging = false
			rt.lock.Unlock()
		}()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeLock.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				writeLock.Unlock()
				if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
					return
				}
			}
		}
	}()
}

func isConnectedMessage(data []byte) bool {
	var msg message
	return json.Unmarshal(data, &msg) == nil && msg.Type == "connected"
}

// withTimestamp adds the `t` query, non-js modules also get the `import` marker.
func withTimestamp(url string, timestamp int64) string {
	pathname, _ := utils.SplitByFirstByte(url, '?')
	marker := "t=" + strconv.FormatInt(timestamp, 10)
	if !regJSModule.MatchString(pathname) && regExtname.MatchString(pathname) {
		marker = "import&" + marker
	}
	if strings.ContainsRune(url, '?') {
		return url + "&" + marker
	}
	return url + "?" + marker
}
