package optimizer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/esm-dev/nobuild/internal/npm"
	"github.com/goccy/go-json"
	"github.com/ije/gox/set"
)

var (
	regExportsAssign      = regexp.MustCompile(`(?:^|[^\w$.])exports\.([A-Za-z_$][\w$]*)\s*=[^=]`)
	regModuleExportsProp  = regexp.MustCompile(`module\.exports\.([A-Za-z_$][\w$]*)\s*=[^=]`)
	regDefineProperty     = regexp.MustCompile(`Object\.defineProperty\(\s*(?:module\.)?exports\s*,\s*["']([A-Za-z_$][\w$]*)["']`)
	regModuleExportsObj   = regexp.MustCompile(`module\.exports\s*=\s*\{([^{}]*)\}`)
	regModuleExportsReq   = regexp.MustCompile(`module\.exports\s*=\s*require\(\s*["']([^"']+)["']\s*\)`)
	regEsbuildExportTable = regexp.MustCompile(`__export\(\s*[\w$]+\s*,\s*\{([^{}]*)\}`)
	regIdentifier         = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)
)

const maxReexportDepth = 8

// cjsExports returns the named exports of a CommonJS module, sorted and
// filtered to valid identifiers.
func (o *Optimizer) cjsExports(ctx context.Context, filename string) []string {
	if o.config.CJSLexer != "static" {
		keys, err := nodeExports(ctx, filename)
		if err == nil {
			return normalizeExportNames(keys)
		}
		if o.config.CJSLexer == "node" {
			o.logger.Warnf("[optimizer] node could not list the exports of %s: %v", filename, err)
		} else {
			o.logger.Debugf("[optimizer] node lexer failed, use the static lexer for %s: %v", filename, err)
		}
	}
	return normalizeExportNames(staticExports(filename))
}

// nodeExports requires the module with node and lists `Object.keys(module.exports)`.
func nodeExports(ctx context.Context, filename string) ([]string, error) {
	c, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(
		c,
		"node",
		"-e",
		`const m=require(process.argv[1]);process.stdout.write(JSON.stringify(m!==null&&(typeof m==="object"||typeof m==="function")?Object.keys(m):[]))`,
		filename,
	)
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	cmd.Dir = filepath.Dir(filename)
	cmd.Env = append(os.Environ(), "NODE_ENV=development")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(stdout.Bytes(), &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// staticExports finds the export names of a CommonJS module by pattern
// matching, following `module.exports = require("./x")` re-exports.
func staticExports(filename string) []string {
	names := set.New[string]()
	visited := set.New[string]()
	collectStaticExports(filename, names, visited, 0)
	return names.Values()
}

func collectStaticExports(filename string, names *set.Set[string], visited *set.Set[string], depth int) {
	if depth > maxReexportDepth || visited.Has(filename) {
		return
	}
	visited.Add(filename)
	data, err := os.ReadFile(filename)
	if err != nil {
		return
	}
	code := string(data)

	for _, reg := range []*regexp.Regexp{regExportsAssign, regModuleExportsProp, regDefineProperty} {
		for _, m := range reg.FindAllStringSubmatch(code, -1) {
			names.Add(m[1])
		}
	}
	for _, reg := range []*regexp.Regexp{regModuleExportsObj, regEsbuildExportTable} {
		for _, m := range reg.FindAllStringSubmatch(code, -1) {
			for _, name := range objectLiteralKeys(m[1]) {
				names.Add(name)
			}
		}
	}
	for _, m := range regModuleExportsReq.FindAllStringSubmatch(code, -1) {
		if target := resolveRequire(filepath.Dir(filename), m[1]); target != "" {
			collectStaticExports(target, names, visited, depth+1)
		}
	}
}

// objectLiteralKeys returns the keys of a flat object literal body like
// `a, b: c, "d": e, ...rest`.
func objectLiteralKeys(body string) []string {
	var keys []string
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "...") {
			continue
		}
		if i := strings.IndexAny(part, ":("); i >= 0 {
			part = strings.TrimSpace(part[:i])
		}
		part = strings.Trim(part, `"'`)
		if regIdentifier.MatchString(part) {
			keys = append(keys, part)
		}
	}
	return keys
}

func resolveRequire(dir string, specifier string) string {
	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") {
		filename := filepath.Join(dir, filepath.FromSlash(specifier))
		for _, f := range []string{filename, filename + ".js", filename + ".cjs", filepath.Join(filename, "index.js")} {
			if fi, err := os.Stat(f); err == nil && !fi.IsDir() {
				return f
			}
		}
		return ""
	}
	if npm.IsBareSpecifier(specifier) {
		if entry, err := npm.ResolveEntry(dir, specifier); err == nil {
			return entry.File
		}
	}
	return ""
}

func normalizeExportNames(names []string) []string {
	seen := set.New[string]()
	for _, name := range names {
		if name == "default" || name == "__esModule" || !regIdentifier.MatchString(name) {
			continue
		}
		seen.Add(name)
	}
	keys := seen.Values()
	sort.Strings(keys)
	return keys
}
