package npm

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ije/gox/utils"
	"github.com/ije/gox/valid"
)

var (
	Naming = valid.Validator{valid.Range{'a', 'z'}, valid.Range{'A', 'Z'}, valid.Range{'0', '9'}, valid.Eq('_'), valid.Eq('.'), valid.Eq('-'), valid.Eq('+'), valid.Eq('$'), valid.Eq('!')}
)

// ErrPackageNotFound is returned when a package is not installed under any node_modules directory.
var ErrPackageNotFound = errors.New("package not found")

// conditions accepted when walking the `exports` field, a browser dev build
// prefers the ESM flavours but falls back to `require` since the bundler
// can convert CommonJS.
var exportConditions = map[string]bool{
	"browser":     true,
	"development": true,
	"import":      true,
	"module":      true,
	"default":     true,
	"require":     true,
}

var bareSpecifierPattern = regexp.MustCompile(`^[\w@][^:]`)

// ValidatePackageName validates the package name.
// based on https://github.com/npm/validate-npm-package-name
func ValidatePackageName(pkgName string) bool {
	if l := len(pkgName); l == 0 || l > 214 {
		return false
	}
	if strings.HasPrefix(pkgName, "@") {
		scope, name := utils.SplitByFirstByte(pkgName, '/')
		return len(scope) > 1 && name != "" && Naming.Match(scope[1:]) && Naming.Match(name)
	}
	return Naming.Match(pkgName)
}

// IsBareSpecifier reports whether the specifier names a package rather than a path or an URL.
func IsBareSpecifier(specifier string) bool {
	if !bareSpecifierPattern.MatchString(specifier) {
		return false
	}
	// reject URL schemes like `node:fs`, `https://` or `data:`
	name, _ := utils.SplitByFirstByte(specifier, '/')
	return !strings.ContainsRune(name, ':')
}

// SplitSpecifier splits a bare specifier into the package name and the subpath.
// e.g. "react-dom/client" -> ("react-dom", "client"), "@vue/shared" -> ("@vue/shared", "")
func SplitSpecifier(specifier string) (pkgName string, subpath string) {
	if strings.HasPrefix(specifier, "@") {
		scope, rest := utils.SplitByFirstByte(specifier, '/')
		name, sub := utils.SplitByFirstByte(rest, '/')
		if name == "" {
			return specifier, ""
		}
		return scope + "/" + name, sub
	}
	return utils.SplitByFirstByte(specifier, '/')
}

// Entry is the resolved on-disk entry of a bare specifier.
type Entry struct {
	Specifier string
	PkgName   string
	Subpath   string
	Dir       string
	File      string
	Version   string
}

// ResolveEntry resolves the bare specifier to a file under the nearest
// node_modules directory of root (walking up like node does).
func ResolveEntry(root string, specifier string) (*Entry, error) {
	pkgName, subpath := SplitSpecifier(specifier)
	if !ValidatePackageName(pkgName) {
		return nil, fmt.Errorf("invalid package name '%s'", pkgName)
	}

	dir, err := findPackageDir(root, pkgName)
	if err != nil {
		return nil, err
	}

	pkg, err := ParsePackageJSONFile(filepath.Join(dir, "package.json"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if pkg == nil {
		pkg = &PackageJSON{Name: pkgName}
	}

	var file string
	if pkg.Exports.Len() > 0 {
		file = resolveExports(&pkg.Exports, "."+strings.TrimSuffix("/"+subpath, "/"))
	}
	if file == "" {
		if subpath != "" {
			file = subpath
		} else if s := pkg.Browser["."]; s != "" {
			file = s
		} else if pkg.Module != "" {
			file = pkg.Module
		} else if pkg.Main != "" {
			file = pkg.Main
		} else {
			file = "index.js"
		}
	}

	filename, ok := probeFile(filepath.Join(dir, filepath.FromSlash(file)))
	if !ok {
		return nil, fmt.Errorf("could not resolve the entry of '%s': %s not found", specifier, file)
	}
	return &Entry{
		Specifier: specifier,
		PkgName:   pkgName,
		Subpath:   subpath,
		Dir:       dir,
		File:      filename,
		Version:   pkg.Version,
	}, nil
}

func findPackageDir(root string, pkgName string) (string, error) {
	dir := root
	for {
		pkgDir := filepath.Join(dir, "node_modules", filepath.FromSlash(pkgName))
		if fi, err := os.Stat(pkgDir); err == nil && fi.IsDir() {
			return pkgDir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s", ErrPackageNotFound, pkgName)
		}
		dir = parent
	}
}

// resolveExports resolves the subpath (`.` or `./foo`) against the `exports` field.
func resolveExports(exports *JSONObject, subpath string) string {
	keys := exports.Keys()
	// a conditions object at the top level is shorthand for `{".": {...}}`
	if len(keys) > 0 && !strings.HasPrefix(keys[0], ".") {
		if subpath != "." {
			return ""
		}
		return resolveExportsTarget(*exports)
	}
	if v, ok := exports.Get(subpath); ok {
		return resolveExportsTarget(v)
	}
	for _, key := range keys {
		prefix, suffix := utils.SplitByFirstByte(key, '*')
		if len(prefix) == len(key) {
			continue
		}
		if strings.HasPrefix(subpath, prefix) && strings.HasSuffix(subpath, suffix) && len(subpath) >= len(prefix)+len(suffix) {
			v, _ := exports.Get(key)
			target := resolveExportsTarget(v)
			if target != "" {
				return strings.ReplaceAll(target, "*", subpath[len(prefix):len(subpath)-len(suffix)])
			}
		}
	}
	return ""
}

func resolveExportsTarget(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case JSONObject:
		for _, key := range t.Keys() {
			if exportConditions[key] {
				value, _ := t.Get(key)
				if s := resolveExportsTarget(value); s != "" {
					return s
				}
			}
		}
	case []any:
		for _, item := range t {
			if s := resolveExportsTarget(item); s != "" {
				return s
			}
		}
	}
	return ""
}

// probeFile tries the filename as is, with a js extension, and as a directory index.
func probeFile(filename string) (string, bool) {
	if fi, err := os.Stat(filename); err == nil {
		if !fi.IsDir() {
			return filename, true
		}
		if pkg, err := ParsePackageJSONFile(filepath.Join(filename, "package.json")); err == nil {
			main := pkg.Module
			if main == "" {
				main = pkg.Main
			}
			if main != "" {
				if f, ok := probeFile(filepath.Join(filename, filepath.FromSlash(main))); ok {
					return f, true
				}
			}
		}
		return probeFile(filepath.Join(filename, "index"))
	}
	if path.Ext(filename) == "" || !isModule(filename) {
		for _, ext := range []string{".js", ".mjs", ".cjs", ".json"} {
			if fi, err := os.Stat(filename + ext); err == nil && !fi.IsDir() {
				return filename + ext, true
			}
		}
	}
	return "", false
}
