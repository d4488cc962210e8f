package server

import (
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/ije/gox/utils"
)

var (
	regQueryString = regexp.MustCompile(`[?#].*$`)
	regJSRequest   = regexp.MustCompile(`\.(m?[jt]sx?|mts)($|\?)`)
	regCSSRequest  = regexp.MustCompile(`\.css($|\?)`)
	regImportQuery = regexp.MustCompile(`(\?|&)import(?:&|=|$)`)
	regHTMLRequest = regexp.MustCompile(`\.html?($|\?)`)
)

// cleanURL strips the query and the hash of the given url.
func cleanURL(u string) string {
	return regQueryString.ReplaceAllString(u, "")
}

// normalizeURL strips the `t` and `import` query markers, other query params are kept.
func normalizeURL(u string) string {
	pathname, query := utils.SplitByFirstByte(u, '?')
	if query == "" {
		return pathname
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return pathname
	}
	values.Del("t")
	values.Del("import")
	if len(values) == 0 {
		return pathname
	}
	return pathname + "?" + values.Encode()
}

// isJSRequest returns true for urls that are served as javascript modules,
// extension-less urls are treated as js like browsers do for `import "./foo"`.
func isJSRequest(u string) bool {
	u = cleanURL(u)
	if regJSRequest.MatchString(u) {
		return true
	}
	return path.Ext(u) == "" && !strings.HasSuffix(u, "/")
}

func isCSSRequest(u string) bool {
	return regCSSRequest.MatchString(u)
}

func isHTMLRequest(u string) bool {
	return regHTMLRequest.MatchString(cleanURL(u))
}

// isImportRequest returns true if the url was rewritten with the `?import` marker.
func isImportRequest(u string) bool {
	return regImportQuery.MatchString(u)
}

// isInternalRequest returns true for the `/@...` urls served by the dev server itself.
func isInternalRequest(u string) bool {
	return strings.HasPrefix(u, "/@") && !strings.HasPrefix(u, "/@fs/")
}

// containsDotDot reports whether any segment of the url path is `..`.
func containsDotDot(pathname string) bool {
	if !strings.Contains(pathname, "..") {
		return false
	}
	for _, seg := range strings.Split(pathname, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// isHttpSepcifier returns true if the specifier is a remote URL.
func isHttpSepcifier(specifier string) bool {
	return strings.HasPrefix(specifier, "https://") || strings.HasPrefix(specifier, "http://")
}

// isRelPathSpecifier returns true if the specifier is a local path.
func isRelPathSpecifier(specifier string) bool {
	return strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || specifier == "." || specifier == ".."
}

// isAbsPathSpecifier returns true if the specifier is an absolute path.
func isAbsPathSpecifier(specifier string) bool {
	return strings.HasPrefix(specifier, "/")
}

// hasURLScheme returns true for specifiers like `data:...`, `blob:...` or `https://...`.
func hasURLScheme(specifier string) bool {
	scheme, rest := utils.SplitByFirstByte(specifier, ':')
	if len(scheme) == len(specifier) || rest == "" || len(scheme) < 2 {
		return false
	}
	for _, c := range scheme {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}

func existsFile(filename string) bool {
	fi, err := os.Stat(filename)
	return err == nil && !fi.IsDir()
}
