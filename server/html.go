package server

import (
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/ije/gox/utils"
	"golang.org/x/net/html"
)

const clientScriptTag = `<script type="module" src="` + hmrClientURL + `"></script>`

// injectClientScript inserts the hmr client script right after `<head>`,
// or at the start of the document if there is no head element.
func injectClientScript(document string) (string, error) {
	tokenizer := html.NewTokenizer(strings.NewReader(document))
	var b strings.Builder
	injected := false
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			if err := tokenizer.Err(); err != io.EOF {
				return "", err
			}
			break
		}
		b.Write(tokenizer.Raw())
		if !injected && tt == html.StartTagToken {
			tagName, _ := tokenizer.TagName()
			if string(tagName) == "head" {
				b.WriteString(clientScriptTag)
				injected = true
			}
		}
	}
	if !injected {
		return clientScriptTag + b.String(), nil
	}
	return b.String(), nil
}

// findModuleScripts returns the root relative paths of the local
// `<script type="module" src="...">` of an html file.
func findModuleScripts(filename string, pathname string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	base := url.URL{Path: "/" + strings.TrimPrefix(pathname, "/")}
	tokenizer := html.NewTokenizer(file)
	var entries []string
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			if err := tokenizer.Err(); err != io.EOF {
				return nil, err
			}
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tagName, moreAttr := tokenizer.TagName()
		if string(tagName) != "script" {
			continue
		}
		attrs := map[string]string{}
		for moreAttr {
			var key, val []byte
			key, val, moreAttr = tokenizer.TagAttr()
			attrs[string(key)] = string(val)
		}
		src := attrs["src"]
		if attrs["type"] != "module" || src == "" || isHttpSepcifier(src) || src == hmrClientURL {
			continue
		}
		src, _ = utils.SplitByFirstByte(src, '?')
		entries = append(entries, path.Clean(base.ResolveReference(&url.URL{Path: src}).Path))
	}
	return entries, nil
}
