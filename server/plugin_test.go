package server

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestResolveIDFirstMatch(t *testing.T) {
	var called []string
	c := NewPluginContainer([]*Plugin{
		{Name: "empty"},
		{
			Name: "skip",
			ResolveID: func(ctx context.Context, specifier string, importer string) (*ResolveResult, error) {
				called = append(called, "skip")
				return nil, nil
			},
		},
		{
			Name: "a",
			ResolveID: func(ctx context.Context, specifier string, importer string) (*ResolveResult, error) {
				called = append(called, "a")
				return &ResolveResult{ID: "/a" + specifier}, nil
			},
		},
		{
			Name: "b",
			ResolveID: func(ctx context.Context, specifier string, importer string) (*ResolveResult, error) {
				called = append(called, "b")
				return &ResolveResult{ID: "/b" + specifier}, nil
			},
		},
	}, nil)

	ret, err := c.ResolveID(context.Background(), "/x.js", "")
	if err != nil {
		t.Fatal(err)
	}
	if ret == nil || ret.ID != "/a/x.js" {
		t.Fatalf("unexpected result %v", ret)
	}
	if strings.Join(called, ",") != "skip,a" {
		t.Fatalf("expected later plugins not called, got %v", called)
	}
}

func TestLoadFirstMatch(t *testing.T) {
	later := false
	c := NewPluginContainer([]*Plugin{
		{
			Name: "virtual",
			Load: func(ctx context.Context, id string) (*LoadResult, error) {
				if id == "virtual:hello" {
					return &LoadResult{Code: "export default 'hello'"}, nil
				}
				return nil, nil
			},
		},
		{
			Name: "fs",
			Load: func(ctx context.Context, id string) (*LoadResult, error) {
				later = true
				return nil, nil
			},
		},
	}, nil)

	ret, err := c.Load(context.Background(), "virtual:hello")
	if err != nil {
		t.Fatal(err)
	}
	if ret == nil || ret.Code != "export default 'hello'" || later {
		t.Fatalf("unexpected load result %v (later plugin called: %v)", ret, later)
	}

	ret, err = c.Load(context.Background(), "/app/main.js")
	if err != nil {
		t.Fatal(err)
	}
	if ret != nil || !later {
		t.Fatal("expected no result after asking every plugin")
	}
}

func TestTransformChain(t *testing.T) {
	c := NewPluginContainer([]*Plugin{
		{
			Name: "upper",
			Transform: func(ctx context.Context, code string, id string) (*TransformResult, error) {
				return &TransformResult{Code: strings.ToUpper(code), Map: []byte(`{"version":3}`)}, nil
			},
		},
		{
			Name: "noop",
			Transform: func(ctx context.Context, code string, id string) (*TransformResult, error) {
				return nil, nil
			},
		},
		{
			Name: "suffix",
			Transform: func(ctx context.Context, code string, id string) (*TransformResult, error) {
				return &TransformResult{Code: code + ";", Meta: &ModuleMeta{SelfAccepting: true}}, nil
			},
		},
	}, nil)

	ret, err := c.Transform(context.Background(), "a", "/a.js")
	if err != nil {
		t.Fatal(err)
	}
	if ret.Code != "A;" {
		t.Fatalf("unexpected code %q", ret.Code)
	}
	if string(ret.Map) != `{"version":3}` {
		t.Fatalf("expected the source map kept, got %q", ret.Map)
	}
	if ret.Meta == nil || !ret.Meta.SelfAccepting {
		t.Fatal("expected the meta of the last plugin")
	}
}

func TestTransformIndexHTMLChain(t *testing.T) {
	c := NewPluginContainer([]*Plugin{
		{
			Name: "a",
			TransformIndexHTML: func(ctx context.Context, html string) (string, error) {
				return html + "<a>", nil
			},
		},
		{
			Name: "b",
			TransformIndexHTML: func(ctx context.Context, html string) (string, error) {
				return html + "<b>", nil
			},
		},
	}, nil)
	html, err := c.TransformIndexHTML(context.Background(), "<html>")
	if err != nil {
		t.Fatal(err)
	}
	if html != "<html><a><b>" {
		t.Fatalf("unexpected html %q", html)
	}
}

func TestHookErrors(t *testing.T) {
	failure := errors.New("boom")
	var errs []string
	c := NewPluginContainer([]*Plugin{
		{
			Name: "faulty",
			Load: func(ctx context.Context, id string) (*LoadResult, error) {
				switch id {
				case "panic":
					panic("unexpected state")
				case "error":
					return nil, failure
				case "missing":
					return nil, ErrNotFound
				}
				return &LoadResult{Code: "ok"}, nil
			},
		},
	}, nil)
	c.onError = func(hook string) { errs = append(errs, hook) }

	_, err := c.Load(context.Background(), "panic")
	var hookErr *HookError
	if !errors.As(err, &hookErr) {
		t.Fatalf("expected a HookError, got %v", err)
	}
	if hookErr.Plugin != "faulty" || hookErr.Hook != "load" || hookErr.ID != "panic" {
		t.Fatalf("unexpected hook error %+v", hookErr)
	}

	_, err = c.Load(context.Background(), "error")
	if !errors.As(err, &hookErr) || !errors.Is(err, failure) {
		t.Fatalf("expected a HookError wrapping the failure, got %v", err)
	}
	if err.Error() != "[plugin:faulty] load(error): boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	_, err = c.Load(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound unwrapped, got %v", err)
	}

	// the container is still usable after a panic
	ret, err := c.Load(context.Background(), "main.js")
	if err != nil || ret == nil || ret.Code != "ok" {
		t.Fatalf("unexpected result %v %v", ret, err)
	}

	if strings.Join(errs, ",") != "load,load" {
		t.Fatalf("expected two counted errors, got %v", errs)
	}
}

func TestConfigureServerError(t *testing.T) {
	c := NewPluginContainer([]*Plugin{
		nil,
		{
			Name: "setup",
			ConfigureServer: func(s *DevServer) error {
				return errors.New("bad config")
			},
		},
	}, nil)
	if len(c.Plugins()) != 1 {
		t.Fatal("expected nil plugins dropped")
	}
	err := c.ConfigureServer(nil)
	if err == nil || !strings.Contains(err.Error(), "[plugin:setup] configureServer") {
		t.Fatalf("unexpected error %v", err)
	}
}
