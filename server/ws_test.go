package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func TestHMRSocket(t *testing.T) {
	s := newHMRTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+hmrSocketURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"connected"}` {
		t.Fatalf("unexpected first message %s", data)
	}
	if s.hub.Len() != 1 {
		t.Fatalf("expected one client, got %d", s.hub.Len())
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}

	s.handleFileChanges([]string{
		filepath.Join(s.Config().Root, "notes.txt"),
		filepath.Join(s.Config().Root, "utils.js"),
	})
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Type != "update" || len(payload.Updates) != 1 || payload.Updates[0].AcceptedPath != "/main.js" {
		t.Fatalf("unexpected payload %s", data)
	}
	if !strings.Contains(string(data), `"acceptedPath":"/main.js"`) || strings.Contains(string(data), `"paths"`) {
		t.Fatalf("unexpected wire format %s", data)
	}

	res, err := http.Get(ts.URL + metricsURL)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `nobuild_hmr_directives_total{type="js-update"} 1`) {
		t.Fatalf("expected the directive counted:\n%s", body)
	}

	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for s.hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected the client removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHMRSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", hmrSocketURL, nil))
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
