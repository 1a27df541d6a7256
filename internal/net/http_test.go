package net

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	server "gloomvault/server"
	"gloomvault/server/internal/net/proto"
	"gloomvault/server/internal/session"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := server.NewHub(server.DefaultConfig(), nil, nil)
	ts := httptest.NewServer(NewRouter(hub, RouterConfig{}))
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestJoinReturnsSessionContract(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/join?session=demo", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var join server.JoinResponse
	if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if join.SessionID != "demo" || join.ClientID == "" {
		t.Fatalf("join response incomplete: %+v", join)
	}
	if join.ProtoVersion != proto.Version || join.SchemaVersion != session.SchemaVersion {
		t.Fatalf("version contract wrong: %+v", join)
	}
	if len(join.Rooms) != 3 {
		t.Fatalf("rooms = %d, want 3", len(join.Rooms))
	}
	if join.WebsocketPath != "/ws" {
		t.Fatalf("websocket path = %s", join.WebsocketPath)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/join?session=nope", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestJoinRequiresSessionParam(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/join", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDiagnosticsListsSessions(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/diagnostics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		UptimeSec int `json:"uptimeSec"`
		Sessions  []struct {
			ID          string `json:"id"`
			Subscribers int    `json:"subscribers"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ID != "demo" {
		t.Fatalf("diagnostics missing sessions: %+v", body)
	}
	if body.Sessions[0].Subscribers != 0 {
		t.Fatalf("fresh relay reports %d subscribers", body.Sessions[0].Subscribers)
	}
}
