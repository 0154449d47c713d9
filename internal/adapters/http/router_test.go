package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/dkeye/Lobby/internal/adapters/ingest"
	"github.com/dkeye/Lobby/internal/adapters/repo"
	"github.com/dkeye/Lobby/internal/app"
	"github.com/dkeye/Lobby/internal/cache"
	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/events"
	"github.com/dkeye/Lobby/internal/lobby"
)

func newRouter(t *testing.T) (*gin.Engine, *repo.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Mode: "test", Secret: "test-secret", ReadLimit: 1 << 15}
	cfg.Ingest = config.IngestConfig{Topic: "test.lifecycle", Buffer: 8}

	store := repo.NewMemory()
	store.Seed(repo.DemoRooms(time.Now())...)
	c := cache.New(config.CacheConfig{
		ListingTTL:    time.Minute,
		SearchTTL:     time.Minute,
		StatsTTL:      time.Minute,
		SearchCap:     100,
		SearchEvict:   20,
		SweepInterval: time.Minute,
	})
	registry := app.NewRegistry(nil)
	svc := lobby.NewService(store, c, events.NewBus(), lobby.WithBroadcaster(registry))

	pubsub := ingest.NewGoChannel(cfg.Ingest, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	r := SetupRouter(context.Background(), cfg, Deps{
		Lobby:    svc,
		Registry: registry,
		Ingest:   ingest.NewPublisher(pubsub, cfg.Ingest.Topic),
	})
	return r, store
}

func do(r http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestRESTQueries(t *testing.T) {
	r, _ := newRouter(t)

	tests := []struct {
		name   string
		target string
		status int
		rooms  int
	}{
		{"browse all", "/api/lobby/rooms", http.StatusOK, 3},
		{"browse by genre list", "/api/lobby/rooms?genres=jazz,lofi", http.StatusOK, 2},
		{"browse paged", "/api/lobby/rooms?limit=1&sortBy=name&sortOrder=asc", http.StatusOK, 1},
		{"browse invalid sort", "/api/lobby/rooms?sortBy=vibes", http.StatusBadRequest, 0},
		{"search", "/api/lobby/search?q=rock", http.StatusOK, 1},
		{"genre", "/api/lobby/genre/blues", http.StatusOK, 1},
		{"popular", "/api/lobby/popular?limit=2", http.StatusOK, 2},
		{"limit out of range", "/api/lobby/popular?limit=500", http.StatusBadRequest, 0},
		{"available", "/api/lobby/available", http.StatusOK, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(r, http.MethodGet, tt.target, "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if tt.status != http.StatusOK {
				if body["success"] != false || body["error"] == "" {
					t.Fatalf("error body = %v", body)
				}
				return
			}
			rooms, _ := body["rooms"].([]any)
			if len(rooms) != tt.rooms {
				t.Fatalf("rooms = %d, want %d", len(rooms), tt.rooms)
			}
		})
	}
}

func TestStatisticsAndHealth(t *testing.T) {
	r, _ := newRouter(t)

	w, body := do(r, http.MethodGet, "/api/lobby/statistics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	stats, _ := body["statistics"].(map[string]any)
	if stats["totalRooms"] != float64(3) {
		t.Fatalf("statistics = %v", stats)
	}

	w, body = do(r, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", w.Code, body)
	}
	if w, _ := do(r, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
}

func TestSessionCookieIssued(t *testing.T) {
	r, _ := newRouter(t)
	w, _ := do(r, http.MethodGet, "/healthz", "")
	found := false
	for _, c := range w.Result().Cookies() {
		if c.Name == "LobbySessions" {
			found = true
		}
	}
	if !found {
		t.Fatal("session cookie not set")
	}
}

func TestRefreshAndCleanup(t *testing.T) {
	r, store := newRouter(t)

	w, body := do(r, http.MethodPost, "/api/lobby/refresh", "")
	if w.Code != http.StatusOK || body["rooms"] != float64(3) {
		t.Fatalf("refresh = %d %v", w.Code, body)
	}

	if w, _ := do(r, http.MethodPost, "/api/lobby/cleanup?maxAge=soon", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad maxAge status = %d", w.Code)
	}
	w, body = do(r, http.MethodPost, "/api/lobby/cleanup?maxAge=5m", "")
	if w.Code != http.StatusOK || body["removed"] != float64(1) {
		t.Fatalf("cleanup = %d %v", w.Code, body)
	}
	rooms, _ := store.FindAll(context.Background())
	if len(rooms) != 2 {
		t.Fatalf("store has %d rooms after cleanup", len(rooms))
	}
}

func TestIngestEndpoint(t *testing.T) {
	r, _ := newRouter(t)

	ok := `{"type":"MemberJoined","aggregateId":"demo-jazz","occurredOn":"2024-01-01T00:00:00Z","payload":{"userId":"u1","memberCount":4}}`
	w, body := do(r, http.MethodPost, "/api/events", ok)
	if w.Code != http.StatusAccepted || body["type"] != "MemberJoined" {
		t.Fatalf("ingest = %d %v", w.Code, body)
	}

	w, body = do(r, http.MethodPost, "/api/events", `{"type":"Nope","aggregateId":"x"}`)
	if w.Code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("bad ingest = %d %v", w.Code, body)
	}
}
