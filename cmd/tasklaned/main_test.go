package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tasklane/tasklane/internal/access"
	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/platform/changefeed"
	"github.com/tasklane/tasklane/internal/platform/env"
	"github.com/tasklane/tasklane/internal/repo/memstore"
	"github.com/tasklane/tasklane/internal/service/board"
)

func TestLoadPoliciesDefaults(t *testing.T) {
	table, err := loadPolicies("  ")
	if err != nil {
		t.Fatalf("loadPolicies() err=%v", err)
	}
	if table[access.ActionBoardCreate].MinRole != domain.RoleMaintainer {
		t.Fatalf("board.create=%+v", table[access.ActionBoardCreate])
	}
}

func TestLoadPoliciesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := []byte(`schema: tasklane.policy.v1
actions:
  - action: task.delete
    min_role: maintainer
  - action: board.read
    plan_restricted: true
`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := loadPolicies(path)
	if err != nil {
		t.Fatalf("loadPolicies() err=%v", err)
	}
	if table[access.ActionTaskDelete].MinRole != domain.RoleMaintainer {
		t.Fatalf("task.delete=%+v", table[access.ActionTaskDelete])
	}
	if !table[access.ActionBoardRead].PlanRestricted {
		t.Fatalf("board.read=%+v", table[access.ActionBoardRead])
	}

	if _, err := loadPolicies(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/tasklane")
	t.Setenv("TASKLANE_HTTP_ADDR", ":9090")
	t.Setenv("TASKLANE_LOG_LEVEL", "debug")
	t.Setenv("TASKLANE_MIGRATE", "true")

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if cfg.HTTP.Addr != ":9090" || !cfg.Migrate || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.DB.URL != "postgres://u:p@db:5432/tasklane" {
		t.Fatalf("db url=%q", cfg.DB.URL)
	}

	t.Setenv("DATABASE_MAX_IDLE_CONNS", "50")
	if err := env.Parse(&cfg); err == nil {
		t.Fatalf("expected idle > open validation error")
	}
}

func TestEngineCommitsReachChangeFeed(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	if err := store.CreateWorkspace(ctx, domain.Workspace{ID: "ws-1", Title: "Acme", Subscription: domain.Subscription{Status: domain.SubscriptionActive}}); err != nil {
		t.Fatalf("CreateWorkspace() err=%v", err)
	}
	if err := store.PutMembership(ctx, domain.Membership{WorkspaceID: "ws-1", UserID: "ana", Role: domain.RoleOwner}); err != nil {
		t.Fatalf("PutMembership() err=%v", err)
	}

	engine, hub, err := newEngine(store, access.DefaultPolicies(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newEngine() err=%v", err)
	}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	header := http.Header{}
	header.Set(changefeed.UserHeader, "ana")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/changes?workspace=ws-1", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("ws-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	workspace := domain.ContainerRef{Kind: domain.ContainerWorkspace, ID: "ws-1"}
	id, err := engine.CreateChild(ctx, access.Actor{UserID: "ana"}, workspace, board.Attrs{Title: "Roadmap"})
	if err != nil {
		t.Fatalf("CreateChild() err=%v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	var msg changefeed.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Kind != changefeed.KindCreated || msg.ItemID != id || msg.Container != "workspace/ws-1" {
		t.Fatalf("message=%+v", msg)
	}
}

func TestNewEngineRequiresStore(t *testing.T) {
	if _, _, err := newEngine(nil, access.DefaultPolicies(), slog.New(slog.NewJSONHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error for missing store")
	}
}
