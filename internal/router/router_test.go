package router

import "testing"

func TestRouteFound(t *testing.T) {
	r := New(map[string]string{"a": "backend-a", "b": "backend-b"}, "a")
	got, err := r.Route("b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "backend-b" {
		t.Fatalf("expected backend-b, got %s", got)
	}
}

func TestRouteFallsBack(t *testing.T) {
	r := New(map[string]string{"a": "backend-a"}, "a")
	got, err := r.Route("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "backend-a" {
		t.Fatalf("expected fallback backend-a, got %s", got)
	}
}

func TestRouteNoFallback(t *testing.T) {
	r := New(map[string]string{}, "missing")
	if _, err := r.Route("x"); err == nil {
		t.Fatal("expected error when no backend and no fallback")
	}
}

func TestHasAndEngines(t *testing.T) {
	r := New(map[string]string{"a": "x", "b": "y"}, "a")
	if !r.Has("a") || r.Has("z") {
		t.Fatal("Has returned wrong result")
	}
	if len(r.Engines()) != 2 {
		t.Fatalf("expected 2 engines, got %d", len(r.Engines()))
	}
}
