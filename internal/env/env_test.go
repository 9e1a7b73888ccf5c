package env

import (
	"slices"
	"strings"
	"testing"
)

func lookup(list []string, key string) (string, bool) {
	for _, kv := range list {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

func TestMerge_Precedence(t *testing.T) {
	e := New().WithoutOS()
	e.Set("A", "global")
	e.Set("B", "kept")
	out := e.Merge([]string{"A=launch"})
	if v, _ := lookup(out, "A"); v != "launch" {
		t.Fatalf("per-launch should win over global, got %q", v)
	}
	if v, _ := lookup(out, "B"); v != "kept" {
		t.Fatalf("global var lost: got %q", v)
	}
}

func TestMerge_OSBase(t *testing.T) {
	t.Setenv("WARDEN_ENV_TEST_BASE", "from-os")
	e := New()
	out := e.Merge(nil)
	if v, ok := lookup(out, "WARDEN_ENV_TEST_BASE"); !ok || v != "from-os" {
		t.Fatalf("expected OS base variable, got %q ok=%t", v, ok)
	}
	e.Set("WARDEN_ENV_TEST_BASE", "override")
	e.FromOS() // refresh base; override still wins
	out = e.Merge(nil)
	if v, _ := lookup(out, "WARDEN_ENV_TEST_BASE"); v != "override" {
		t.Fatalf("global should override OS base, got %q", v)
	}
}

func TestMerge_Expansion(t *testing.T) {
	e := New().WithoutOS()
	e.Set("HOST", "127.0.0.1")
	e.Set("PORT", "9180")
	out := e.Merge([]string{"ADDR=${HOST}:${PORT}"})
	if v, _ := lookup(out, "ADDR"); v != "127.0.0.1:9180" {
		t.Fatalf("expansion failed: %q", v)
	}
}

func TestMerge_MalformedEntriesSkipped(t *testing.T) {
	e := New().WithoutOS()
	out := e.Merge([]string{"=oops", "novalue", "OK=yes"})
	if slices.ContainsFunc(out, func(kv string) bool { return strings.HasPrefix(kv, "=") }) {
		t.Fatalf("empty key leaked: %v", out)
	}
	if v, ok := lookup(out, "OK"); !ok || v != "yes" {
		t.Fatalf("valid entry dropped: %v", out)
	}
	if _, ok := lookup(out, "novalue"); ok {
		t.Fatalf("entry without '=' should be skipped")
	}
}

func TestUnset(t *testing.T) {
	e := New().WithoutOS()
	e.Set("GONE", "1")
	e.Unset("GONE")
	if _, ok := lookup(e.Merge(nil), "GONE"); ok {
		t.Fatalf("unset variable still present")
	}
}

func TestExpand(t *testing.T) {
	environ := []string{"WARDEN_BACKEND_PORT=9181", "WARDEN_BACKEND_HOST=127.0.0.1"}
	got := Expand("--listen=${WARDEN_BACKEND_HOST}:${WARDEN_BACKEND_PORT}", environ)
	if got != "--listen=127.0.0.1:9181" {
		t.Fatalf("Expand = %q", got)
	}
	if got := Expand("plain", environ); got != "plain" {
		t.Fatalf("no-reference string changed: %q", got)
	}
	if got := Expand("${MISSING}", environ); got != "${MISSING}" {
		t.Fatalf("unknown reference should stay literal, got %q", got)
	}
}
