package loom

import (
	"os"
	"strconv"
	"testing"
	"time"
)

func TestRangeFunction(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()

	if got := render(t, r, "range(end=3) | join(sep=',')", ctx); got != "0,1,2" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "range(start=2, end=5) | join(sep=',')", ctx); got != "2,3,4" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "range(start=0, end=6, step_by=2) | join(sep=',')", ctx); got != "0,2,4" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "range(start=5, end=0, step_by=-1) | join(sep=',')", ctx); got != "5,4,3,2,1" {
		t.Fatalf("got %q", got)
	}
}

func TestNowFunction(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()

	got, err := r.RenderString("{{ now(timestamp=true) }}", ctx)
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got == "" {
		t.Fatalf("want a non-empty unix timestamp")
	}

	got, err = r.RenderString("{{ now() }}", ctx)
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, got); err != nil {
		t.Fatalf("now() without timestamp=true should format as RFC3339, got %q: %v", got, err)
	}
}

func TestThrowFunction(t *testing.T) {
	r := NewRegistry()
	_, err := r.RenderString(`{{ throw(message="boom") }}`, NewContext())
	if err == nil {
		t.Fatalf("throw() should fail the render")
	}
}

func TestGetRandomFunction(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()
	for i := 0; i < 20; i++ {
		got, err := r.RenderString("{{ get_random(start=0, end=10) }}", ctx)
		if err != nil {
			t.Fatalf("RenderString: %v", err)
		}
		n, err := strconv.Atoi(got)
		if err != nil {
			t.Fatalf("could not parse %q as an integer: %v", got, err)
		}
		if n < 0 || n >= 10 {
			t.Fatalf("get_random(0,10) out of range: %d", n)
		}
	}
	if _, err := r.RenderString("{{ get_random(start=5, end=5) }}", NewContext()); err == nil {
		t.Fatalf("get_random should reject end<=start")
	}
}

func TestGetEnvFunction(t *testing.T) {
	r := NewRegistry()
	const key = "LOOM_TEST_GET_ENV_VAR"
	os.Setenv(key, "hello")
	defer os.Unsetenv(key)

	got, err := r.RenderString(`{{ get_env(name="`+key+`") }}`, NewContext())
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want env var value", got)
	}

	os.Unsetenv(key)
	got, err = r.RenderString(`{{ get_env(name="`+key+`", default="fallback") }}`, NewContext())
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got != "fallback" {
		t.Fatalf("got %q, want the default fallback", got)
	}

	_, err = r.RenderString(`{{ get_env(name="`+key+`") }}`, NewContext())
	if err == nil {
		t.Fatalf("get_env with an unset var and no default should error")
	}
}
