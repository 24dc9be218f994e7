package loom

import "testing"

func TestDefinedAndUndefinedTests(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()
	ctx.Insert("present", Integer(1))

	if got := render(t, r, "present is defined", ctx); got != "true" {
		t.Fatalf("present is defined => %q", got)
	}
	if got := render(t, r, "missing is defined", ctx); got != "false" {
		t.Fatalf("missing is defined => %q", got)
	}
	if got := render(t, r, "present is undefined", ctx); got != "false" {
		t.Fatalf("present is undefined => %q", got)
	}
	if got := render(t, r, "missing is undefined", ctx); got != "true" {
		t.Fatalf("missing is undefined => %q", got)
	}
	if got := render(t, r, "present is not defined", ctx); got != "false" {
		t.Fatalf("present is not defined => %q", got)
	}
}

func TestOddEvenTests(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()
	ctx.Insert("n", Integer(3))
	if got := render(t, r, "n is odd", ctx); got != "true" {
		t.Fatalf("3 is odd => %q", got)
	}
	if got := render(t, r, "n is even", ctx); got != "false" {
		t.Fatalf("3 is even => %q", got)
	}
}

func TestStringNumberObjectIterableTests(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()
	ctx.Insert("s", String("hi"))
	ctx.Insert("n", Integer(1))
	ctx.Insert("f", Float(1.5))
	ctx.Insert("arr", Array([]Value{Integer(1)}))
	ctx.Insert("obj", EmptyObject())

	if got := render(t, r, "s is string", ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "n is number", ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "f is number", ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "s is number", ctx); got != "false" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "arr is iterable", ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "obj is iterable", ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "n is iterable", ctx); got != "false" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "obj is object", ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "arr is object", ctx); got != "false" {
		t.Fatalf("got %q", got)
	}
}

func TestDivisiblebyTest(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()
	ctx.Insert("n", Integer(9))
	if got := render(t, r, "n is divisibleby(3)", ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "n is divisibleby(2)", ctx); got != "false" {
		t.Fatalf("got %q", got)
	}
	if _, err := r.RenderString("{{ n is divisibleby(0) }}", ctx); err == nil {
		t.Fatalf("divisibleby(0) should be a render error")
	}
}

func TestStringMatchTests(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()
	ctx.Insert("s", String("hello world"))

	if got := render(t, r, `s is starting_with(s="hello")`, ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, `s is ending_with(s="world")`, ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, `s is containing(x="lo wo")`, ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, `s is matching(regex="^hello")`, ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, `s is matching(regex="^world")`, ctx); got != "false" {
		t.Fatalf("got %q", got)
	}
}

func TestContainingAcrossKinds(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()
	ctx.Insert("arr", Array([]Value{Integer(1), Integer(2), Integer(3)}))
	ctx.Insert("obj", NewObject(KV{"key", Integer(1)}))

	if got := render(t, r, "arr is containing(x=2)", ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, "arr is containing(x=5)", ctx); got != "false" {
		t.Fatalf("got %q", got)
	}
	if got := render(t, r, `obj is containing(x="key")`, ctx); got != "true" {
		t.Fatalf("got %q", got)
	}
}
