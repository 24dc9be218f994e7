package loom

import "testing"

func TestValueTruth(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Null(), false},
		{Bool(false), false},
		{Bool(true), true},
		{Integer(0), false},
		{Integer(1), true},
		{Float(0), false},
		{Float(1.5), true},
		{String(""), false},
		{String("x"), true},
		{Array(nil), false},
		{Array([]Value{Integer(1)}), true},
		{EmptyObject(), false},
		{NewObject(KV{"a", Integer(1)}), true},
	}
	for _, c := range cases {
		if got := c.v.Truth(); got != c.want {
			t.Fatalf("Truth(%#v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestValueEqual(t *testing.T) {
	if !Integer(3).Equal(Float(3.0)) {
		t.Fatalf("Integer(3) should equal Float(3.0)")
	}
	if Integer(3).Equal(Float(3.1)) {
		t.Fatalf("Integer(3) should not equal Float(3.1)")
	}
	if Float(nanValue()).Equal(Float(nanValue())) {
		t.Fatalf("NaN must never equal NaN")
	}
	a := Array([]Value{Integer(1), String("x")})
	b := Array([]Value{Integer(1), String("x")})
	if !a.Equal(b) {
		t.Fatalf("equal arrays compared unequal")
	}
	o1 := NewObject(KV{"a", Integer(1)}, KV{"b", Integer(2)})
	o2 := NewObject(KV{"b", Integer(2)}, KV{"a", Integer(1)})
	if !o1.Equal(o2) {
		t.Fatalf("objects with same keys in different insertion order should still be Equal")
	}
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func TestValueCompare(t *testing.T) {
	c, ok := Integer(1).Compare(Integer(2))
	if !ok || c >= 0 {
		t.Fatalf("Integer(1).Compare(Integer(2)) = %d,%v", c, ok)
	}
	c, ok = String("a").Compare(String("b"))
	if !ok || c >= 0 {
		t.Fatalf("String(a).Compare(String(b)) = %d,%v", c, ok)
	}
	if _, ok := Bool(true).Compare(Bool(false)); ok {
		t.Fatalf("Bool/Bool comparison should report ordering undefined")
	}
}

func TestValueString(t *testing.T) {
	if String("hi").String() != "hi" {
		t.Fatalf("string stringification broken")
	}
	if Integer(42).String() != "42" {
		t.Fatalf("integer stringification broken")
	}
	if Float(1.0).String() != "1.0" {
		t.Fatalf("want integral float to keep a trailing .0, got %q", Float(1.0).String())
	}
	if Float(1.5).String() != "1.5" {
		t.Fatalf("got %q", Float(1.5).String())
	}
	arr := Array([]Value{Integer(1), Integer(2)})
	if arr.String() != "[1,2]" {
		t.Fatalf("array stringification: got %q", arr.String())
	}
}

func TestObjectOrderPreserved(t *testing.T) {
	obj := EmptyObject()
	obj.Set("z", Integer(1))
	obj.Set("a", Integer(2))
	obj.Set("z", Integer(3))
	want := []string{"z", "a"}
	got := obj.Keys()
	if len(got) != len(want) {
		t.Fatalf("got keys %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got keys %v, want %v", got, want)
		}
	}
	v, ok := obj.Get("z")
	if !ok || v.i != 3 {
		t.Fatalf("Set should overwrite in place, got %#v", v)
	}
}

func TestObjectRemove(t *testing.T) {
	obj := NewObject(KV{"a", Integer(1)}, KV{"b", Integer(2)})
	obj.Remove("a")
	if _, ok := obj.Get("a"); ok {
		t.Fatalf("key 'a' should be gone after Remove")
	}
	if len(obj.Keys()) != 1 {
		t.Fatalf("want 1 key left, got %v", obj.Keys())
	}
}

func TestValueExtendMerge(t *testing.T) {
	dst := NewObject(KV{"a", Integer(1)}, KV{"nested", NewObject(KV{"x", Integer(1)})})
	src := NewObject(KV{"b", Integer(2)}, KV{"nested", NewObject(KV{"y", Integer(2)})})
	dst.Extend(src)
	if _, ok := dst.Get("b"); !ok {
		t.Fatalf("Extend should add src's top-level keys")
	}
	nested, _ := dst.Get("nested")
	if _, ok := nested.Get("x"); !ok {
		t.Fatalf("Extend should deep-merge nested objects, not overwrite them")
	}
	if _, ok := nested.Get("y"); !ok {
		t.Fatalf("Extend should bring in src's nested keys")
	}
}
