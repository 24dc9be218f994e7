package tplvalidate

import "testing"

func TestNotEmpty(t *testing.T) {
	if err := NotEmpty("x", "field"); err != nil {
		t.Fatalf("non-empty field should pass: %v", err)
	}
	if err := NotEmpty("", "field"); err == nil {
		t.Fatalf("empty field should fail")
	}
}

func TestNoDuplicates(t *testing.T) {
	if err := NoDuplicates([]string{"a", "b", "c"}, "params"); err != nil {
		t.Fatalf("distinct values should pass: %v", err)
	}
	if err := NoDuplicates([]string{"a", "b", "a"}, "params"); err == nil {
		t.Fatalf("repeated value should fail")
	}
}

func TestMapDict(t *testing.T) {
	items := map[string]int{"a": 1, "b": 2}
	sum := 0
	if err := MapDict(items, func(_ string, v int) error {
		sum += v
		return nil
	}); err != nil {
		t.Fatalf("MapDict: %v", err)
	}
	if sum != 3 {
		t.Fatalf("want sum 3, got %d", sum)
	}

	callErr := errFixture{}
	if err := MapDict(items, func(_ string, v int) error {
		if v == 2 {
			return callErr
		}
		return nil
	}); err != callErr {
		t.Fatalf("MapDict should surface the first callback error, got %v", err)
	}
}

type errFixture struct{}

func (errFixture) Error() string { return "boom" }
