package loom

import (
	"testing"

	"gopkg.in/yaml.v3"
)

// scenarioFixture mirrors a small multi-template scenario: a set of
// named sources loaded as one batch plus the entry point to render and
// the expected output, letting a whole inheritance/include scenario be
// expressed as a single YAML document instead of as Go string literals.
type scenarioFixture struct {
	Templates map[string]string `yaml:"templates"`
	Render    string            `yaml:"render"`
	Want      string            `yaml:"want"`
}

const layoutScenarioYAML = `
templates:
  layout: "[{% block body %}default{% endblock %}]"
  page: '{% extends "layout" %}{% block body %}hello {{ name }}{% endblock %}'
render: page
want: "[hello world]"
`

func TestYAMLFixtureDrivenScenario(t *testing.T) {
	var fx scenarioFixture
	if err := yaml.Unmarshal([]byte(layoutScenarioYAML), &fx); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}

	r := NewRegistry()
	if err := r.AddBatch(fx.Templates); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	ctx := NewContext()
	ctx.Insert("name", String("world"))
	got, err := r.Render(fx.Render, ctx)
	if err != nil {
		t.Fatalf("Render(%s): %v", fx.Render, err)
	}
	if got != fx.Want {
		t.Fatalf("got %q, want %q", got, fx.Want)
	}
}
