package loom

import "testing"

func mustRenderString(t *testing.T, r *Registry, src string, ctx Context) string {
	t.Helper()
	out, err := r.RenderString(src, ctx)
	if err != nil {
		t.Fatalf("RenderString(%q): %v", src, err)
	}
	return out
}

func TestIfElifElse(t *testing.T) {
	r := NewRegistry()
	src := "{% if a %}A{% elif b %}B{% else %}C{% endif %}"

	ctx := NewContext()
	ctx.Insert("a", Bool(true))
	ctx.Insert("b", Bool(false))
	if got := mustRenderString(t, r, src, ctx); got != "A" {
		t.Fatalf("got %q, want A", got)
	}

	ctx = NewContext()
	ctx.Insert("a", Bool(false))
	ctx.Insert("b", Bool(true))
	if got := mustRenderString(t, r, src, ctx); got != "B" {
		t.Fatalf("got %q, want B", got)
	}

	ctx = NewContext()
	ctx.Insert("a", Bool(false))
	ctx.Insert("b", Bool(false))
	if got := mustRenderString(t, r, src, ctx); got != "C" {
		t.Fatalf("got %q, want C", got)
	}
}

func TestForLoopObjectAndElse(t *testing.T) {
	r := NewRegistry()
	src := "{% for x in items %}{{ loop.index }}:{{ x }}{% if not loop.last %},{% endif %}{% else %}empty{% endfor %}"

	ctx := NewContext()
	ctx.Insert("items", Array([]Value{Integer(1), Integer(2), Integer(3)}))
	if got := mustRenderString(t, r, src, ctx); got != "1:1,2:2,3:3" {
		t.Fatalf("got %q", got)
	}

	ctx = NewContext()
	ctx.Insert("items", Array(nil))
	if got := mustRenderString(t, r, src, ctx); got != "empty" {
		t.Fatalf("got %q, want empty-branch output", got)
	}
}

func TestSetScopeShadowingInFor(t *testing.T) {
	r := NewRegistry()
	src := "{% set x = 1 %}{% for i in items %}{% set x = 2 %}{{ x }}{% endfor %}{{ x }}"
	ctx := NewContext()
	ctx.Insert("items", Array([]Value{Integer(1)}))
	got := mustRenderString(t, r, src, ctx)
	if got != "21" {
		t.Fatalf("got %q, want %q (for-loop set must shadow, not leak to the enclosing scope)", got, "21")
	}
}

func TestSetGlobalEscapesForScope(t *testing.T) {
	r := NewRegistry()
	src := "{% for i in items %}{% set_global g = i %}{% endfor %}{{ g }}"
	ctx := NewContext()
	ctx.Insert("items", Array([]Value{Integer(1), Integer(2), Integer(3)}))
	got := mustRenderString(t, r, src, ctx)
	if got != "3" {
		t.Fatalf("got %q, want %q (set_global should persist past loop end)", got, "3")
	}
}

func TestMacroSeesAmbientContextButNotCallerLocals(t *testing.T) {
	r := NewRegistry()
	src := `{% set local = "caller" %}{% macro show() %}{{ site }}{% endmacro %}{{ self::show() }}`
	ctx := NewContext()
	ctx.Insert("site", String("myapp"))
	got := mustRenderString(t, r, src, ctx)
	if got != "myapp" {
		t.Fatalf("got %q, want the macro to still see the ambient Context value", got)
	}

	src2 := `{% set local = "caller" %}{% macro show() %}{{ local }}{% endmacro %}{{ self::show() }}`
	if _, err := r.RenderString(src2, NewContext()); err == nil {
		t.Fatalf("macro body should not see a caller-local set via {%% set %%}, want an undefined-variable error")
	}
}

func TestIncludeFirstMatchAndIgnoreMissing(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("greeting", "hi {{ name }}"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx := NewContext()
	ctx.Insert("name", String("Ada"))

	got := mustRenderString(t, r, `{% include ["missing", "greeting"] %}`, ctx)
	if got != "hi Ada" {
		t.Fatalf("got %q, want the first existing name in the include list to win", got)
	}

	got = mustRenderString(t, r, `before{% include "nope" ignore missing %}after`, NewContext())
	if got != "beforeafter" {
		t.Fatalf("got %q, want ignore-missing include to render nothing", got)
	}

	if _, err := r.RenderString(`{% include "nope" %}`, NewContext()); err == nil {
		t.Fatalf("include of a missing template without ignore missing should error")
	}
}

func TestBlockInheritanceWithSuper(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("base", "[{% block content %}base-content{% endblock %}]"); err != nil {
		t.Fatalf("Add base: %v", err)
	}
	if err := r.Add("child", `{% extends "base" %}{% block content %}child-before,{{ super() }},child-after{% endblock %}`); err != nil {
		t.Fatalf("Add child: %v", err)
	}
	if err := r.Add("grandchild", `{% extends "child" %}{% block content %}gc,{{ super() }}{% endblock %}`); err != nil {
		t.Fatalf("Add grandchild: %v", err)
	}

	got, err := r.Render("child", NewContext())
	if err != nil {
		t.Fatalf("Render(child): %v", err)
	}
	want := "[child-before,base-content,child-after]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	got, err = r.Render("grandchild", NewContext())
	if err != nil {
		t.Fatalf("Render(grandchild): %v", err)
	}
	want = "[gc,child-before,base-content,child-after]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBlockWithNoOverrideRendersBaseBody(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("base", "<{% block title %}Untitled{% endblock %}>"); err != nil {
		t.Fatalf("Add base: %v", err)
	}
	if err := r.Add("child", `{% extends "base" %}{% block other %}unused{% endblock %}`); err != nil {
		t.Fatalf("Add child: %v", err)
	}
	got, err := r.Render("child", NewContext())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "<Untitled>" {
		t.Fatalf("got %q, want the base block body since child never overrides it", got)
	}
}

func TestImportMacroNamespace(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("macros", `{% macro input(name, value="") %}<input name="{{ name }}" value="{{ value }}">{% endmacro %}`); err != nil {
		t.Fatalf("Add macros: %v", err)
	}
	if err := r.Add("form", `{% import "macros" as forms %}{{ forms::input(name="email") }}`); err != nil {
		t.Fatalf("Add form: %v", err)
	}
	got, err := r.Render("form", NewContext())
	if err != nil {
		t.Fatalf("Render(form): %v", err)
	}
	want := `<input name="email" value="">`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestImportMissingTemplateIsRejectedAtAddTime(t *testing.T) {
	r := NewRegistry()
	err := r.Add("form", `{% import "nope" as forms %}{{ forms::input() }}`)
	if err == nil {
		t.Fatalf("importing a missing template should fail validation at Add time")
	}
}

func TestFilterSection(t *testing.T) {
	r := NewRegistry()
	src := "{% filter upper %}hello {{ name }}{% endfilter %}"
	ctx := NewContext()
	ctx.Insert("name", String("ada"))
	got := mustRenderString(t, r, src, ctx)
	if got != "HELLO ADA" {
		t.Fatalf("got %q, want %q", got, "HELLO ADA")
	}
}

func TestRawAndComments(t *testing.T) {
	r := NewRegistry()
	src := "{# this is a comment and produces no output #}{% raw %}{{ not_an_expr }}{% endraw %}"
	got := mustRenderString(t, r, src, NewContext())
	if got != "{{ not_an_expr }}" {
		t.Fatalf("got %q, want the raw block's literal text untouched", got)
	}
}

func TestAutoescapeAndSafeTerminalPosition(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()
	ctx.Insert("html", String("<b>hi</b>"))

	if err := r.Add("escaped.html", "{{ html }}"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := r.Render("escaped.html", ctx)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "&lt;b&gt;hi&lt;/b&gt;" {
		t.Fatalf("got %q, want html-escaped output by default for a .html template", got)
	}

	if err := r.Add("safe.html", "{{ html | safe }}"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err = r.Render("safe.html", ctx)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "<b>hi</b>" {
		t.Fatalf("got %q, want a trailing '| safe' to suppress escaping", got)
	}

	if err := r.Add("notsafe.html", "{{ html | safe | upper }}"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err = r.Render("notsafe.html", ctx)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "&lt;B&gt;HI&lt;/B&gt;" {
		t.Fatalf("got %q, want escaping to still apply since 'safe' is not the outermost filter", got)
	}

	if err := r.Add("plain.txt", "{{ html }}"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err = r.Render("plain.txt", ctx)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "<b>hi</b>" {
		t.Fatalf("got %q, want no autoescaping for a non-html-suffixed template name", got)
	}
}

func TestBreakAndContinue(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext()
	ctx.Insert("items", Array([]Value{Integer(1), Integer(2), Integer(3), Integer(4), Integer(5)}))

	got := mustRenderString(t, r, "{% for x in items %}{% if x == 3 %}{% break %}{% endif %}{{ x }}{% endfor %}", ctx)
	if got != "12" {
		t.Fatalf("got %q, want break to stop the loop before emitting 3", got)
	}

	got = mustRenderString(t, r, "{% for x in items %}{% if x is divisibleby(2) %}{% continue %}{% endif %}{{ x }}{% endfor %}", ctx)
	if got != "135" {
		t.Fatalf("got %q, want continue to skip even values", got)
	}
}

func TestRenderStringOneOffExtendingRegisteredTemplate(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("base", "[{% block content %}base{% endblock %}]"); err != nil {
		t.Fatalf("Add base: %v", err)
	}
	got, err := r.RenderString(`{% extends "base" %}{% block content %}one-off{% endblock %}`, NewContext())
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got != "[one-off]" {
		t.Fatalf("got %q, want a one-off template to be able to extend an already-registered one", got)
	}
}

func TestUndefinedVariableIsARenderError(t *testing.T) {
	r := NewRegistry()
	if _, err := r.RenderString("{{ nope }}", NewContext()); err == nil {
		t.Fatalf("referencing an undefined variable should fail the render")
	}
}

func TestDefaultFilterObservesUndefined(t *testing.T) {
	r := NewRegistry()
	got := mustRenderString(t, r, "{{ nope | default(value=\"fallback\") }}", NewContext())
	if got != "fallback" {
		t.Fatalf("got %q, want the default filter to catch the undefined lookup", got)
	}
}
