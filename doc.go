// Package loom implements the core of a text template engine in the
// Jinja2/Django/Tera lineage: a lexer and parser that turn template
// source into an AST, a registry that resolves inheritance and macro
// imports across a set of named templates, and a tree-walking renderer
// with a layered scope model and an extensible filter/test/function
// library.
//
// File-system discovery, the command-line surface, and host-specific
// serialization of context values are deliberately outside this
// package; callers supply template sources and an already-constructed
// Context.
package loom
