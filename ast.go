package loom

// Node is any element of a parsed template body: a Statement or a
// literal Text/Raw run. The unexported marker method restricts
// implementations to this package, mirroring the teacher's ast.go.
type Node interface {
	node()
	Pos() Position
}

type base struct{ pos Position }

func (b base) Pos() Position { return b.pos }

// TextNode is literal source text between tags, preserved exactly
// (after whitespace-control trimming applied at parse time).
type TextNode struct {
	base
	Text string
}

func (*TextNode) node() {}

// RawNode is the literal content of a {% raw %}...{% endraw %} block;
// delimiter sequences inside it are never interpreted.
type RawNode struct {
	base
	Text string
}

func (*RawNode) node() {}

// OutputNode is a {{ expr }} variable block.
type OutputNode struct {
	base
	Expr Expr
}

func (*OutputNode) node() {}

// IfBranch is one `if`/`elif` condition plus its body.
type IfBranch struct {
	Cond Expr
	Body []Node
}

// IfNode is an if/elif*/else? statement.
type IfNode struct {
	base
	Branches []IfBranch
	Else     []Node
}

func (*IfNode) node() {}

// ForNode is a for/else statement. KeyVar is empty unless the source
// declared two loop variables ("for k, v in ...").
type ForNode struct {
	base
	KeyVar    string
	ValueVar  string
	Container Expr
	Body      []Node
	Else      []Node
}

func (*ForNode) node() {}

// SetNode is `set name = expr` or `set_global name = expr`.
type SetNode struct {
	base
	Name   string
	Expr   Expr
	Global bool
}

func (*SetNode) node() {}

// IncludeNode is `include <name-or-array> [ignore missing]`. Names is
// evaluated in order; the first template that exists is rendered.
type IncludeNode struct {
	base
	Names         []string
	IgnoreMissing bool
}

func (*IncludeNode) node() {}

// BlockNode is a named, overridable body region.
type BlockNode struct {
	base
	Name string
	Body []Node
}

func (*BlockNode) node() {}

// ExtendsNode declares the parent template this template extends.
// The parser requires it be the first non-comment node, at most once
// per template.
type ExtendsNode struct {
	base
	Name string
}

func (*ExtendsNode) node() {}

// ImportNode makes a template's top-level macros available under a
// local namespace.
type ImportNode struct {
	base
	Template  string
	Namespace string
}

func (*ImportNode) node() {}

// MacroParam is one formal parameter of a macro, with an optional
// default expression (nil if the parameter is required... in this
// engine unset-without-default simply yields Null at call time, per
// §4.4's Macro call contract).
type MacroParam struct {
	Name    string
	Default Expr
}

// MacroDefNode defines a reusable, opaquely-scoped template fragment.
type MacroDefNode struct {
	base
	Name   string
	Params []MacroParam
	Body   []Node
}

func (*MacroDefNode) node() {}

// FilterSectionNode renders Body into a buffer, then applies Name as a
// filter to the buffered String.
type FilterSectionNode struct {
	base
	Name string
	Args CallArgs
	Body []Node
}

func (*FilterSectionNode) node() {}

// BreakNode and ContinueNode are legal only inside a ForNode body;
// the parser enforces this structurally (§4.2).
type BreakNode struct{ base }

func (*BreakNode) node() {}

type ContinueNode struct{ base }

func (*ContinueNode) node() {}

// ---- Expressions ----

// Expr is any expression node, evaluated by the evaluator (E) to a Value.
type Expr interface {
	exprNode()
	Pos() Position
}

// Literal is a constant Value baked in at parse time.
type Literal struct {
	base
	Value Value
}

func (*Literal) exprNode() {}

// Ident is an identifier path lookup, e.g. `user.name` or `items[0]`.
type Ident struct {
	base
	Path Path
}

func (*Ident) exprNode() {}

// ArrayLit is an `[a, b, c]` array literal expression.
type ArrayLit struct {
	base
	Items []Expr
}

func (*ArrayLit) exprNode() {}

// MathOp is a binary arithmetic expression: + - * / %.
type MathOp struct {
	base
	Op   string
	L, R Expr
}

func (*MathOp) exprNode() {}

// LogicOp is a binary `and`/`or` expression.
type LogicOp struct {
	base
	Op   string
	L, R Expr
}

func (*LogicOp) exprNode() {}

// NotOp is a unary `not` prefix expression.
type NotOp struct {
	base
	E Expr
}

func (*NotOp) exprNode() {}

// CompareOp is a binary comparison: == != > < >= <=.
type CompareOp struct {
	base
	Op   string
	L, R Expr
}

func (*CompareOp) exprNode() {}

// InOp is `l in r` / `l not in r`.
type InOp struct {
	base
	L, R    Expr
	Negated bool
}

func (*InOp) exprNode() {}

// Concat is a chain of `~` concatenations.
type Concat struct {
	base
	Parts []Expr
}

func (*Concat) exprNode() {}

// CallArgs is the uniform argument shape for filters, tests, functions
// and macro calls: keyword arguments plus (for tests, which use
// positional syntax) a positional list.
type CallArgs struct {
	Positional []Expr
	Named      map[string]Expr
	// NamedOrder preserves the source order of Named's keys, since map
	// iteration order is not stable and some diagnostics want it.
	NamedOrder []string
}

// FilterApply is `expr | name(args)`. Chained filters nest with the
// last-applied filter as the outermost node, so the renderer's
// autoescape short-circuit rule (a trailing `| safe`) only has to
// check whether the whole expression's root node is a FilterApply
// named "safe" — no separate terminal-position bookkeeping needed.
type FilterApply struct {
	base
	Target Expr
	Name   string
	Args   CallArgs
}

func (*FilterApply) exprNode() {}

// TestApply is `expr is [not] name(args)`.
type TestApply struct {
	base
	Target  Expr
	Name    string
	Args    CallArgs
	Negated bool
}

func (*TestApply) exprNode() {}

// FunctionCall is `name(kwargs)`.
type FunctionCall struct {
	base
	Name string
	Args CallArgs
}

func (*FunctionCall) exprNode() {}

// MacroCall is `namespace::name(kwargs)`.
type MacroCall struct {
	base
	Namespace string
	Name      string
	Args      CallArgs
}

func (*MacroCall) exprNode() {}

// SuperCall is the zero-argument `super()` expression, legal only
// inside a Block body.
type SuperCall struct{ base }

func (*SuperCall) exprNode() {}

// MagicContext is the reserved `__tera_context` identifier, resolving
// to a pretty-printed dump of the current merged scope.
type MagicContext struct{ base }

func (*MagicContext) exprNode() {}
