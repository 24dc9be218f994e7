package loom

import (
	"fmt"
	"math"
	"strings"
)

// renderState is the mutable, per-render walk state threaded through
// both expression evaluation (this file) and statement execution
// (render.go): the scope stack, which template's imports/macros are
// currently in scope, and the super() chain for whatever block body is
// presently executing.
type renderState struct {
	reg         *Registry
	scopes      *scopeStack
	owner       string // template that defines the body currently executing
	depth       int    // macro/include recursion depth, bounded by reg.maxRenderDepth
	supers      []superFrame
	builder     *strings.Builder
	blockChains map[string][]blockOverride
	anon        *compiledTemplate // set only while rendering a one-off template
}

// templateByName looks up a compiled template by name, consulting the
// transient one-off template (if any) before the shared registry, so a
// one-off render's own self:: macros resolve without ever installing
// it into the registry.
func (rs *renderState) templateByName(name string) (*compiledTemplate, bool) {
	if rs.anon != nil && rs.anon.name == name {
		return rs.anon, true
	}
	rs.reg.mu.RLock()
	defer rs.reg.mu.RUnlock()
	ct, ok := rs.reg.templates[name]
	return ct, ok
}

type superFrame struct {
	owner string
	body  []Node
	rest  []blockOverride
}

func (rs *renderState) child() *renderState {
	cp := *rs
	return &cp
}

func (rs *renderState) evalExpr(e Expr) (Value, error) {
	switch n := e.(type) {
	case *Literal:
		return n.Value, nil
	case *Ident:
		return rs.evalIdent(n)
	case *ArrayLit:
		items := make([]Value, len(n.Items))
		for i, it := range n.Items {
			v, err := rs.evalExpr(it)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items), nil
	case *MathOp:
		return rs.evalMath(n)
	case *LogicOp:
		return rs.evalLogic(n)
	case *NotOp:
		v, err := rs.evalExpr(n.E)
		if err != nil {
			return Value{}, err
		}
		return Bool(!v.Truth()), nil
	case *CompareOp:
		return rs.evalCompare(n)
	case *InOp:
		return rs.evalIn(n)
	case *Concat:
		var b strings.Builder
		for _, part := range n.Parts {
			v, err := rs.evalExpr(part)
			if err != nil {
				return Value{}, err
			}
			switch v.Kind() {
			case ValueString, ValueInteger, ValueFloat:
			default:
				return Value{}, typeErr(rs.owner, part.Pos(), "'~' requires string or numeric operands, got %s", v.Kind())
			}
			b.WriteString(v.String())
		}
		return String(b.String()), nil
	case *FilterApply:
		return rs.evalFilter(n)
	case *TestApply:
		return rs.evalTest(n)
	case *FunctionCall:
		return rs.evalFunctionCall(n)
	case *MacroCall:
		return rs.evalMacroCall(n)
	case *SuperCall:
		return rs.evalSuper(n)
	case *MagicContext:
		return String(rs.scopes.snapshot().PrettyDebug()), nil
	default:
		return Value{}, renderErr(rs.owner, e.Pos(), "unhandled expression node %T", e)
	}
}

func (rs *renderState) evalIdent(n *Ident) (Value, error) {
	v, ok := rs.scopes.lookup(n.Path.Root)
	if !ok {
		return Value{}, undefinedErr(rs.owner, n.Pos(), "undefined variable %q", n.Path.Root)
	}
	cur := n.Path.Root
	for _, step := range n.Path.Steps {
		if step.HasIndex {
			idx, err := rs.evalExpr(step.IndexExpr)
			if err != nil {
				return Value{}, err
			}
			next, ok := lookupIndex(v, idx)
			if !ok {
				return Value{}, undefinedErr(rs.owner, n.Pos(), "index %s not found on %q", idx.String(), cur)
			}
			v = next
			cur = cur + "[" + idx.String() + "]"
			continue
		}
		next, ok := lookupNamed(v, step.Name)
		if !ok {
			return Value{}, undefinedErr(rs.owner, n.Pos(), "field %q not found on %q", step.Name, cur)
		}
		v = next
		cur = cur + "." + step.Name
	}
	return v, nil
}

func (rs *renderState) evalMath(n *MathOp) (Value, error) {
	l, err := rs.evalExpr(n.L)
	if err != nil {
		return Value{}, err
	}
	r, err := rs.evalExpr(n.R)
	if err != nil {
		return Value{}, err
	}
	lf, lok := l.AsFloat()
	rf, rok := r.AsFloat()
	if !lok || !rok {
		return Value{}, typeErr(rs.owner, n.Pos(), "operator %q requires numeric operands, got %s and %s", n.Op, l.Kind(), r.Kind())
	}
	li, lIsInt := l.AsInteger()
	ri, rIsInt := r.AsInteger()
	bothInt := lIsInt && rIsInt
	switch n.Op {
	case "+":
		if bothInt {
			s := li + ri
			if (s > li) != (ri > 0) {
				return Value{}, arithErr(rs.owner, n.Pos(), "integer overflow in %d + %d", li, ri)
			}
			return Integer(s), nil
		}
		return Float(lf + rf), nil
	case "-":
		if bothInt {
			d := li - ri
			if (d < li) != (ri > 0) {
				return Value{}, arithErr(rs.owner, n.Pos(), "integer overflow in %d - %d", li, ri)
			}
			return Integer(d), nil
		}
		return Float(lf - rf), nil
	case "*":
		if bothInt {
			p := li * ri
			if li != 0 && (p/li != ri || (li == -1 && ri == math.MinInt64)) {
				return Value{}, arithErr(rs.owner, n.Pos(), "integer overflow in %d * %d", li, ri)
			}
			return Integer(p), nil
		}
		return Float(lf * rf), nil
	case "/":
		if rf == 0 {
			return Value{}, arithErr(rs.owner, n.Pos(), "division by zero")
		}
		return Float(lf / rf), nil
	case "%":
		if bothInt {
			if ri == 0 {
				return Value{}, arithErr(rs.owner, n.Pos(), "modulo by zero")
			}
			return Integer(li % ri), nil
		}
		return Float(math.Mod(lf, rf)), nil
	default:
		return Value{}, renderErr(rs.owner, n.Pos(), "unknown arithmetic operator %q", n.Op)
	}
}

func (rs *renderState) evalLogic(n *LogicOp) (Value, error) {
	l, err := rs.evalExpr(n.L)
	if err != nil {
		return Value{}, err
	}
	if n.Op == "or" {
		if l.Truth() {
			return Bool(true), nil
		}
		r, err := rs.evalExpr(n.R)
		if err != nil {
			return Value{}, err
		}
		return Bool(r.Truth()), nil
	}
	if !l.Truth() {
		return Bool(false), nil
	}
	r, err := rs.evalExpr(n.R)
	if err != nil {
		return Value{}, err
	}
	return Bool(r.Truth()), nil
}

func (rs *renderState) evalCompare(n *CompareOp) (Value, error) {
	l, err := rs.evalExpr(n.L)
	if err != nil {
		return Value{}, err
	}
	r, err := rs.evalExpr(n.R)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case "==":
		return Bool(l.Equal(r)), nil
	case "!=":
		return Bool(!l.Equal(r)), nil
	}
	c, ok := l.Compare(r)
	if !ok {
		return Value{}, typeErr(rs.owner, n.Pos(), "cannot compare %s with %s", l.Kind(), r.Kind())
	}
	switch n.Op {
	case ">":
		return Bool(c > 0), nil
	case "<":
		return Bool(c < 0), nil
	case ">=":
		return Bool(c >= 0), nil
	case "<=":
		return Bool(c <= 0), nil
	default:
		return Value{}, renderErr(rs.owner, n.Pos(), "unknown comparison operator %q", n.Op)
	}
}

func (rs *renderState) evalIn(n *InOp) (Value, error) {
	l, err := rs.evalExpr(n.L)
	if err != nil {
		return Value{}, err
	}
	r, err := rs.evalExpr(n.R)
	if err != nil {
		return Value{}, err
	}
	var found bool
	switch r.Kind() {
	case ValueArray:
		arr, _ := r.AsArray()
		for _, e := range arr {
			if e.Equal(l) {
				found = true
				break
			}
		}
	case ValueObject:
		if key, ok := l.AsString(); ok {
			_, found = r.Get(key)
		}
	case ValueString:
		ls, lok := l.AsString()
		rstr, _ := r.AsString()
		if lok {
			found = strings.Contains(rstr, ls)
		}
	default:
		return Value{}, typeErr(rs.owner, n.Pos(), "'in' requires an array, object or string, got %s", r.Kind())
	}
	if n.Negated {
		found = !found
	}
	return Bool(found), nil
}

func (rs *renderState) evalArgs(a CallArgs) (Args, error) {
	out := Args{Named: map[string]Value{}}
	for _, e := range a.Positional {
		v, err := rs.evalExpr(e)
		if err != nil {
			return Args{}, err
		}
		out.Positional = append(out.Positional, v)
	}
	for _, name := range a.NamedOrder {
		v, err := rs.evalExpr(a.Named[name])
		if err != nil {
			return Args{}, err
		}
		out.Named[name] = v
	}
	return out, nil
}

// evalFilter special-cases `default`, the one filter whose entire job
// is to observe an undefined target rather than propagate the error a
// plain evalExpr would raise on it.
func (rs *renderState) evalFilter(n *FilterApply) (Value, error) {
	target, err := rs.evalExpr(n.Target)
	if err != nil {
		if n.Name == "default" {
			if le, ok := err.(*Error); ok && le.Kind == KindUndefinedVariable {
				target = Null()
			} else {
				return Value{}, err
			}
		} else {
			return Value{}, err
		}
	}
	args, err := rs.evalArgs(n.Args)
	if err != nil {
		return Value{}, err
	}
	fn, ok := rs.reg.filters.lookup(n.Name)
	if !ok {
		return Value{}, registryErr("unknown filter %q", n.Name)
	}
	out, err := fn(target, args, rs)
	if err != nil {
		return Value{}, prefixExtErr("filter", n.Name, err)
	}
	return out, nil
}

// prefixExtErr prepends the failing filter/test/function's name to an
// extension error, per §4.7's "errors carry a message; the renderer
// automatically prepends the filter/test/function name" contract. A
// *Error keeps its Kind and position; anything else is wrapped as a
// KindUserError.
func prefixExtErr(kind, name string, err error) error {
	if le, ok := err.(*Error); ok {
		cp := *le
		cp.Message = fmt.Sprintf("%s %q: %s", kind, name, le.Message)
		return &cp
	}
	return userErr("", Position{}, "%s %q: %s", kind, name, err.Error())
}

// evalTest special-cases `is defined`/`is undefined`: these must
// observe an undefined-variable error on the target, not propagate it,
// since their entire purpose is to ask whether the lookup would fail.
func (rs *renderState) evalTest(n *TestApply) (Value, error) {
	if n.Name == "defined" || n.Name == "undefined" {
		_, err := rs.evalExpr(n.Target)
		isDefined := true
		if err != nil {
			if le, ok := err.(*Error); ok && le.Kind == KindUndefinedVariable {
				isDefined = false
			} else {
				return Value{}, err
			}
		}
		result := isDefined
		if n.Name == "undefined" {
			result = !isDefined
		}
		if n.Negated {
			result = !result
		}
		return Bool(result), nil
	}
	target, err := rs.evalExpr(n.Target)
	if err != nil {
		return Value{}, err
	}
	args, err := rs.evalArgs(n.Args)
	if err != nil {
		return Value{}, err
	}
	fn, ok := rs.reg.tests.lookup(n.Name)
	if !ok {
		return Value{}, registryErr("unknown test %q", n.Name)
	}
	result, err := fn(target, args, rs)
	if err != nil {
		return Value{}, prefixExtErr("test", n.Name, err)
	}
	if n.Negated {
		result = !result
	}
	return Bool(result), nil
}

func (rs *renderState) evalFunctionCall(n *FunctionCall) (Value, error) {
	args, err := rs.evalArgs(n.Args)
	if err != nil {
		return Value{}, err
	}
	fn, ok := rs.reg.functions.lookup(n.Name)
	if !ok {
		return Value{}, registryErr("unknown function %q", n.Name)
	}
	out, err := fn(args, rs)
	if err != nil {
		return Value{}, prefixExtErr("function", n.Name, err)
	}
	return out, nil
}

func (rs *renderState) evalMacroCall(n *MacroCall) (Value, error) {
	var ownerOfMacros string
	if n.Namespace == "self" {
		ownerOfMacros = rs.owner
	} else {
		owningTmpl, ok := rs.templateByName(rs.owner)
		if !ok {
			return Value{}, registryErr("template %q not found while resolving macro namespace %q", rs.owner, n.Namespace)
		}
		target, ok := owningTmpl.imports[n.Namespace]
		if !ok {
			return Value{}, registryErr("no such macro namespace %q imported in %q", n.Namespace, rs.owner)
		}
		ownerOfMacros = target
	}
	macroTmpl, ok := rs.templateByName(ownerOfMacros)
	if !ok {
		return Value{}, registryErr("template %q not found", ownerOfMacros)
	}
	def, ok := macroTmpl.macros[n.Name]
	if !ok {
		return Value{}, registryErr("no such macro %q in %q", n.Name, ownerOfMacros)
	}
	if rs.depth+1 > rs.reg.maxRenderDepth {
		return Value{}, renderErr(rs.owner, n.Pos(), "max render depth (%d) exceeded calling macro %q", rs.reg.maxRenderDepth, n.Name)
	}
	args, err := rs.evalArgs(n.Args)
	if err != nil {
		return Value{}, err
	}
	for _, name := range n.Args.NamedOrder {
		known := false
		for _, p := range def.Params {
			known = known || p.Name == name
		}
		if !known {
			return Value{}, unknownArgErr(rs.owner, n.Pos(), "macro %q has no parameter %q", n.Name, name)
		}
	}
	child := rs.child()
	child.scopes = newScopeStack(rs.scopes.ctx, rs.scopes.max)
	frame := child.scopes.pushMacro()
	for _, p := range def.Params {
		if v, ok := args.Named[p.Name]; ok {
			frame.vars[p.Name] = v
			continue
		}
		if p.Default != nil {
			defCtx := child.child()
			defCtx.owner = ownerOfMacros
			v, err := defCtx.evalExpr(p.Default)
			if err != nil {
				return Value{}, err
			}
			frame.vars[p.Name] = v
			continue
		}
		frame.vars[p.Name] = Null()
	}
	child.owner = ownerOfMacros
	child.depth = rs.depth + 1
	child.supers = nil
	var b strings.Builder
	child.builder = &b
	if err := child.execNodes(def.Body); err != nil {
		return Value{}, err
	}
	return String(b.String()), nil
}

func (rs *renderState) evalSuper(n *SuperCall) (Value, error) {
	if len(rs.supers) == 0 {
		return Value{}, renderErr(rs.owner, n.Pos(), "super() called outside of an overriding block")
	}
	frame := rs.supers[len(rs.supers)-1]
	child := rs.child()
	child.owner = frame.owner
	if len(frame.rest) > 0 {
		child.supers = append(append([]superFrame{}, rs.supers[:len(rs.supers)-1]...), superFrame{
			owner: frame.rest[0].owner,
			body:  frame.rest[0].body,
			rest:  frame.rest[1:],
		})
	} else {
		child.supers = rs.supers[:len(rs.supers)-1]
	}
	var b strings.Builder
	child.builder = &b
	if err := child.execNodes(frame.body); err != nil {
		return Value{}, err
	}
	return String(b.String()), nil
}
