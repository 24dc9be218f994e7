package loom

import (
	"strings"
)

// breakSignal and continueSignal are control-flow sentinels used to
// unwind out of a for-loop body; they never escape execNodes's own
// ForNode case.
type breakSignal struct{}
type continueSignal struct{}

func (breakSignal) Error() string    { return "break" }
func (continueSignal) Error() string { return "continue" }

// execNodes runs a statement list against rs, writing rendered output
// into rs.builder. It is the workhorse shared by top-level rendering,
// block overrides, for-loop bodies, filter sections and macro/super
// expansion.
func (rs *renderState) execNodes(nodes []Node) error {
	for _, n := range nodes {
		if err := rs.execNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (rs *renderState) execNode(n Node) error {
	switch node := n.(type) {
	case *TextNode:
		rs.builder.WriteString(node.Text)
		return nil
	case *RawNode:
		rs.builder.WriteString(node.Text)
		return nil
	case *OutputNode:
		return rs.execOutput(node)
	case *IfNode:
		return rs.execIf(node)
	case *ForNode:
		return rs.execFor(node)
	case *SetNode:
		v, err := rs.evalExpr(node.Expr)
		if err != nil {
			return err
		}
		if node.Global {
			rs.scopes.setGlobal(node.Name, v)
		} else {
			rs.scopes.set(node.Name, v)
		}
		return nil
	case *IncludeNode:
		return rs.execInclude(node)
	case *BlockNode:
		return rs.execBlock(node)
	case *ExtendsNode, *ImportNode, *MacroDefNode:
		return nil // resolved at registry index time, not during the walk
	case *FilterSectionNode:
		return rs.execFilterSection(node)
	case *BreakNode:
		return breakSignal{}
	case *ContinueNode:
		return continueSignal{}
	default:
		return renderErr(rs.owner, n.Pos(), "unhandled statement node %T", n)
	}
}

// execOutput applies the autoescape decision: an OutputNode's value is
// escaped unless the expression's outermost node is a FilterApply named
// "safe" — a pipe chain like `x | safe | upper` is NOT terminal-safe,
// since `upper` is applied last, but `x | upper | safe` is.
func (rs *renderState) execOutput(n *OutputNode) error {
	v, err := rs.evalExpr(n.Expr)
	if err != nil {
		return err
	}
	s := v.String()
	if rs.reg.shouldAutoescape(rs.owner) && !isTerminalSafe(n.Expr) {
		s = escapeHTML(s)
	}
	rs.builder.WriteString(s)
	return nil
}

func isTerminalSafe(e Expr) bool {
	f, ok := e.(*FilterApply)
	return ok && f.Name == "safe"
}

func escapeHTML(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#x27;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (rs *renderState) execIf(n *IfNode) error {
	for _, branch := range n.Branches {
		v, err := rs.evalExpr(branch.Cond)
		if err != nil {
			// An undefined bare variable (or path) as the whole condition
			// is falsy; undefined lookups inside larger expressions fail.
			le, ok := err.(*Error)
			if _, bare := branch.Cond.(*Ident); !bare || !ok || le.Kind != KindUndefinedVariable {
				return err
			}
			v = Bool(false)
		}
		if v.Truth() {
			return rs.execNodes(branch.Body)
		}
	}
	return rs.execNodes(n.Else)
}

func (rs *renderState) execFor(n *ForNode) error {
	container, err := rs.evalExpr(n.Container)
	if err != nil {
		return err
	}
	var pairs []struct {
		key Value
		val Value
	}
	switch container.Kind() {
	case ValueArray:
		arr, _ := container.AsArray()
		for i, v := range arr {
			pairs = append(pairs, struct {
				key Value
				val Value
			}{Integer(int64(i)), v})
		}
	case ValueObject:
		for _, k := range container.Keys() {
			v, _ := container.Get(k)
			pairs = append(pairs, struct {
				key Value
				val Value
			}{String(k), v})
		}
	case ValueString:
		s, _ := container.AsString()
		for _, r := range s {
			pairs = append(pairs, struct {
				key Value
				val Value
			}{Null(), String(string(r))})
		}
	default:
		return typeErr(rs.owner, n.Pos(), "for loop requires an array, object or string, got %s", container.Kind())
	}
	if len(pairs) == 0 {
		return rs.execNodes(n.Else)
	}
	for i, p := range pairs {
		frame := rs.scopes.pushFor()
		if n.KeyVar != "" {
			frame.vars[n.KeyVar] = p.key
		}
		frame.vars[n.ValueVar] = p.val
		frame.vars["loop"] = NewObject(
			KV{"index", Integer(int64(i + 1))},
			KV{"index0", Integer(int64(i))},
			KV{"first", Bool(i == 0)},
			KV{"last", Bool(i == len(pairs)-1)},
		)
		err := rs.execNodes(n.Body)
		rs.scopes.pop()
		if err != nil {
			if _, ok := err.(breakSignal); ok {
				break
			}
			if _, ok := err.(continueSignal); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func (rs *renderState) execInclude(n *IncludeNode) error {
	for _, name := range n.Names {
		tmpl, ok := rs.templateByName(name)
		if !ok {
			continue
		}
		if rs.depth+1 > rs.reg.maxRenderDepth {
			return renderErr(rs.owner, n.Pos(), "max render depth (%d) exceeded including %q", rs.reg.maxRenderDepth, name)
		}
		child := rs.child()
		child.owner = name
		child.depth = rs.depth + 1
		child.scopes.pushBlock()
		err := child.execNodes(tmpl.nodes)
		child.scopes.pop()
		return err
	}
	if n.IgnoreMissing {
		return nil
	}
	return registryErr("include: none of %v found", n.Names)
}

func (rs *renderState) execBlock(n *BlockNode) error {
	chain, ok := rs.blockChain(n.Name)
	if !ok || len(chain) == 0 {
		return rs.execNodes(n.Body)
	}
	savedOwner, savedSupers := rs.owner, rs.supers
	rs.owner = chain[0].owner
	if len(chain) > 1 {
		rs.supers = append(append([]superFrame{}, savedSupers...), superFrame{
			owner: chain[1].owner,
			body:  chain[1].body,
			rest:  chain[2:],
		})
	}
	rs.scopes.pushBlock()
	err := rs.execNodes(chain[0].body)
	rs.scopes.pop()
	rs.owner, rs.supers = savedOwner, savedSupers
	return err
}

// blockChain reports the override chain for a block name, most-derived
// first, for the template this render was entered with. The map is
// computed once per render and stored on the renderState by
// renderResolved (for both Render and RenderString).
func (rs *renderState) blockChain(name string) ([]blockOverride, bool) {
	chain, ok := rs.blockChains[name]
	return chain, ok
}

func (rs *renderState) execFilterSection(n *FilterSectionNode) error {
	child := rs.child()
	var b strings.Builder
	child.builder = &b
	if err := child.execNodes(n.Body); err != nil {
		return err
	}
	args, err := rs.evalArgs(n.Args)
	if err != nil {
		return err
	}
	fn, ok := rs.reg.filters.lookup(n.Name)
	if !ok {
		return registryErr("unknown filter %q", n.Name)
	}
	out, err := fn(String(b.String()), args, rs)
	if err != nil {
		return err
	}
	rs.builder.WriteString(out.String())
	return nil
}
