package loom

// scopeKind distinguishes the four stack frame shapes from §4.6: for
// and block frames are transparent (a lookup miss falls through to the
// frame beneath), macro frames are opaque (a miss stops walking frames
// there, so macros cannot see their caller's locals; the render Context
// is still consulted afterwards, see lookup).
type scopeKind int

const (
	scopeGlobal scopeKind = iota
	scopeFor
	scopeBlock
	scopeMacro
)

type scopeFrame struct {
	kind   scopeKind
	vars   map[string]Value
	parent *scopeFrame
}

// scopeStack is the per-render call stack of variable frames, rooted
// at the Context passed to render.
type scopeStack struct {
	top   *scopeFrame
	ctx   Context
	depth int
	max   int
}

func newScopeStack(ctx Context, maxDepth int) *scopeStack {
	return &scopeStack{top: &scopeFrame{kind: scopeGlobal, vars: map[string]Value{}}, ctx: ctx, max: maxDepth}
}

func (s *scopeStack) pushFor() *scopeFrame {
	f := &scopeFrame{kind: scopeFor, vars: map[string]Value{}, parent: s.top}
	s.top = f
	return f
}

func (s *scopeStack) pushBlock() *scopeFrame {
	f := &scopeFrame{kind: scopeBlock, vars: map[string]Value{}, parent: s.top}
	s.top = f
	return f
}

func (s *scopeStack) pushMacro() *scopeFrame {
	f := &scopeFrame{kind: scopeMacro, vars: map[string]Value{}, parent: s.top}
	s.top = f
	return f
}

func (s *scopeStack) pop() { s.top = s.top.parent }

// lookup resolves name against the scope chain, stopping at the first
// opaque (macro) frame it would otherwise cross, then falling back to
// the render Context if no frame declared it.
func (s *scopeStack) lookup(name string) (Value, bool) {
	for f := s.top; f != nil; f = f.parent {
		if v, ok := f.vars[name]; ok {
			return v, true
		}
		if f.kind == scopeMacro {
			break
		}
	}
	return s.ctx.Get(name)
}

// set implements `{% set %}`: writes to the innermost frame, shadowing
// (not mutating) anything below it, matching the teacher's copy-on-
// write scoping for for-loop bodies.
func (s *scopeStack) set(name string, v Value) { s.top.vars[name] = v }

// setGlobal implements `{% set_global %}`: writes through to the
// render Context itself, visible to every subsequent frame regardless
// of nesting.
func (s *scopeStack) setGlobal(name string, v Value) { s.ctx.Insert(name, v) }

// snapshot flattens the currently visible bindings (scope chain plus
// Context) into a single Object, used by the __tera_context magic
// identifier and by debug tooling. Innermost frames win on collision.
func (s *scopeStack) snapshot() Value {
	obj := EmptyObject()
	ctxVal := s.ctx.Value()
	for _, k := range ctxVal.Keys() {
		v, _ := ctxVal.Get(k)
		obj.Set(k, v)
	}
	var frames []*scopeFrame
	for f := s.top; f != nil; f = f.parent {
		frames = append(frames, f)
		if f.kind == scopeMacro {
			break
		}
	}
	for i := len(frames) - 1; i >= 0; i-- {
		for k, v := range frames[i].vars {
			obj.Set(k, v)
		}
	}
	return obj
}
