package loom

import "fmt"

// exprParser parses the expression-level token stream inside a single
// {{ ... }} or {% ... %} tag. It wraps the lexer with small lookahead
// so the statement parser (parser.go) and this file's precedence-
// climbing routines can both peek ahead without re-scanning.
type exprParser struct {
	l        *lexer
	stmtMode bool
	template string
	buf      []tok
}

func newExprParser(l *lexer, stmtMode bool, template string) *exprParser {
	return &exprParser{l: l, stmtMode: stmtMode, template: template}
}

func (p *exprParser) fill(n int) error {
	for len(p.buf) <= n {
		t, err := p.l.scanInside(p.stmtMode)
		if err != nil {
			return err
		}
		p.buf = append(p.buf, t)
	}
	return nil
}

func (p *exprParser) peek() (tok, error) {
	if err := p.fill(0); err != nil {
		return tok{}, err
	}
	return p.buf[0], nil
}

func (p *exprParser) peek2() (tok, error) {
	if err := p.fill(1); err != nil {
		return tok{}, err
	}
	return p.buf[1], nil
}

func (p *exprParser) next() (tok, error) {
	t, err := p.peek()
	if err != nil {
		return tok{}, err
	}
	p.buf = p.buf[1:]
	return t, nil
}

func (p *exprParser) isPunct(t tok, s string) bool { return t.kind == tPunct && t.s == s }
func (p *exprParser) isIdent(t tok, s string) bool { return t.kind == tIdent && t.s == s }

func (p *exprParser) expectPunct(s string) error {
	t, err := p.next()
	if err != nil {
		return err
	}
	if !p.isPunct(t, s) {
		return parseErr(p.template, t.pos, "expected %q, got %q", s, tokDesc(t))
	}
	return nil
}

func tokDesc(t tok) string {
	switch t.kind {
	case tEOF:
		return "end of tag"
	case tIdent:
		return t.s
	case tPunct:
		return t.s
	case tString:
		return fmt.Sprintf("%q", t.s)
	case tInt, tFloat:
		return "number"
	default:
		return "token"
	}
}

// parseExpr is the entry point: the lowest-precedence level, `or`.
func (p *exprParser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *exprParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if !p.isIdent(t, "or") {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &LogicOp{base: base{t.pos}, Op: "or", L: left, R: right}
	}
}

func (p *exprParser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if !p.isIdent(t, "and") {
			return left, nil
		}
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &LogicOp{base: base{t.pos}, Op: "and", L: left, R: right}
	}
}

func (p *exprParser) parseNot() (Expr, error) {
	t, err := p.peek()
	if err != nil {
		return nil, err
	}
	if p.isIdent(t, "not") {
		p.next()
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotOp{base: base{t.pos}, E: e}, nil
	}
	return p.parseCompare()
}

var compareOps = map[string]bool{"==": true, "!=": true, ">=": true, "<=": true, ">": true, "<": true}

func (p *exprParser) parseCompare() (Expr, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch {
		case t.kind == tPunct && compareOps[t.s]:
			p.next()
			right, err := p.parseConcat()
			if err != nil {
				return nil, err
			}
			left = &CompareOp{base: base{t.pos}, Op: t.s, L: left, R: right}
		case p.isIdent(t, "is"):
			p.next()
			negated := false
			if t2, err := p.peek(); err == nil && p.isIdent(t2, "not") {
				p.next()
				negated = true
			}
			name, err := p.next()
			if err != nil {
				return nil, err
			}
			if name.kind != tIdent {
				return nil, parseErr(p.template, name.pos, "expected test name after 'is', got %q", tokDesc(name))
			}
			args, err := p.maybeCallArgs()
			if err != nil {
				return nil, err
			}
			left = &TestApply{base: base{t.pos}, Target: left, Name: name.s, Args: args, Negated: negated}
		case p.isIdent(t, "in"):
			p.next()
			right, err := p.parseConcat()
			if err != nil {
				return nil, err
			}
			left = &InOp{base: base{t.pos}, L: left, R: right}
		case p.isIdent(t, "not"):
			t2, err := p.peek2()
			if err != nil {
				return nil, err
			}
			if !p.isIdent(t2, "in") {
				return left, nil
			}
			p.next()
			p.next()
			right, err := p.parseConcat()
			if err != nil {
				return nil, err
			}
			left = &InOp{base: base{t.pos}, L: left, R: right, Negated: true}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseConcat() (Expr, error) {
	first, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	parts := []Expr{first}
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if !p.isPunct(t, "~") {
			break
		}
		p.next()
		next, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		parts = append(parts, next)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return &Concat{base: base{first.Pos()}, Parts: parts}, nil
}

// parseAdditive also absorbs the filter-pipe level. Despite the textual
// precedence table placing `|` above arithmetic, the worked examples in
// the grammar section require pipe to bind to whatever has already been
// accumulated at THIS level, not to an arithmetic subexpression nested
// beneath it: a trailing `| filter` wraps the whole sum built so far,
// and the additive loop then keeps going, so a further `+ 1` attaches on
// top of the filtered result. Interleaving parsePipeChain with the +/-
// loop (rather than giving pipe its own precedence tier) is what
// reproduces both `1 + a | length` => `(1 + a) | length` and
// `a | length + 1` => `(a | length) + 1`.
func (p *exprParser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		left, err = p.parsePipeChain(left)
		if err != nil {
			return nil, err
		}
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if !(t.kind == tPunct && (t.s == "+" || t.s == "-")) {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &MathOp{base: base{t.pos}, Op: t.s, L: left, R: right}
	}
}

// parsePipeChain applies zero or more trailing `| name(args)` filters to
// target, left-associatively.
func (p *exprParser) parsePipeChain(target Expr) (Expr, error) {
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if !p.isPunct(t, "|") {
			return target, nil
		}
		p.next()
		name, err := p.next()
		if err != nil {
			return nil, err
		}
		if name.kind != tIdent {
			return nil, parseErr(p.template, name.pos, "expected filter name after '|', got %q", tokDesc(name))
		}
		args, err := p.maybeCallArgs()
		if err != nil {
			return nil, err
		}
		target = &FilterApply{base: base{t.pos}, Target: target, Name: name.s, Args: args}
	}
}

func (p *exprParser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if !(t.kind == tPunct && (t.s == "*" || t.s == "/" || t.s == "%")) {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &MathOp{base: base{t.pos}, Op: t.s, L: left, R: right}
	}
}

// parseUnary handles a leading '-' directly in front of a numeric
// literal (the grammar has no general-purpose unary negation operator
// over arbitrary expressions, only signed numeric literals, per §4.2).
func (p *exprParser) parseUnary() (Expr, error) {
	t, err := p.peek()
	if err != nil {
		return nil, err
	}
	if p.isPunct(t, "-") {
		p.next()
		n, err := p.next()
		if err != nil {
			return nil, err
		}
		switch n.kind {
		case tInt:
			return &Literal{base: base{t.pos}, Value: Integer(-n.i)}, nil
		case tFloat:
			return &Literal{base: base{t.pos}, Value: Float(-n.f)}, nil
		default:
			return nil, parseErr(p.template, n.pos, "unary '-' must be followed by a number literal, got %q", tokDesc(n))
		}
	}
	return p.parsePostfix()
}

func (p *exprParser) parsePostfix() (Expr, error) {
	prim, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	id, ok := prim.(*Ident)
	if !ok {
		return prim, nil
	}
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch {
		case p.isPunct(t, "."):
			p.next()
			n, err := p.next()
			if err != nil {
				return nil, err
			}
			switch n.kind {
			case tIdent:
				id.Path.Steps = append(id.Path.Steps, Step{Name: n.s})
			case tInt:
				id.Path.Steps = append(id.Path.Steps, Step{HasIndex: true, IndexExpr: &Literal{base: base{n.pos}, Value: Integer(n.i)}})
			default:
				return nil, parseErr(p.template, n.pos, "expected field name or index after '.', got %q", tokDesc(n))
			}
		case p.isPunct(t, "["):
			p.next()
			idxExpr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			id.Path.Steps = append(id.Path.Steps, Step{HasIndex: true, IndexExpr: idxExpr})
		default:
			return id, nil
		}
	}
}

func (p *exprParser) parsePrimary() (Expr, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	switch t.kind {
	case tInt:
		return &Literal{base: base{t.pos}, Value: Integer(t.i)}, nil
	case tFloat:
		return &Literal{base: base{t.pos}, Value: Float(t.f)}, nil
	case tString:
		return &Literal{base: base{t.pos}, Value: String(t.s)}, nil
	case tPunct:
		if t.s == "(" {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
		if t.s == "[" {
			var items []Expr
			for {
				tt, err := p.peek()
				if err != nil {
					return nil, err
				}
				if p.isPunct(tt, "]") {
					p.next()
					break
				}
				item, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				items = append(items, item)
				tt2, err := p.peek()
				if err != nil {
					return nil, err
				}
				if p.isPunct(tt2, ",") {
					p.next()
					continue
				}
				if err := p.expectPunct("]"); err != nil {
					return nil, err
				}
				break
			}
			return &ArrayLit{base: base{t.pos}, Items: items}, nil
		}
		return nil, parseErr(p.template, t.pos, "unexpected token %q", tokDesc(t))
	case tIdent:
		switch t.s {
		case "true":
			return &Literal{base: base{t.pos}, Value: Bool(true)}, nil
		case "false":
			return &Literal{base: base{t.pos}, Value: Bool(false)}, nil
		case "super":
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return &SuperCall{base: base{t.pos}}, nil
		case "__tera_context":
			return &MagicContext{base: base{t.pos}}, nil
		}
		nt, err := p.peek()
		if err != nil {
			return nil, err
		}
		if p.isPunct(nt, "::") {
			p.next()
			nameTok, err := p.next()
			if err != nil {
				return nil, err
			}
			if nameTok.kind != tIdent {
				return nil, parseErr(p.template, nameTok.pos, "expected macro name after '::', got %q", tokDesc(nameTok))
			}
			args, err := p.requireCallArgs()
			if err != nil {
				return nil, err
			}
			return &MacroCall{base: base{t.pos}, Namespace: t.s, Name: nameTok.s, Args: args}, nil
		}
		if p.isPunct(nt, "(") {
			args, err := p.requireCallArgs()
			if err != nil {
				return nil, err
			}
			return &FunctionCall{base: base{t.pos}, Name: t.s, Args: args}, nil
		}
		return &Ident{base: base{t.pos}, Path: Path{Root: t.s}}, nil
	default:
		return nil, parseErr(p.template, t.pos, "unexpected token %q", tokDesc(t))
	}
}

// maybeCallArgs parses a parenthesized argument list if one is
// present, otherwise returns an empty CallArgs (used after filter and
// test names, where parentheses are optional when there are no args).
func (p *exprParser) maybeCallArgs() (CallArgs, error) {
	t, err := p.peek()
	if err != nil {
		return CallArgs{}, err
	}
	if !p.isPunct(t, "(") {
		return CallArgs{}, nil
	}
	return p.requireCallArgs()
}

// requireCallArgs parses a parenthesized argument list, distinguishing
// `name=expr` keyword arguments from bare positional ones.
func (p *exprParser) requireCallArgs() (CallArgs, error) {
	if err := p.expectPunct("("); err != nil {
		return CallArgs{}, err
	}
	args := CallArgs{Named: map[string]Expr{}}
	for {
		t, err := p.peek()
		if err != nil {
			return CallArgs{}, err
		}
		if p.isPunct(t, ")") {
			p.next()
			break
		}
		named := false
		if t.kind == tIdent {
			t2, err := p.peek2()
			if err != nil {
				return CallArgs{}, err
			}
			if p.isPunct(t2, "=") {
				named = true
			}
		}
		if named {
			p.next()
			p.next()
			val, err := p.parseExpr()
			if err != nil {
				return CallArgs{}, err
			}
			args.Named[t.s] = val
			args.NamedOrder = append(args.NamedOrder, t.s)
		} else {
			val, err := p.parseExpr()
			if err != nil {
				return CallArgs{}, err
			}
			args.Positional = append(args.Positional, val)
		}
		tt, err := p.peek()
		if err != nil {
			return CallArgs{}, err
		}
		if p.isPunct(tt, ",") {
			p.next()
			continue
		}
		if err := p.expectPunct(")"); err != nil {
			return CallArgs{}, err
		}
		break
	}
	return args, nil
}
