package loom

import "strings"

// Parse scans and parses a single template's source into its top-level
// node list. templateName is only used to annotate error positions.
func Parse(templateName, src string) ([]Node, error) {
	p := &parser{l: newLexer(src), template: templateName}
	body, ender, _, err := p.parseBody(bodyCtx{topLevel: true}, nil)
	if err != nil {
		return nil, err
	}
	if ender != "" {
		return nil, parseErr(templateName, Position{}, "unexpected {%% end%s %%} with no matching opening tag", ender)
	}
	return body, nil
}

type parser struct {
	l        *lexer
	template string
}

// bodyCtx threads down the structural restrictions enforced while
// parsing a statement's body (§4.2): block definitions are only legal
// at the document's top level or directly inside a block, macro
// definitions only at the top level, break/continue only inside a for
// loop. self:: macro calls are not restricted here or at eval time: they
// resolve against the template whose body is executing, inside a macro
// or not.
type bodyCtx struct {
	topLevel bool
	inBlock  bool
	inFor    bool
	inMacro  bool
}

func cutsetTrim(s string) string { return strings.Trim(s, " \t\r\n") }

// parseBody parses nodes until EOF or until a statement tag whose name
// is in enders is found, in which case that name is returned as ender
// (with its own closing tag already consumed) without producing a node
// for it. closeTok is the trim-bearing close token of whatever ended
// the body (the ender's own `%}`, or the EOF token at end of input).
func (p *parser) parseBody(ctx bodyCtx, enders map[string]bool) (body []Node, ender string, closeTok tok, err error) {
	pendingTrimLeft := false
	sawNonTrivial := false
	sawExtends := false

	for {
		text, tagTok, err := p.nextTextAndTag()
		if err != nil {
			return nil, "", tok{}, err
		}
		if pendingTrimLeft {
			text = strings.TrimLeft(text, " \t\r\n")
		}
		if tagTok.trimLeft {
			text = strings.TrimRight(text, " \t\r\n")
		}
		if text != "" {
			body = append(body, &TextNode{base{tagTok.pos}, text})
			if cutsetTrim(text) != "" {
				sawNonTrivial = true
			}
		}

		switch tagTok.kind {
		case tEOF:
			if len(enders) > 0 {
				return nil, "", tok{}, parseErr(p.template, tagTok.pos, "unexpected end of template, expected a closing tag")
			}
			return body, "", tagTok, nil

		case tCommStart:
			closeTok, err := p.l.skipCommentBody()
			if err != nil {
				return nil, "", tok{}, err
			}
			pendingTrimLeft = closeTok.trim
			continue

		case tVarStart:
			ep := newExprParser(p.l, false, p.template)
			e, err := ep.parseExpr()
			if err != nil {
				return nil, "", tok{}, err
			}
			end, err := ep.next()
			if err != nil {
				return nil, "", tok{}, err
			}
			if end.kind != tVarEnd {
				return nil, "", tok{}, parseErr(p.template, end.pos, "expected '}}', got %q", tokDesc(end))
			}
			pendingTrimLeft = end.trim
			sawNonTrivial = true
			body = append(body, &OutputNode{base{tagTok.pos}, e})
			continue

		case tStmtStart:
			ep := newExprParser(p.l, true, p.template)
			nameTok, err := ep.next()
			if err != nil {
				return nil, "", tok{}, err
			}
			if nameTok.kind != tIdent {
				return nil, "", tok{}, parseErr(p.template, nameTok.pos, "expected a tag name, got %q", tokDesc(nameTok))
			}
			name := nameTok.s

			if name == "raw" {
				end, err := ep.next()
				if err != nil {
					return nil, "", tok{}, err
				}
				if end.kind != tStmtEnd {
					return nil, "", tok{}, parseErr(p.template, end.pos, "expected '%%}' after raw, got %q", tokDesc(end))
				}
				rawText, endrawTok, err := p.l.scanRawUntilEndraw()
				if err != nil {
					return nil, "", tok{}, err
				}
				if end.trim {
					rawText = strings.TrimLeft(rawText, " \t\r\n")
				}
				if endrawTok.trimLeft {
					rawText = strings.TrimRight(rawText, " \t\r\n")
				}
				pendingTrimLeft = endrawTok.trim
				sawNonTrivial = true
				body = append(body, &RawNode{base{tagTok.pos}, rawText})
				continue
			}

			if enders[name] {
				if name == "elif" {
					// elif carries a trailing condition expression before
					// its own close; let the if-parser finish it with a
					// fresh expression parser over the same lexer.
					return body, name, tok{}, nil
				}
				ct, err := p.finishEnderTag(ep, name)
				if err != nil {
					return nil, "", tok{}, err
				}
				return body, name, ct, nil
			}

			node, ct, err := p.parseStatement(ctx, name, nameTok, ep)
			if err != nil {
				return nil, "", tok{}, err
			}
			pendingTrimLeft = ct.trim
			if name == "extends" {
				if sawNonTrivial {
					return nil, "", tok{}, parseErr(p.template, tagTok.pos, "extends must be the first tag in a template")
				}
				if sawExtends {
					return nil, "", tok{}, parseErr(p.template, tagTok.pos, "a template may contain at most one extends tag")
				}
				sawExtends = true
			} else {
				sawNonTrivial = true
			}
			if node != nil {
				body = append(body, node)
			}
			continue
		}
	}
}

// finishEnderTag consumes an ending tag's optional trailing repeated
// name (`{% endblock name %}`, `{% endmacro name %}`, `{% endfilter
// name %}` — tolerated even when it doesn't match the opening name) and
// its closing `%}`.
func (p *parser) finishEnderTag(ep *exprParser, name string) (tok, error) {
	if name == "endblock" || name == "endmacro" || name == "endfilter" {
		t, err := ep.peek()
		if err != nil {
			return tok{}, err
		}
		if t.kind == tIdent {
			ep.next()
		}
	}
	end, err := ep.next()
	if err != nil {
		return tok{}, err
	}
	if end.kind != tStmtEnd {
		return tok{}, parseErr(p.template, end.pos, "expected '%%}', got %q", tokDesc(end))
	}
	return end, nil
}

func (p *parser) nextTextAndTag() (string, tok, error) {
	t, err := p.l.scanOutside()
	if err != nil {
		return "", tok{}, err
	}
	if t.kind == tText {
		t2, err := p.l.scanOutside()
		if err != nil {
			return "", tok{}, err
		}
		return t.s, t2, nil
	}
	return "", t, nil
}

// parseStatement parses one non-ender, non-raw tag's body (and nested
// block, if it has one) and returns the node plus the trim-bearing
// close token of whichever `%}` ultimately ended this statement.
func (p *parser) parseStatement(ctx bodyCtx, name string, nameTok tok, ep *exprParser) (Node, tok, error) {
	pos := nameTok.pos
	switch name {
	case "if":
		return p.parseIf(ctx, pos, ep)
	case "for":
		return p.parseFor(ctx, pos, ep)
	case "set", "set_global":
		return p.parseSet(pos, ep, name == "set_global")
	case "include":
		return p.parseInclude(pos, ep)
	case "import":
		return p.parseImport(pos, ep)
	case "block":
		return p.parseBlock(ctx, pos, ep)
	case "extends":
		if !ctx.topLevel {
			return nil, tok{}, parseErr(p.template, pos, "extends is only valid at the top level of a template")
		}
		return p.parseExtends(pos, ep)
	case "macro":
		if !ctx.topLevel {
			return nil, tok{}, parseErr(p.template, pos, "macro definitions are only allowed at the top level of a template")
		}
		return p.parseMacro(pos, ep)
	case "filter":
		return p.parseFilterSection(ctx, pos, ep)
	case "break":
		if !ctx.inFor {
			return nil, tok{}, parseErr(p.template, pos, "break is only valid inside a for loop")
		}
		end, err := ep.next()
		if err != nil || end.kind != tStmtEnd {
			return nil, tok{}, parseErr(p.template, pos, "expected '%%}' after break")
		}
		return &BreakNode{base{pos}}, end, nil
	case "continue":
		if !ctx.inFor {
			return nil, tok{}, parseErr(p.template, pos, "continue is only valid inside a for loop")
		}
		end, err := ep.next()
		if err != nil || end.kind != tStmtEnd {
			return nil, tok{}, parseErr(p.template, pos, "expected '%%}' after continue")
		}
		return &ContinueNode{base{pos}}, end, nil
	default:
		return nil, tok{}, parseErr(p.template, pos, "unknown tag %q", name)
	}
}

func (p *parser) parseIf(ctx bodyCtx, pos Position, ep *exprParser) (Node, tok, error) {
	node := &IfNode{base: base{pos}}
	cond, err := ep.parseExpr()
	if err != nil {
		return nil, tok{}, err
	}
	if err := p.expectTagClose(ep); err != nil {
		return nil, tok{}, err
	}
	for {
		body, ender, closeTok, err := p.parseBody(childCtx(ctx), map[string]bool{"elif": true, "else": true, "endif": true})
		if err != nil {
			return nil, tok{}, err
		}
		node.Branches = append(node.Branches, IfBranch{Cond: cond, Body: body})
		switch ender {
		case "elif":
			ep2 := newExprParser(p.l, true, p.template)
			cond, err = ep2.parseExpr()
			if err != nil {
				return nil, tok{}, err
			}
			if err := p.expectTagClose(ep2); err != nil {
				return nil, tok{}, err
			}
			continue
		case "else":
			elseBody, ender2, closeTok2, err := p.parseBody(childCtx(ctx), map[string]bool{"endif": true})
			if err != nil {
				return nil, tok{}, err
			}
			_ = ender2
			node.Else = elseBody
			return node, closeTok2, nil
		case "endif":
			return node, closeTok, nil
		}
	}
}

func (p *parser) parseFor(ctx bodyCtx, pos Position, ep *exprParser) (Node, tok, error) {
	first, err := ep.next()
	if err != nil || first.kind != tIdent {
		return nil, tok{}, parseErr(p.template, pos, "expected loop variable name after 'for'")
	}
	keyVar, valueVar := "", first.s
	if t, err := ep.peek(); err == nil && ep.isPunct(t, ",") {
		ep.next()
		second, err := ep.next()
		if err != nil || second.kind != tIdent {
			return nil, tok{}, parseErr(p.template, pos, "expected second loop variable name after ','")
		}
		keyVar, valueVar = valueVar, second.s
	}
	in, err := ep.next()
	if err != nil || in.kind != tIdent || in.s != "in" {
		return nil, tok{}, parseErr(p.template, pos, "expected 'in' in for loop")
	}
	container, err := ep.parseExpr()
	if err != nil {
		return nil, tok{}, err
	}
	if err := p.expectTagClose(ep); err != nil {
		return nil, tok{}, err
	}
	innerCtx := childCtx(ctx)
	innerCtx.inFor = true
	body, ender, closeTok, err := p.parseBody(innerCtx, map[string]bool{"else": true, "endfor": true})
	if err != nil {
		return nil, tok{}, err
	}
	node := &ForNode{base: base{pos}, KeyVar: keyVar, ValueVar: valueVar, Container: container, Body: body}
	if ender == "else" {
		elseBody, _, closeTok2, err := p.parseBody(childCtx(ctx), map[string]bool{"endfor": true})
		if err != nil {
			return nil, tok{}, err
		}
		node.Else = elseBody
		return node, closeTok2, nil
	}
	return node, closeTok, nil
}

func (p *parser) parseSet(pos Position, ep *exprParser, global bool) (Node, tok, error) {
	name, err := ep.next()
	if err != nil || name.kind != tIdent {
		return nil, tok{}, parseErr(p.template, pos, "expected variable name after 'set'")
	}
	if err := ep.expectPunct("="); err != nil {
		return nil, tok{}, err
	}
	e, err := ep.parseExpr()
	if err != nil {
		return nil, tok{}, err
	}
	end, err := ep.next()
	if err != nil || end.kind != tStmtEnd {
		return nil, tok{}, parseErr(p.template, pos, "expected '%%}' after set")
	}
	return &SetNode{base: base{pos}, Name: name.s, Expr: e, Global: global}, end, nil
}

func (p *parser) parseInclude(pos Position, ep *exprParser) (Node, tok, error) {
	var names []string
	t, err := ep.peek()
	if err != nil {
		return nil, tok{}, err
	}
	switch {
	case t.kind == tString:
		ep.next()
		names = []string{t.s}
	case ep.isPunct(t, "["):
		ep.next()
		for {
			tt, err := ep.next()
			if err != nil {
				return nil, tok{}, err
			}
			if tt.kind != tString {
				return nil, tok{}, parseErr(p.template, tt.pos, "include array entries must be strings")
			}
			names = append(names, tt.s)
			sep, err := ep.peek()
			if err != nil {
				return nil, tok{}, err
			}
			if ep.isPunct(sep, ",") {
				ep.next()
				continue
			}
			if err := ep.expectPunct("]"); err != nil {
				return nil, tok{}, err
			}
			break
		}
	default:
		return nil, tok{}, parseErr(p.template, t.pos, "expected a template name or array after 'include'")
	}
	ignoreMissing := false
	if t, err := ep.peek(); err == nil && ep.isIdent(t, "ignore") {
		ep.next()
		missing, err := ep.next()
		if err != nil || missing.kind != tIdent || missing.s != "missing" {
			return nil, tok{}, parseErr(p.template, pos, "expected 'missing' after 'ignore'")
		}
		ignoreMissing = true
	}
	end, err := ep.next()
	if err != nil || end.kind != tStmtEnd {
		return nil, tok{}, parseErr(p.template, pos, "expected '%%}' after include")
	}
	return &IncludeNode{base: base{pos}, Names: names, IgnoreMissing: ignoreMissing}, end, nil
}

func (p *parser) parseImport(pos Position, ep *exprParser) (Node, tok, error) {
	tmpl, err := ep.next()
	if err != nil || tmpl.kind != tString {
		return nil, tok{}, parseErr(p.template, pos, "expected a quoted template name after 'import'")
	}
	as, err := ep.next()
	if err != nil || as.kind != tIdent || as.s != "as" {
		return nil, tok{}, parseErr(p.template, pos, "expected 'as' after import template name")
	}
	ns, err := ep.next()
	if err != nil || ns.kind != tIdent {
		return nil, tok{}, parseErr(p.template, pos, "expected a namespace name after 'as'")
	}
	end, err := ep.next()
	if err != nil || end.kind != tStmtEnd {
		return nil, tok{}, parseErr(p.template, pos, "expected '%%}' after import")
	}
	return &ImportNode{base: base{pos}, Template: tmpl.s, Namespace: ns.s}, end, nil
}

func (p *parser) parseBlock(ctx bodyCtx, pos Position, ep *exprParser) (Node, tok, error) {
	if !ctx.topLevel && !ctx.inBlock {
		return nil, tok{}, parseErr(p.template, pos, "blocks may only appear at the top level or nested inside another block")
	}
	name, err := ep.next()
	if err != nil || name.kind != tIdent {
		return nil, tok{}, parseErr(p.template, pos, "expected a block name")
	}
	if err := p.expectTagClose(ep); err != nil {
		return nil, tok{}, err
	}
	innerCtx := bodyCtx{topLevel: false, inBlock: true}
	body, _, closeTok, err := p.parseBody(innerCtx, map[string]bool{"endblock": true})
	if err != nil {
		return nil, tok{}, err
	}
	return &BlockNode{base: base{pos}, Name: name.s, Body: body}, closeTok, nil
}

func (p *parser) parseExtends(pos Position, ep *exprParser) (Node, tok, error) {
	name, err := ep.next()
	if err != nil || name.kind != tString {
		return nil, tok{}, parseErr(p.template, pos, "expected a quoted template name after 'extends'")
	}
	end, err := ep.next()
	if err != nil || end.kind != tStmtEnd {
		return nil, tok{}, parseErr(p.template, pos, "expected '%%}' after extends")
	}
	return &ExtendsNode{base: base{pos}, Name: name.s}, end, nil
}

func (p *parser) parseMacro(pos Position, ep *exprParser) (Node, tok, error) {
	name, err := ep.next()
	if err != nil || name.kind != tIdent {
		return nil, tok{}, parseErr(p.template, pos, "expected a macro name")
	}
	if err := ep.expectPunct("("); err != nil {
		return nil, tok{}, err
	}
	var params []MacroParam
	for {
		t, err := ep.peek()
		if err != nil {
			return nil, tok{}, err
		}
		if ep.isPunct(t, ")") {
			ep.next()
			break
		}
		pname, err := ep.next()
		if err != nil || pname.kind != tIdent {
			return nil, tok{}, parseErr(p.template, pos, "expected a parameter name")
		}
		var def Expr
		if t, err := ep.peek(); err == nil && ep.isPunct(t, "=") {
			ep.next()
			def, err = ep.parseExpr()
			if err != nil {
				return nil, tok{}, err
			}
		}
		params = append(params, MacroParam{Name: pname.s, Default: def})
		sep, err := ep.peek()
		if err != nil {
			return nil, tok{}, err
		}
		if ep.isPunct(sep, ",") {
			ep.next()
			continue
		}
		if err := ep.expectPunct(")"); err != nil {
			return nil, tok{}, err
		}
		break
	}
	if err := p.expectTagClose(ep); err != nil {
		return nil, tok{}, err
	}
	innerCtx := bodyCtx{topLevel: false, inMacro: true}
	body, _, closeTok, err := p.parseBody(innerCtx, map[string]bool{"endmacro": true})
	if err != nil {
		return nil, tok{}, err
	}
	return &MacroDefNode{base: base{pos}, Name: name.s, Params: params, Body: body}, closeTok, nil
}

func (p *parser) parseFilterSection(ctx bodyCtx, pos Position, ep *exprParser) (Node, tok, error) {
	name, err := ep.next()
	if err != nil || name.kind != tIdent {
		return nil, tok{}, parseErr(p.template, pos, "expected a filter name")
	}
	args, err := ep.maybeCallArgs()
	if err != nil {
		return nil, tok{}, err
	}
	if err := p.expectTagClose(ep); err != nil {
		return nil, tok{}, err
	}
	body, _, closeTok, err := p.parseBody(childCtx(ctx), map[string]bool{"endfilter": true})
	if err != nil {
		return nil, tok{}, err
	}
	return &FilterSectionNode{base: base{pos}, Name: name.s, Args: args, Body: body}, closeTok, nil
}

func (p *parser) expectTagClose(ep *exprParser) error {
	end, err := ep.next()
	if err != nil {
		return err
	}
	if end.kind != tStmtEnd {
		return parseErr(p.template, end.pos, "expected '%%}', got %q", tokDesc(end))
	}
	return nil
}

// childCtx derives the context for a nested body that is not itself a
// new block/macro/for: topLevel and inBlock never propagate down into
// if/filter bodies (so a block tag, say, can't sneak inside an `if`),
// while inFor/inMacro propagate since they're loop/macro membership
// facts, not placement facts.
func childCtx(ctx bodyCtx) bodyCtx {
	return bodyCtx{inFor: ctx.inFor, inMacro: ctx.inMacro}
}
