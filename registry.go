package loom

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/loomtpl/loom/pkg/tplvalidate"
)

// ErrTemplateNotFound is returned by a Loader when it has no source
// for the requested name.
var ErrTemplateNotFound = errors.New("loom: template not found")

// Loader resolves template names to source text, analogous to the
// teacher's own source-resolution interface but generalized beyond a
// single embedded filesystem.
type Loader interface {
	GetSource(name string) (string, error)
}

// MemoryLoader is a Loader backed by an in-process map, the reference
// implementation used by tests and by callers who build their template
// set programmatically rather than from a filesystem.
type MemoryLoader struct {
	mu      sync.RWMutex
	sources map[string]string
}

func NewMemoryLoader(sources map[string]string) *MemoryLoader {
	m := make(map[string]string, len(sources))
	for k, v := range sources {
		m[k] = v
	}
	return &MemoryLoader{sources: m}
}

func (l *MemoryLoader) GetSource(name string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, ok := l.sources[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return src, nil
}

func (l *MemoryLoader) Set(name, src string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[name] = src
}

// blockOverride is one template's contribution to a block's override
// chain: its own body plus the template that defined it, needed so
// super() and macro namespace resolution inside that body see the
// right owner.
type blockOverride struct {
	owner string
	body  []Node
}

type compiledTemplate struct {
	name    string
	nodes   []Node
	extends string // empty if this template does not extend another
	blocks  map[string]*BlockNode
	macros  map[string]*MacroDefNode
	imports map[string]string // namespace -> template name
}

func compileTemplate(name, src string) (*compiledTemplate, error) {
	nodes, err := Parse(name, src)
	if err != nil {
		return nil, err
	}
	ct := &compiledTemplate{
		name:    name,
		nodes:   nodes,
		blocks:  map[string]*BlockNode{},
		macros:  map[string]*MacroDefNode{},
		imports: map[string]string{},
	}
	for _, n := range nodes {
		switch node := n.(type) {
		case *ExtendsNode:
			ct.extends = node.Name
		case *MacroDefNode:
			paramNames := make([]string, len(node.Params))
			for i, p := range node.Params {
				paramNames[i] = p.Name
			}
			if err := tplvalidate.NoDuplicates(paramNames, fmt.Sprintf("macro %q parameters", node.Name)); err != nil {
				return nil, parseErr(name, node.Pos(), "%s", err)
			}
			ct.macros[node.Name] = node
		}
	}
	collectBlocks(nodes, ct.blocks)
	collectImports(nodes, ct.imports)
	return ct, nil
}

func collectBlocks(nodes []Node, out map[string]*BlockNode) {
	for _, n := range nodes {
		switch node := n.(type) {
		case *BlockNode:
			out[node.Name] = node
			collectBlocks(node.Body, out)
		case *IfNode:
			for _, br := range node.Branches {
				collectBlocks(br.Body, out)
			}
			collectBlocks(node.Else, out)
		case *ForNode:
			collectBlocks(node.Body, out)
			collectBlocks(node.Else, out)
		case *FilterSectionNode:
			collectBlocks(node.Body, out)
		}
	}
}

func collectImports(nodes []Node, out map[string]string) {
	for _, n := range nodes {
		switch node := n.(type) {
		case *ImportNode:
			out[node.Namespace] = node.Template
		case *IfNode:
			for _, br := range node.Branches {
				collectImports(br.Body, out)
			}
			collectImports(node.Else, out)
		case *ForNode:
			collectImports(node.Body, out)
			collectImports(node.Else, out)
		case *BlockNode:
			collectImports(node.Body, out)
		case *FilterSectionNode:
			collectImports(node.Body, out)
		}
	}
}

// Registry holds a set of parsed, cross-linked templates plus the
// filter/test/function extension tables used to render them, per §4.3.
type Registry struct {
	mu                  sync.RWMutex
	loader              Loader
	templates           map[string]*compiledTemplate
	filters             *extRegistry[FilterFunc]
	tests               *extRegistry[TestFunc]
	functions           *extRegistry[FunctionFunc]
	autoescapeSuffixes  []string
	maxInheritanceDepth int
	maxRenderDepth      int
	loadedNames         []string // last discovery set passed to Load/LoadAll, for Reload
}

// Option configures a Registry at construction time.
type Option func(*Registry)

func WithAutoescapeSuffixes(suffixes ...string) Option {
	return func(r *Registry) { r.autoescapeSuffixes = suffixes }
}

func WithMaxInheritanceDepth(n int) Option {
	return func(r *Registry) { r.maxInheritanceDepth = n }
}

func WithMaxRenderDepth(n int) Option {
	return func(r *Registry) { r.maxRenderDepth = n }
}

func WithLoader(l Loader) Option {
	return func(r *Registry) { r.loader = l }
}

// NewRegistry builds an empty Registry with the built-in filter/test/
// function library already registered.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		templates:           map[string]*compiledTemplate{},
		filters:             newExtRegistry[FilterFunc](),
		tests:               newExtRegistry[TestFunc](),
		functions:           newExtRegistry[FunctionFunc](),
		autoescapeSuffixes:  []string{".html", ".htm", ".xml"},
		maxInheritanceDepth: 64,
		maxRenderDepth:      128,
	}
	registerBuiltinFilters(r.filters)
	registerBuiltinTests(r.tests)
	registerBuiltinFunctions(r.functions)
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) shouldAutoescape(name string) bool {
	for _, suf := range r.autoescapeSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// RegisterFilter adds or replaces a filter by name.
func (r *Registry) RegisterFilter(name string, fn FilterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters.register(name, fn)
}

// RegisterTest adds or replaces a test by name.
func (r *Registry) RegisterTest(name string, fn TestFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests.register(name, fn)
}

// RegisterFunction adds or replaces a global function by name.
func (r *Registry) RegisterFunction(name string, fn FunctionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions.register(name, fn)
}

// Add parses src and installs it as name, then re-validates the whole
// registry (an earlier template's `extends` may now resolve).
func (r *Registry) Add(name, src string) error {
	if err := tplvalidate.NotEmpty(name, "template name"); err != nil {
		return registryErr("%s", err)
	}
	ct, err := compileTemplate(name, src)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = ct
	return r.validateLocked()
}

// AddBatch parses every source concurrently (via errgroup) and, only if
// every one parses cleanly, installs them all atomically; if the
// cross-template validation that follows fails, the whole batch is
// rolled back and the previous templates are restored. Parse failures
// across the batch are aggregated with go-multierror so a caller sees
// every bad template in one report, not just the first.
func (r *Registry) AddBatch(sources map[string]string) error {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	compiled := make([]*compiledTemplate, len(names))
	parseErrs := make([]error, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			ct, err := compileTemplate(name, sources[name])
			if err != nil {
				parseErrs[i] = fmt.Errorf("%s: %w", name, err)
				return nil
			}
			compiled[i] = ct
			return nil
		})
	}
	_ = g.Wait() // stage goroutines never return a non-nil error themselves; failures are collected in parseErrs
	var errs *multierror.Error
	for _, err := range parseErrs {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		return errs.ErrorOrNil()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := make(map[string]*compiledTemplate, len(compiled))
	for _, ct := range compiled {
		if old, ok := r.templates[ct.name]; ok {
			prev[ct.name] = old
		}
		r.templates[ct.name] = ct
	}
	if err := r.validateLocked(); err != nil {
		for _, ct := range compiled {
			if old, ok := prev[ct.name]; ok {
				r.templates[ct.name] = old
			} else {
				delete(r.templates, ct.name)
			}
		}
		return err
	}
	return nil
}

// Extend merges other's templates and extension tables into r.
// Colliding template names are an error (batch-aggregated); colliding
// filter/test/function names silently replace, matching register's
// own semantics.
func (r *Registry) Extend(other *Registry) error {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs *multierror.Error
	for name, ct := range other.templates {
		if _, exists := r.templates[name]; exists {
			errs = multierror.Append(errs, fmt.Errorf("template %q already exists in this registry", name))
			continue
		}
		r.templates[name] = ct
	}
	if errs.ErrorOrNil() != nil {
		return errs.ErrorOrNil()
	}
	r.filters.extend(other.filters)
	r.tests.extend(other.tests)
	r.functions.extend(other.functions)
	return r.validateLocked()
}

// validateLocked checks every template's extends/import targets exist,
// and that no inheritance cycle or over-deep chain exists. Caller must
// hold r.mu.
func (r *Registry) validateLocked() error {
	var errs *multierror.Error
	for name, ct := range r.templates {
		if ct.extends != "" {
			if _, ok := r.templates[ct.extends]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("template %q extends missing template %q", name, ct.extends))
			}
		}
		err := tplvalidate.MapDict(ct.imports, func(ns, target string) error {
			if _, ok := r.templates[target]; !ok {
				return fmt.Errorf("template %q imports missing template %q as %q", name, target, ns)
			}
			return nil
		})
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for name := range r.templates {
		if _, _, err := r.chainLocked(name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// chainLocked walks name's extends chain from most- to least-derived,
// returning it alongside the base (extends-less) template. Caller must
// hold r.mu (for read).
func (r *Registry) chainLocked(name string) ([]*compiledTemplate, *compiledTemplate, error) {
	seen := map[string]bool{}
	var chain []*compiledTemplate
	cur := name
	for {
		ct, ok := r.templates[cur]
		if !ok {
			return nil, nil, registryErr("template %q not found", cur)
		}
		if seen[cur] {
			return nil, nil, registryErr("inheritance cycle detected involving %q", cur)
		}
		seen[cur] = true
		chain = append(chain, ct)
		if len(chain) > r.maxInheritanceDepth {
			return nil, nil, registryErr("inheritance chain for %q exceeds max depth (%d)", name, r.maxInheritanceDepth)
		}
		if ct.extends == "" {
			return chain, ct, nil
		}
		cur = ct.extends
	}
}

// blocksByNameLocked computes, for every block name appearing anywhere
// in chain, the override list ordered most-derived first. Caller must
// hold r.mu (for read).
func blocksByNameLocked(chain []*compiledTemplate) map[string][]blockOverride {
	out := map[string][]blockOverride{}
	for _, ct := range chain {
		for blockName, bn := range ct.blocks {
			out[blockName] = append(out[blockName], blockOverride{owner: ct.name, body: bn.Body})
		}
	}
	return out
}

// Render looks up name and renders it against ctx.
func (r *Registry) Render(name string, ctx Context) (string, error) {
	r.mu.RLock()
	chain, base, err := r.chainLocked(name)
	if err != nil {
		r.mu.RUnlock()
		return "", err
	}
	blocks := blocksByNameLocked(chain)
	r.mu.RUnlock()
	return r.renderResolved(base.name, base.nodes, blocks, ctx, nil)
}

// RenderString parses src as an anonymous, unregistered template and
// renders it immediately (the "one-off" render operation); it may
// extend an already-registered template but is never itself stored.
func (r *Registry) RenderString(src string, ctx Context) (string, error) {
	const anonName = "<string>"
	ct, err := compileTemplate(anonName, src)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	chain := []*compiledTemplate{ct}
	base := ct
	if ct.extends != "" {
		rest, baseOfRest, err := r.chainLocked(ct.extends)
		if err != nil {
			r.mu.RUnlock()
			return "", err
		}
		chain = append(chain, rest...)
		base = baseOfRest
	}
	for ns, target := range ct.imports {
		if _, ok := r.templates[target]; !ok {
			r.mu.RUnlock()
			return "", registryErr("one-off template imports missing template %q as %q", target, ns)
		}
	}
	blocks := blocksByNameLocked(chain)
	r.mu.RUnlock()
	return r.renderResolved(base.name, base.nodes, blocks, ctx, ct)
}

// renderResolved walks baseNodes to produce output. anon, if non-nil,
// is a one-off template's own compiledTemplate, consulted by self::
// macro-namespace resolution without ever being installed into
// r.templates (a one-off render must not mutate the shared registry).
func (r *Registry) renderResolved(baseName string, baseNodes []Node, blocks map[string][]blockOverride, ctx Context, anon *compiledTemplate) (string, error) {
	var b strings.Builder
	rs := &renderState{
		reg:         r,
		scopes:      newScopeStack(ctx, r.maxRenderDepth),
		owner:       baseName,
		builder:     &b,
		blockChains: blocks,
		anon:        anon,
	}
	if err := rs.execNodes(baseNodes); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Load fetches name from the configured Loader and installs it, the
// on-demand counterpart to Add for registries built with WithLoader.
// It also remembers name as part of the discovery set Reload replays.
func (r *Registry) Load(name string) error {
	if r.loader == nil {
		return registryErr("Load: registry has no Loader configured")
	}
	src, err := r.loader.GetSource(name)
	if err != nil {
		return err
	}
	if err := r.Add(name, src); err != nil {
		return err
	}
	r.mu.Lock()
	r.rememberLoadedLocked(name)
	r.mu.Unlock()
	return nil
}

// LoadAll fetches and installs every name from the configured Loader as
// a single atomic batch (see AddBatch), and records names as the
// discovery set Reload replays.
func (r *Registry) LoadAll(names []string) error {
	if r.loader == nil {
		return registryErr("LoadAll: registry has no Loader configured")
	}
	sources, err := r.fetchAll(names)
	if err != nil {
		return err
	}
	if err := r.AddBatch(sources); err != nil {
		return err
	}
	r.mu.Lock()
	for _, name := range names {
		r.rememberLoadedLocked(name)
	}
	r.mu.Unlock()
	return nil
}

// rememberLoadedLocked adds name to the discovery set if not already
// present. Caller must hold r.mu.
func (r *Registry) rememberLoadedLocked(name string) {
	for _, n := range r.loadedNames {
		if n == name {
			return
		}
	}
	r.loadedNames = append(r.loadedNames, name)
}

// fetchAll fetches every name from the configured Loader
// concurrently, aggregating failures with go-multierror.
func (r *Registry) fetchAll(names []string) (map[string]string, error) {
	sources := make([]string, len(names))
	fetchErrs := make([]error, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			src, err := r.loader.GetSource(name)
			if err != nil {
				fetchErrs[i] = fmt.Errorf("%s: %w", name, err)
				return nil
			}
			sources[i] = src
			return nil
		})
	}
	_ = g.Wait()
	var errs *multierror.Error
	for _, err := range fetchErrs {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		return nil, errs.ErrorOrNil()
	}
	out := make(map[string]string, len(names))
	for i, name := range names {
		out[name] = sources[i]
	}
	return out, nil
}

// Reload re-fetches the last discovery set supplied to Load/LoadAll
// from the configured Loader and reinstalls it as a single atomic
// batch: if any member fails to fetch or parse, the registry is left
// exactly as it was (§4.3, "all-or-nothing"). AddBatch installs the
// whole set under one write lock, taken only after every source has
// parsed cleanly. A render resolves its inheritance chain and blocks
// once at the start, but looks up included and imported templates
// again as it reaches them, so a render running across a Reload can
// mix pre- and post-reload templates.
func (r *Registry) Reload() error {
	if r.loader == nil {
		return registryErr("Reload: registry has no Loader configured")
	}
	r.mu.RLock()
	names := append([]string(nil), r.loadedNames...)
	r.mu.RUnlock()
	if len(names) == 0 {
		return nil
	}
	sources, err := r.fetchAll(names)
	if err != nil {
		slog.Warn("loom: reload aborted, discovery set failed to refetch", "error", err)
		return err
	}
	return r.AddBatch(sources)
}
