package loom

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ncruces/go-strftime"
)

func registerBuiltinFilters(reg *extRegistry[FilterFunc]) {
	reg.register("lower", filterLower)
	reg.register("upper", filterUpper)
	reg.register("capitalize", filterCapitalize)
	reg.register("title", filterTitle)
	reg.register("wordcount", filterWordcount)
	reg.register("length", filterLength)
	reg.register("reverse", filterReverse)
	reg.register("trim", filterTrim)
	reg.register("trim_start", filterTrimStart)
	reg.register("trim_end", filterTrimEnd)
	reg.register("trim_start_matches", filterTrimStartMatches)
	reg.register("trim_end_matches", filterTrimEndMatches)
	reg.register("addslashes", filterAddslashes)
	reg.register("replace", filterReplace)
	reg.register("split", filterSplit)
	reg.register("striptags", filterStriptags)
	reg.register("linebreaksbr", filterLinebreaksbr)
	reg.register("spaceless", filterSpaceless)
	reg.register("indent", filterIndent)
	reg.register("truncate", filterTruncate)
	reg.register("as_str", filterAsStr)

	reg.register("abs", filterAbs)
	reg.register("round", filterRound)
	reg.register("pluralize", filterPluralize)
	reg.register("filesizeformat", filterFilesizeformat)
	reg.register("int", filterInt)
	reg.register("float", filterFloat)

	reg.register("first", filterFirst)
	reg.register("last", filterLast)
	reg.register("nth", filterNth)
	reg.register("join", filterJoin)
	reg.register("sort", filterSort)
	reg.register("unique", filterUnique)
	reg.register("slice", filterSlice)
	reg.register("group_by", filterGroupBy)
	reg.register("filter", filterFilter)
	reg.register("map", filterMap)
	reg.register("concat", filterConcat)
	reg.register("get", filterGet)

	reg.register("json_encode", filterJSONEncode)
	reg.register("escape", filterEscape)
	reg.register("escape_xml", filterEscapeXML)
	reg.register("urlencode", filterURLEncode)
	reg.register("urlencode_strict", filterURLEncodeStrict)
	reg.register("safe", filterSafe)

	reg.register("date", filterDate)

	reg.register("default", filterDefault)
}

// argString reads a string argument by name first, falling back to the
// positional slot, then def if neither is present.
func argString(args Args, name string, pos int, def string) string {
	if v, ok := args.Get(name); ok {
		s, _ := v.AsString()
		return s
	}
	if v, ok := args.Pos(pos); ok {
		s, _ := v.AsString()
		return s
	}
	return def
}

func argInt(args Args, name string, pos int, def int64) int64 {
	if v, ok := args.Get(name); ok {
		i, _ := v.AsInteger()
		return i
	}
	if v, ok := args.Pos(pos); ok {
		i, _ := v.AsInteger()
		return i
	}
	return def
}

func argBool(args Args, name string, pos int, def bool) bool {
	if v, ok := args.Get(name); ok {
		b, _ := v.AsBool()
		return b
	}
	if v, ok := args.Pos(pos); ok {
		b, _ := v.AsBool()
		return b
	}
	return def
}

func argValue(args Args, name string, pos int) (Value, bool) {
	if v, ok := args.Get(name); ok {
		return v, true
	}
	return args.Pos(pos)
}

// attrGet walks a dotted attribute path (e.g. "user.name") against an
// arbitrary Value, used by sort/unique/group_by/filter/map's optional
// attribute argument.
func attrGet(v Value, attr string) (Value, bool) {
	cur := v
	for _, part := range strings.Split(attr, ".") {
		if idx, err := strconv.Atoi(part); err == nil {
			nv, ok := lookupIndex(cur, Integer(int64(idx)))
			if !ok {
				return Value{}, false
			}
			cur = nv
			continue
		}
		nv, ok := lookupNamed(cur, part)
		if !ok {
			return Value{}, false
		}
		cur = nv
	}
	return cur, true
}

func requireString(target Value) (string, error) {
	s, ok := target.AsString()
	if !ok {
		return "", typeErr("", Position{}, "expected a string, got %s", target.Kind())
	}
	return s, nil
}

func requireArray(target Value) ([]Value, error) {
	arr, ok := target.AsArray()
	if !ok {
		return nil, typeErr("", Position{}, "expected an array, got %s", target.Kind())
	}
	return arr, nil
}

func filterLower(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(strings.ToLower(s)), nil
}

func filterUpper(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(strings.ToUpper(s)), nil
}

func filterCapitalize(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	if s == "" {
		return String(s), nil
	}
	r := []rune(strings.ToLower(s))
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return String(string(r)), nil
}

func filterTitle(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return String(strings.Join(words, " ")), nil
}

func filterWordcount(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return Integer(int64(len(strings.Fields(s)))), nil
}

func filterLength(target Value, args Args, rs *renderState) (Value, error) {
	return Integer(int64(target.Len())), nil
}

func filterReverse(target Value, args Args, rs *renderState) (Value, error) {
	switch target.Kind() {
	case ValueString:
		s, _ := target.AsString()
		r := []rune(s)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return String(string(r)), nil
	case ValueArray:
		arr, _ := target.AsArray()
		out := make([]Value, len(arr))
		for i, v := range arr {
			out[len(arr)-1-i] = v
		}
		return Array(out), nil
	default:
		return Value{}, typeErr("", Position{}, "reverse requires a string or array, got %s", target.Kind())
	}
}

func filterTrim(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(strings.TrimSpace(s)), nil
}

func filterTrimStart(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(strings.TrimLeft(s, " \t\n\r\v\f")), nil
}

func filterTrimEnd(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(strings.TrimRight(s, " \t\n\r\v\f")), nil
}

func filterTrimStartMatches(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	pat := argString(args, "pat", 0, "")
	return String(strings.TrimPrefix(s, pat)), nil
}

func filterTrimEndMatches(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	pat := argString(args, "pat", 0, "")
	return String(strings.TrimSuffix(s, pat)), nil
}

func filterAddslashes(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `"`, `\"`)
	return String(r.Replace(s)), nil
}

func filterReplace(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	from := argString(args, "from", 0, "")
	to := argString(args, "to", 1, "")
	return String(strings.ReplaceAll(s, from, to)), nil
}

func filterSplit(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	pat := argString(args, "pat", 0, "")
	parts := strings.Split(s, pat)
	out := make([]Value, len(parts))
	for i, p := range parts {
		out[i] = String(p)
	}
	return Array(out), nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func filterStriptags(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(tagPattern.ReplaceAllString(s, "")), nil
}

func filterLinebreaksbr(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(strings.ReplaceAll(s, "\n", "<br>\n")), nil
}

var spacelessPattern = regexp.MustCompile(`>\s+<`)

func filterSpaceless(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(spacelessPattern.ReplaceAllString(s, "><")), nil
}

func filterIndent(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	prefix := argString(args, "prefix", 0, "    ")
	first := argBool(args, "first", 1, false)
	blank := argBool(args, "blank", 2, false)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if i == 0 && !first {
			continue
		}
		if line == "" && !blank {
			continue
		}
		lines[i] = prefix + line
	}
	return String(strings.Join(lines, "\n")), nil
}

func filterTruncate(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	length := argInt(args, "length", 0, 255)
	end := argString(args, "end", 1, "…")
	r := []rune(s)
	if int64(len(r)) <= length {
		return String(s), nil
	}
	if length < 0 {
		length = 0
	}
	return String(string(r[:length]) + end), nil
}

func filterAsStr(target Value, args Args, rs *renderState) (Value, error) {
	return String(target.String()), nil
}

func filterAbs(target Value, args Args, rs *renderState) (Value, error) {
	switch target.Kind() {
	case ValueInteger:
		i, _ := target.AsInteger()
		if i < 0 {
			i = -i
		}
		return Integer(i), nil
	case ValueFloat:
		f, _ := target.AsFloat()
		return Float(math.Abs(f)), nil
	default:
		return Value{}, typeErr("", Position{}, "abs requires a number, got %s", target.Kind())
	}
}

func filterRound(target Value, args Args, rs *renderState) (Value, error) {
	f, ok := target.AsFloat()
	if !ok {
		return Value{}, typeErr("", Position{}, "round requires a number, got %s", target.Kind())
	}
	method := argString(args, "method", 0, "common")
	precision := argInt(args, "precision", 1, 0)
	mul := math.Pow(10, float64(precision))
	scaled := f * mul
	var rounded float64
	switch method {
	case "ceil":
		rounded = math.Ceil(scaled)
	case "floor":
		rounded = math.Floor(scaled)
	case "common":
		rounded = math.Round(scaled)
	default:
		return Value{}, userErr("", Position{}, "unknown round method %q", method)
	}
	return Float(rounded / mul), nil
}

func filterPluralize(target Value, args Args, rs *renderState) (Value, error) {
	count, ok := target.AsFloat()
	if !ok {
		return Value{}, typeErr("", Position{}, "pluralize requires a number, got %s", target.Kind())
	}
	singular := argString(args, "singular", 0, "")
	plural := argString(args, "plural", 1, "s")
	if count == 1 {
		return String(singular), nil
	}
	return String(plural), nil
}

func filterFilesizeformat(target Value, args Args, rs *renderState) (Value, error) {
	f, ok := target.AsFloat()
	if !ok {
		return Value{}, typeErr("", Position{}, "filesizeformat requires a number, got %s", target.Kind())
	}
	return String(humanize.Bytes(uint64(f))), nil
}

func filterInt(target Value, args Args, rs *renderState) (Value, error) {
	base := int(argInt(args, "base", 1, 10))
	def, hasDef := argValue(args, "default", 0)
	switch target.Kind() {
	case ValueInteger:
		return target, nil
	case ValueFloat:
		f, _ := target.AsFloat()
		return Integer(int64(f)), nil
	case ValueBool:
		b, _ := target.AsBool()
		if b {
			return Integer(1), nil
		}
		return Integer(0), nil
	case ValueString:
		s, _ := target.AsString()
		i, err := strconv.ParseInt(strings.TrimSpace(s), base, 64)
		if err != nil {
			if hasDef {
				return def, nil
			}
			return Value{}, userErr("", Position{}, "cannot parse %q as an integer", s)
		}
		return Integer(i), nil
	default:
		if hasDef {
			return def, nil
		}
		return Value{}, typeErr("", Position{}, "int requires a number, bool or string, got %s", target.Kind())
	}
}

func filterFloat(target Value, args Args, rs *renderState) (Value, error) {
	def, hasDef := argValue(args, "default", 0)
	switch target.Kind() {
	case ValueFloat:
		return target, nil
	case ValueInteger:
		i, _ := target.AsInteger()
		return Float(float64(i)), nil
	case ValueString:
		s, _ := target.AsString()
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			if hasDef {
				return def, nil
			}
			return Value{}, userErr("", Position{}, "cannot parse %q as a float", s)
		}
		return Float(f), nil
	default:
		if hasDef {
			return def, nil
		}
		return Value{}, typeErr("", Position{}, "float requires a number or string, got %s", target.Kind())
	}
}

func filterFirst(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	if len(arr) == 0 {
		return Value{}, userErr("", Position{}, "first: array is empty")
	}
	return arr[0], nil
}

func filterLast(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	if len(arr) == 0 {
		return Value{}, userErr("", Position{}, "last: array is empty")
	}
	return arr[len(arr)-1], nil
}

func filterNth(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	n := argInt(args, "n", 0, 0)
	if n < 0 || n >= int64(len(arr)) {
		return Value{}, userErr("", Position{}, "nth: index %d out of range (len %d)", n, len(arr))
	}
	return arr[n], nil
}

func filterJoin(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	sep := argString(args, "sep", 0, "")
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = v.String()
	}
	return String(strings.Join(parts, sep)), nil
}

// valueLess orders two Values per the sort-stability contract: numerics
// by value, strings lexicographically, Arrays by length, Bools false <
// true. Mixed kinds are an error.
func valueLess(a, b Value) (bool, error) {
	if (a.Kind() == ValueInteger || a.Kind() == ValueFloat) && (b.Kind() == ValueInteger || b.Kind() == ValueFloat) {
		c, _ := a.Compare(b)
		return c < 0, nil
	}
	if a.Kind() != b.Kind() {
		return false, userErr("", Position{}, "cannot compare %s and %s", a.Kind(), b.Kind())
	}
	switch a.Kind() {
	case ValueString:
		c, _ := a.Compare(b)
		return c < 0, nil
	case ValueArray:
		return a.Len() < b.Len(), nil
	case ValueBool:
		ab, _ := a.AsBool()
		bb, _ := b.AsBool()
		return !ab && bb, nil
	default:
		return false, userErr("", Position{}, "cannot order values of kind %s", a.Kind())
	}
}

func filterSort(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	attr := argString(args, "attribute", 0, "")
	out := append([]Value{}, arr...)
	var sortErr error
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := out[i], out[j]
		if attr != "" {
			vi, _ = attrGet(vi, attr)
			vj, _ = attrGet(vj, attr)
		}
		less, err := valueLess(vi, vj)
		if err != nil {
			sortErr = err
		}
		return less
	})
	if sortErr != nil {
		return Value{}, sortErr
	}
	return Array(out), nil
}

func filterUnique(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	attr := argString(args, "attribute", 0, "")
	caseSensitive := argBool(args, "case_sensitive", 1, false)
	var out []Value
	seen := map[string]bool{}
	for _, v := range arr {
		key := v
		if attr != "" {
			key, _ = attrGet(v, attr)
		}
		k := key.String()
		if !caseSensitive {
			k = strings.ToLower(k)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return Array(out), nil
}

// clampSliceIndex resolves a possibly-negative, possibly-absent slice
// bound against a sequence of length n, Python-slice style.
func clampSliceIndex(v Value, has bool, n int, def int) int {
	if !has {
		return def
	}
	i, ok := v.AsInteger()
	if !ok {
		return def
	}
	idx := int(i)
	if idx < 0 {
		idx += n
	}
	if idx < 0 {
		idx = 0
	}
	if idx > n {
		idx = n
	}
	return idx
}

func filterSlice(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	n := len(arr)
	startV, hasStart := argValue(args, "start", 0)
	endV, hasEnd := argValue(args, "end", 1)
	start := clampSliceIndex(startV, hasStart, n, 0)
	end := clampSliceIndex(endV, hasEnd, n, n)
	if start > end {
		start = end
	}
	return Array(append([]Value{}, arr[start:end]...)), nil
}

func filterGroupBy(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	attr := argString(args, "attribute", 0, "")
	out := EmptyObject()
	for _, v := range arr {
		av, ok := attrGet(v, attr)
		if !ok || av.IsNull() {
			continue
		}
		key := av.String()
		existing, ok := out.Get(key)
		if !ok {
			existing = Array(nil)
		}
		earr, _ := existing.AsArray()
		out.Set(key, Array(append(earr, v)))
	}
	return out, nil
}

func filterFilter(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	attr := argString(args, "attribute", 0, "")
	wantV, hasWant := argValue(args, "value", 1)
	var out []Value
	for _, v := range arr {
		av, ok := attrGet(v, attr)
		if !ok {
			continue
		}
		if hasWant {
			if av.Equal(wantV) {
				out = append(out, v)
			}
			continue
		}
		if av.Truth() {
			out = append(out, v)
		}
	}
	return Array(out), nil
}

func filterMap(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	attr := argString(args, "attribute", 0, "")
	out := make([]Value, 0, len(arr))
	for _, v := range arr {
		av, ok := attrGet(v, attr)
		if !ok {
			av = Null()
		}
		out = append(out, av)
	}
	return Array(out), nil
}

func filterConcat(target Value, args Args, rs *renderState) (Value, error) {
	arr, err := requireArray(target)
	if err != nil {
		return Value{}, err
	}
	with, ok := argValue(args, "with", 0)
	if !ok {
		return Value{}, missingArgErr("", Position{}, "concat requires a with= argument")
	}
	if withArr, ok := with.AsArray(); ok {
		return Array(append(append([]Value{}, arr...), withArr...)), nil
	}
	return Array(append(append([]Value{}, arr...), with)), nil
}

func filterGet(target Value, args Args, rs *renderState) (Value, error) {
	key := argString(args, "key", 0, "")
	v, ok := target.Get(key)
	if ok {
		return v, nil
	}
	if def, hasDef := argValue(args, "default", 1); hasDef {
		return def, nil
	}
	return Value{}, userErr("", Position{}, "get: key %q not found", key)
}

func filterJSONEncode(target Value, args Args, rs *renderState) (Value, error) {
	pretty := argBool(args, "pretty", 0, false)
	return String(target.jsonString(pretty, 0)), nil
}

func filterEscape(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(escapeHTML(s)), nil
}

func filterEscapeXML(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return String(r.Replace(s)), nil
}

func isUnreservedURLByte(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func percentEncode(s string, keepSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreservedURLByte(c) || (keepSlash && c == '/') {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func filterURLEncode(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(percentEncode(s, true)), nil
}

func filterURLEncodeStrict(target Value, args Args, rs *renderState) (Value, error) {
	s, err := requireString(target)
	if err != nil {
		return Value{}, err
	}
	return String(percentEncode(s, false)), nil
}

func filterSafe(target Value, args Args, rs *renderState) (Value, error) {
	return target, nil
}

// parseFilterDate accepts an integer Unix timestamp, an RFC 3339
// string, or a naive date/time string, per §4.5.
func parseFilterDate(target Value) (time.Time, error) {
	switch target.Kind() {
	case ValueInteger:
		i, _ := target.AsInteger()
		return time.Unix(i, 0).UTC(), nil
	case ValueFloat:
		f, _ := target.AsFloat()
		return time.Unix(int64(f), 0).UTC(), nil
	case ValueString:
		s, _ := target.AsString()
		layouts := []string{
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, userErr("", Position{}, "date: cannot parse %q as a timestamp", s)
	default:
		return time.Time{}, typeErr("", Position{}, "date requires an integer, float or string, got %s", target.Kind())
	}
}

func filterDate(target Value, args Args, rs *renderState) (Value, error) {
	t, err := parseFilterDate(target)
	if err != nil {
		return Value{}, err
	}
	if tz := argString(args, "timezone", 1, ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Value{}, userErr("", Position{}, "date: unknown timezone %q", tz)
		}
		t = t.In(loc)
	}
	format := argString(args, "format", 0, "%Y-%m-%d")
	return String(strftime.Format(format, t)), nil
}

func filterDefault(target Value, args Args, rs *renderState) (Value, error) {
	if target.IsNull() {
		if def, ok := argValue(args, "value", 0); ok {
			return def, nil
		}
		return Null(), nil
	}
	return target, nil
}
