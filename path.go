package loom

// Step is one element of a Path: either a NamedField (dotted member
// access) or an IndexField (bracket access, or the dot-integer tuple
// shortcut `.0`).
type Step struct {
	Name      string
	HasIndex  bool
	IndexExpr Expr
}

// Path is an ordered sequence of Steps walked against a root Value,
// per §3's Path data model.
type Path struct {
	Root  string
	Steps []Step
}

// lookupNamed resolves a NamedField step: the current Value must be an
// Object containing key, else the lookup fails.
func lookupNamed(v Value, key string) (Value, bool) {
	if v.Kind() != ValueObject {
		return Value{}, false
	}
	return v.Get(key)
}

// lookupIndex resolves an IndexField step against idx (already
// evaluated). On Array: Integer in [-len, len). On Object: String key.
// On String: Integer index yields the Unicode scalar at that position
// as a one-rune String.
func lookupIndex(v Value, idx Value) (Value, bool) {
	switch v.Kind() {
	case ValueArray:
		i, ok := idx.AsInteger()
		if !ok {
			return Value{}, false
		}
		arr, _ := v.AsArray()
		n := int64(len(arr))
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return Value{}, false
		}
		return arr[i], true
	case ValueObject:
		s, ok := idx.AsString()
		if !ok {
			return Value{}, false
		}
		return v.Get(s)
	case ValueString:
		i, ok := idx.AsInteger()
		if !ok {
			return Value{}, false
		}
		s, _ := v.AsString()
		runes := []rune(s)
		n := int64(len(runes))
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return Value{}, false
		}
		return String(string(runes[i])), true
	default:
		return Value{}, false
	}
}
