package loom

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/go-viper/mapstructure/v2"
)

// Context is an Object-valued root plus the ability to serialize
// arbitrary host data into that Object before rendering, per §3/§6.
type Context struct {
	root Value
}

// NewContext returns an empty Context.
func NewContext() Context {
	return Context{root: EmptyObject()}
}

// NewContextFromValue wraps an existing Object Value as a Context root.
// Panics if v is not an Object, since a Context root must be one.
func NewContextFromValue(v Value) Context {
	if v.Kind() != ValueObject {
		panic("loom: Context root must be an Object Value")
	}
	return Context{root: v}
}

// FromStruct builds a Context from an arbitrary host Go value (struct,
// pointer to struct, or map) using github.com/go-viper/mapstructure/v2
// for type coercion, with a thin reflection pass on top to preserve the
// struct's declared field order (mapstructure's own map-shaped output
// has no defined order, since Go maps don't have one).
func FromStruct(src any) (Context, error) {
	var raw map[string]any
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "loom",
		Result:  &raw,
	})
	if err != nil {
		return Context{}, fmt.Errorf("building context decoder: %w", err)
	}
	if err := dec.Decode(src); err != nil {
		return Context{}, fmt.Errorf("decoding host value into context: %w", err)
	}
	order := structFieldOrder(src)
	obj := EmptyObject()
	if order != nil {
		for _, name := range order {
			if val, ok := raw[name]; ok {
				obj.Set(name, FromGo(val))
			}
		}
	} else {
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj.Set(k, FromGo(raw[k]))
		}
	}
	return Context{root: obj}, nil
}

// structFieldOrder returns the declared field order of src's underlying
// struct type, using each field's "loom" tag (falling back to its Go
// name) as the key loom will use. Returns nil if src is not a struct or
// pointer-to-struct (e.g. a plain map), leaving the caller to fall back
// to a deterministic sorted order.
func structFieldOrder(src any) []string {
	t := reflect.TypeOf(src)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	var order []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("loom"); ok && tag != "" && tag != "-" {
			name = tag
		}
		order = append(order, name)
	}
	return order
}

// FromGo converts an arbitrary Go value into a Value via reflection,
// generalizing the teacher's own FromGo helper. Maps decoded this way
// have no stable source order and are emitted with sorted keys for
// determinism; structs use FromStruct for order-preserving conversion.
func FromGo(v any) Value {
	if v == nil {
		return Null()
	}
	switch t := v.(type) {
	case Value:
		return t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Integer(int64(t))
	case int8:
		return Integer(int64(t))
	case int16:
		return Integer(int64(t))
	case int32:
		return Integer(int64(t))
	case int64:
		return Integer(t)
	case uint:
		return Integer(int64(t))
	case uint8:
		return Integer(int64(t))
	case uint16:
		return Integer(int64(t))
	case uint32:
		return Integer(int64(t))
	case uint64:
		return Integer(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return FromGo(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		items := make([]Value, n)
		for i := 0; i < n; i++ {
			items[i] = FromGo(rv.Index(i).Interface())
		}
		return Array(items)
	case reflect.Map:
		keys := rv.MapKeys()
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = fmt.Sprintf("%v", k.Interface())
		}
		sort.Strings(names)
		obj := EmptyObject()
		for _, name := range names {
			mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
			obj.Set(name, FromGo(mv.Interface()))
		}
		return obj
	case reflect.Struct:
		ctx, err := FromStruct(v)
		if err != nil {
			return String(fmt.Sprintf("%v", v))
		}
		return ctx.root
	default:
		return String(fmt.Sprintf("%v", v))
	}
}

// Insert sets key on the Context root, overwriting any existing value.
func (c *Context) Insert(key string, v Value) { c.root.Set(key, v) }

// TryInsert sets key only if it is not already present, reporting
// whether the insert happened.
func (c *Context) TryInsert(key string, v Value) bool {
	if _, ok := c.root.Get(key); ok {
		return false
	}
	c.root.Set(key, v)
	return true
}

// Remove deletes key from the Context root.
func (c *Context) Remove(key string) { c.root.Remove(key) }

// Get looks up key on the Context root.
func (c Context) Get(key string) (Value, bool) { return c.root.Get(key) }

// ContainsKey reports whether key is present on the Context root.
func (c Context) ContainsKey(key string) bool {
	_, ok := c.root.Get(key)
	return ok
}

// Extend deep-merges other's keys into c, other's values winning on
// collision.
func (c *Context) Extend(other Context) { c.root.Extend(other.root) }

// Value returns the Context's underlying Object root.
func (c Context) Value() Value { return c.root }
