package loom

import (
	"regexp"
	"strings"
)

func registerBuiltinTests(reg *extRegistry[TestFunc]) {
	reg.register("defined", testAlwaysTrueStub)
	reg.register("undefined", testAlwaysTrueStub)
	reg.register("odd", testOdd)
	reg.register("even", testEven)
	reg.register("string", testString)
	reg.register("number", testNumber)
	reg.register("divisibleby", testDivisibleBy)
	reg.register("iterable", testIterable)
	reg.register("object", testObject)
	reg.register("starting_with", testStartingWith)
	reg.register("ending_with", testEndingWith)
	reg.register("containing", testContaining)
	reg.register("matching", testMatching)
}

// testAlwaysTrueStub is never actually invoked: evalTest in eval.go
// special-cases "defined"/"undefined" before consulting the registry,
// since they must observe the target's own lookup failure rather than
// receive an already-evaluated Value. The registration exists only so
// `is defined`/`is undefined` resolve as known test names.
func testAlwaysTrueStub(target Value, args Args, rs *renderState) (bool, error) {
	return true, nil
}

func testOdd(target Value, args Args, rs *renderState) (bool, error) {
	i, ok := target.AsInteger()
	if !ok {
		return false, typeErr("", Position{}, "odd requires an integer, got %s", target.Kind())
	}
	return i%2 != 0, nil
}

func testEven(target Value, args Args, rs *renderState) (bool, error) {
	i, ok := target.AsInteger()
	if !ok {
		return false, typeErr("", Position{}, "even requires an integer, got %s", target.Kind())
	}
	return i%2 == 0, nil
}

func testString(target Value, args Args, rs *renderState) (bool, error) {
	return target.Kind() == ValueString, nil
}

func testNumber(target Value, args Args, rs *renderState) (bool, error) {
	return target.Kind() == ValueInteger || target.Kind() == ValueFloat, nil
}

func testDivisibleBy(target Value, args Args, rs *renderState) (bool, error) {
	i, ok := target.AsInteger()
	if !ok {
		return false, typeErr("", Position{}, "divisibleby requires an integer, got %s", target.Kind())
	}
	n := argInt(args, "n", 0, 0)
	if n == 0 {
		return false, arithErr("", Position{}, "divisibleby: division by zero")
	}
	return i%n == 0, nil
}

func testIterable(target Value, args Args, rs *renderState) (bool, error) {
	switch target.Kind() {
	case ValueArray, ValueObject, ValueString:
		return true, nil
	default:
		return false, nil
	}
}

func testObject(target Value, args Args, rs *renderState) (bool, error) {
	return target.Kind() == ValueObject, nil
}

func testStartingWith(target Value, args Args, rs *renderState) (bool, error) {
	s, err := requireString(target)
	if err != nil {
		return false, err
	}
	prefix := argString(args, "s", 0, "")
	return strings.HasPrefix(s, prefix), nil
}

func testEndingWith(target Value, args Args, rs *renderState) (bool, error) {
	s, err := requireString(target)
	if err != nil {
		return false, err
	}
	suffix := argString(args, "s", 0, "")
	return strings.HasSuffix(s, suffix), nil
}

func testContaining(target Value, args Args, rs *renderState) (bool, error) {
	want, ok := argValue(args, "x", 0)
	if !ok {
		return false, missingArgErr("", Position{}, "containing requires an argument")
	}
	switch target.Kind() {
	case ValueString:
		s, _ := target.AsString()
		sub, ok := want.AsString()
		if !ok {
			return false, typeErr("", Position{}, "containing: expected a string argument against a string target")
		}
		return strings.Contains(s, sub), nil
	case ValueArray:
		arr, _ := target.AsArray()
		for _, v := range arr {
			if v.Equal(want) {
				return true, nil
			}
		}
		return false, nil
	case ValueObject:
		key, ok := want.AsString()
		if !ok {
			return false, typeErr("", Position{}, "containing: expected a string key argument against an object target")
		}
		_, has := target.Get(key)
		return has, nil
	default:
		return false, typeErr("", Position{}, "containing requires a string, array or object, got %s", target.Kind())
	}
}

func testMatching(target Value, args Args, rs *renderState) (bool, error) {
	s, err := requireString(target)
	if err != nil {
		return false, err
	}
	pattern := argString(args, "regex", 0, "")
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, userErr("", Position{}, "matching: invalid regex %q: %s", pattern, err)
	}
	return re.MatchString(s), nil
}
