// Package rcall invokes named methods on arbitrary domain objects via
// reflection.
//
// The engine is only ever told, via config.Registry, *which* method names
// play which role (reader, writer, persistence, ...); it never sees the
// domain object's Go type at compile time. Dispatching a call therefore has
// to go through reflect, the same way the source system resolves a method
// name against an instance at runtime.
package rcall

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// ErrNoSuchMethod is returned when obj has no method of the given name.
type ErrNoSuchMethod struct {
	Type   reflect.Type
	Method string
}

func (e *ErrNoSuchMethod) Error() string {
	return fmt.Sprintf("rcall: %s has no method %q", e.Type, e.Method)
}

// Call invokes obj.<method>(args...) and returns its results.
//
// args are passed positionally; each must be assignable to the
// corresponding parameter type (reflect does the checking).
func Call(obj interface{}, method string, args ...interface{}) ([]interface{}, error) {
	v := reflect.ValueOf(obj)
	m := v.MethodByName(method)
	if !m.IsValid() {
		return nil, &ErrNoSuchMethod{Type: v.Type(), Method: method}
	}

	mtype := m.Type()
	if mtype.IsVariadic() {
		if len(args) < mtype.NumIn()-1 {
			return nil, errors.Errorf("rcall: %s.%s: want at least %d args, have %d", v.Type(), method, mtype.NumIn()-1, len(args))
		}
	} else if len(args) != mtype.NumIn() {
		return nil, errors.Errorf("rcall: %s.%s: want %d args, have %d", v.Type(), method, mtype.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = argValue(a, paramType(mtype, i))
	}

	out := m.Call(in)
	results := make([]interface{}, len(out))
	for i, o := range out {
		results[i] = o.Interface()
	}
	return results, nil
}

// Call0 is Call dropping the results, for callers (appliers, destructors)
// that only care whether the call succeeded.
func Call0(obj interface{}, method string, args ...interface{}) error {
	_, err := Call(obj, method, args...)
	return err
}

func paramType(mtype reflect.Type, i int) reflect.Type {
	if mtype.IsVariadic() && i >= mtype.NumIn()-1 {
		return mtype.In(mtype.NumIn() - 1).Elem()
	}
	return mtype.In(i)
}

// argValue wraps a into a reflect.Value usable as a call argument for a
// parameter of type want, handling the common case of a nil interface{}
// standing in for a nil pointer/slice/map/interface parameter.
func argValue(a interface{}, want reflect.Type) reflect.Value {
	if a == nil {
		return reflect.Zero(want)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(want) {
		return v
	}
	if v.Type().ConvertibleTo(want) {
		return v.Convert(want)
	}
	return v
}

// HasMethod reports whether obj has a method of the given name, without
// calling it.
func HasMethod(obj interface{}, method string) bool {
	return reflect.ValueOf(obj).MethodByName(method).IsValid()
}
