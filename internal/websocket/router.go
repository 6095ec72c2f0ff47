// internal/websocket/router.go
package websocket

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Router maps RPC method names to the exported methods of a bindings value.
type Router struct {
	app     reflect.Value
	methods map[string]reflect.Method
}

// NewRouter registers every exported method of app.
func NewRouter(app interface{}) *Router {
	r := &Router{
		app:     reflect.ValueOf(app),
		methods: make(map[string]reflect.Method),
	}

	appType := reflect.TypeOf(app)
	for i := 0; i < appType.NumMethod(); i++ {
		method := appType.Method(i)
		if method.IsExported() {
			r.methods[method.Name] = method
		}
	}

	return r
}

// Methods lists the callable names.
func (r *Router) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call decodes params into the method's argument types and invokes it.
func (r *Router) Call(methodName string, params []json.RawMessage) (interface{}, error) {
	method, ok := r.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("method not found: %s", methodName)
	}

	methodType := method.Type
	numIn := methodType.NumIn() - 1 // receiver

	if len(params) != numIn {
		return nil, fmt.Errorf("method %s expects %d params, got %d", methodName, numIn, len(params))
	}

	args := make([]reflect.Value, numIn+1)
	args[0] = r.app
	for i, param := range params {
		v, err := decodeParam(param, methodType.In(i+1))
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		args[i+1] = v
	}

	return processResults(method.Func.Call(args))
}

// decodeParam unmarshals one JSON argument into a value of target type.
func decodeParam(param json.RawMessage, target reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(target)
	if len(param) == 0 || string(param) == "null" {
		return ptr.Elem(), nil
	}
	if err := json.Unmarshal(param, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot decode into %s: %w", target, err)
	}
	return ptr.Elem(), nil
}

// processResults turns (value), (error) or (value, error) into a result.
func processResults(results []reflect.Value) (interface{}, error) {
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if results[0].Type().Implements(errorType) {
			if !results[0].IsNil() {
				return nil, results[0].Interface().(error)
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	default:
		last := results[len(results)-1]
		if last.Type().Implements(errorType) && !last.IsNil() {
			return nil, last.Interface().(error)
		}
		if len(results) == 2 {
			return results[0].Interface(), nil
		}
		var result []interface{}
		for i := 0; i < len(results)-1; i++ {
			result = append(result, results[i].Interface())
		}
		return result, nil
	}
}
