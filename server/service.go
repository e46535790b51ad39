package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

// Method serves one JSON-RPC method. The returned value becomes the "result"
// of the reply. Returning a *CodeError stamps its code on the response frame
// instead.
type Method func(ctx context.Context, params []json.RawMessage) (any, error)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	paramsType  = reflect.TypeOf([]json.RawMessage(nil))
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// serviceMethods scans rcvr's exported methods and returns the ones with the
// Method signature, keyed by lower-camel name: GetBlockNumber serves
// "getBlockNumber".
func serviceMethods(rcvr any) (map[string]Method, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must be a pointer to a struct, got %T", rcvr)
	}
	val := reflect.ValueOf(rcvr)

	methods := make(map[string]Method)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		// 合法条件: (receiver, ctx, params) (any, error)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != paramsType ||
			mt.Out(0) != anyType || mt.Out(1) != errorType {
			continue
		}
		fn := val.Method(i)
		methods[lowerCamel(m.Name)] = func(ctx context.Context, params []json.RawMessage) (any, error) {
			out := fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(params)})
			err, _ := out[1].Interface().(error)
			return out[0].Interface(), err
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("server: %s has no methods of the form func(context.Context, []json.RawMessage) (any, error)", typ.Elem().Name())
	}
	return methods, nil
}

func lowerCamel(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}
