// Package handler provides reflection-based pipeline handler execution.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// Handler holds metadata about a registered pipeline handler.
type Handler struct {
	Fn        reflect.Value
	ArgsType  reflect.Type
	HasResult bool

	// EstimatedDuration is reported to callers at job creation.
	EstimatedDuration time.Duration
}

// NewHandler creates a Handler from a function. The function must have
// signature func(ctx context.Context, args T) error or
// func(ctx context.Context, args T) (R, error).
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if !fnVal.IsValid() || (fnVal.Kind() == reflect.Func && fnVal.IsNil()) {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}

	if fnType.NumIn() != 2 || !fnType.In(0).Implements(ctxType) {
		return nil, fmt.Errorf("handler must take (context.Context, T)")
	}

	h := &Handler{Fn: fnVal, ArgsType: fnType.In(1)}

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errType) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(errType) {
			return nil, fmt.Errorf("handler must return (R, error)")
		}
		h.HasResult = true
	default:
		return nil, fmt.Errorf("handler must return error or (R, error)")
	}

	return h, nil
}

// Execute runs the handler with the given context and JSON-encoded input.
// It returns the JSON-encoded result for (R, error) handlers, nil otherwise.
func (h *Handler) Execute(ctx context.Context, inputJSON []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	argVal := reflect.New(h.ArgsType)
	if len(inputJSON) > 0 {
		if uerr := json.Unmarshal(inputJSON, argVal.Interface()); uerr != nil {
			return nil, fmt.Errorf("unmarshal job input: %w", uerr)
		}
	}

	out := h.Fn.Call([]reflect.Value{reflect.ValueOf(ctx), argVal.Elem()})

	errIdx := len(out) - 1
	if !out[errIdx].IsNil() {
		return nil, out[errIdx].Interface().(error)
	}

	if h.HasResult {
		data, merr := json.Marshal(out[0].Interface())
		if merr != nil {
			return nil, fmt.Errorf("marshal job result: %w", merr)
		}
		return data, nil
	}
	return nil, nil
}
