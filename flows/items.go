package flows

import (
	"errors"
	"fmt"
	"iter"
	"reflect"
	"slices"

	"flowcore"
)

// ErrBatchInput reports a batch prep result that is not a sequence of items
// (or, for batch flows, of parameter sets).
var ErrBatchInput = errors.New("flows: invalid batch input")

// batchItems accepts nil, any slice or array, or an iter.Seq[any].
func batchItems(prep any) ([]any, error) {
	switch v := prep.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case iter.Seq[any]:
		return slices.Collect(v), nil
	}

	rv := reflect.ValueOf(prep)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: got %T", ErrBatchInput, prep)
}

func paramSets(prep any) ([]flowcore.Params, error) {
	items, err := batchItems(prep)
	if err != nil {
		return nil, err
	}
	sets := make([]flowcore.Params, 0, len(items))
	for i, item := range items {
		switch p := item.(type) {
		case flowcore.Params:
			sets = append(sets, p)
		case map[string]any:
			sets = append(sets, flowcore.Params(p))
		case nil:
			sets = append(sets, nil)
		default:
			return nil, fmt.Errorf("%w: parameter set %d is %T", ErrBatchInput, i, item)
		}
	}
	return sets, nil
}
