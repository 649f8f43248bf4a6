package nodes

import "fmt"

// resultAs asserts the exec result handed to a post phase. An overridden
// fallback may return a value of any type.
func resultAs[T any](node string, exec any) (T, error) {
	v, ok := exec.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected exec result %T", node, exec)
	}
	return v, nil
}
