// Package stdx holds small generic helpers.
package stdx

// Must returns v, or panics with err when it is not nil. Use it only at
// init time for values built from literals.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
