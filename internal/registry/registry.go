// Package registry is a concurrent name to value index shared by the tool and
// model catalogs.
package registry

import (
	"slices"

	"github.com/alphadose/haxmap"
)

type Registry[T any] interface {
	Get(name string) (T, bool)
	// Add stores value under name, reporting false when the name is taken.
	Add(name string, value T) bool
	Set(name string, value T)
	Del(name string)
	Names() []string
	Len() int
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Get(name string) (T, bool) {
	return r.values.Get(name)
}

func (r *registry[T]) Add(name string, value T) bool {
	_, loaded := r.values.GetOrSet(name, value)
	return !loaded
}

func (r *registry[T]) Set(name string, value T) {
	r.values.Set(name, value)
}

func (r *registry[T]) Del(name string) {
	r.values.Del(name)
}

// Names returns the registered names in lexical order.
func (r *registry[T]) Names() []string {
	names := make([]string, 0, r.values.Len())
	r.values.ForEach(func(name string, _ T) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}
