package list

type Elem[V any] struct {
	list       *List[V]
	prev, next *Elem[V]

	Value V
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

func (e *Elem[V]) Prev() *Elem[V] {
	return e.prev
}

func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}
