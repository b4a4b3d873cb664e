package replimap

// Owner is told when the local node promotes itself to primary for a key after the
// previous primary left. It runs on the goroutine delivering the membership event,
// after the map lock has been released, exactly once per promotion.
type Owner[K comparable, V any] interface {
	ObjectMadePrimary(key K, value V)
}

// OwnerFunc adapts a function to Owner.
type OwnerFunc[K comparable, V any] func(key K, value V)

// ObjectMadePrimary implements Owner.
func (f OwnerFunc[K, V]) ObjectMadePrimary(key K, value V) { f(key, value) }
