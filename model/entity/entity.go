package entity

import "sort"

// An Entity is a map of attribute names to values.
type Entity map[Attribute]Value

// New creates an entity from attribute/value pairs.
func New(attrs map[Attribute]Value) Entity {
	e := make(Entity, len(attrs))
	for k, v := range attrs {
		e[k] = v
	}
	return e
}

// Merge merges an entity update into this entity. If a key exists in both entities the value from update is
// chosen, and a key set to Null in update is removed.
func (e Entity) Merge(update Entity) {
	for k, v := range update {
		if v.IsNull() {
			delete(e, k)
			continue
		}
		e[k] = v
	}
}

// Attributes returns the attribute names in sorted order.
func (e Entity) Attributes() []Attribute {
	attrs := make([]Attribute, 0, len(e))
	for k := range e {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)
	return attrs
}

// Equal reports whether both entities hold the same attributes with equal values.
func (e Entity) Equal(o Entity) bool {
	if len(e) != len(o) {
		return false
	}
	for k, v := range e {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
