package model

// A Record is an entity that can be held by an entity store. Records are addressed by their entity type and id
// and are stored as a whole; there are no partial updates.
type Record interface {
	EntityType() string
	EntityID() string
}

// A RecordList is a list of records that should be persisted together
type RecordList []Record

// Keys returns the keys of all non-nil records in the list.
func (rl RecordList) Keys() []Key {
	keys := make([]Key, 0, len(rl))
	for _, r := range rl {
		if r == nil {
			continue
		}
		keys = append(keys, KeyOf(r))
	}
	return keys
}

// A Key identifies a single record in a store.
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string {
	return k.Type + "/" + k.ID
}

// KeyOf returns the key of a record.
func KeyOf(r Record) Key {
	return Key{Type: r.EntityType(), ID: r.EntityID()}
}
