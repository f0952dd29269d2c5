package wire

import (
	"reflect"

	"github.com/pkg/errors"
)

// Registry maps the "type" discriminator to the concrete Go type that
// decodes it. Grounded on the teacher's pkg/protocol.MsgCtl, generalized
// from a single byte key to the spec's string "type" field.
type Registry struct {
	byType map[string]reflect.Type
}

// DefaultRegistry holds every message type known to this package.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]reflect.Type)}
}

// Register associates a type string with the struct (not pointer) that
// decodes it. Panics on duplicate registration, same as the teacher —
// a collision here is a programming error caught at package init.
func (r *Registry) Register(typeName string, sample Command) {
	if _, ok := r.byType[typeName]; ok {
		panic("wire: message type already registered: " + typeName)
	}
	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.byType[typeName] = t
}

var ErrUnknownType = errors.New("wire: unknown message type")

// New allocates a zero value of the type registered for typeName.
func (r *Registry) New(typeName string) (Command, error) {
	t, ok := r.byType[typeName]
	if !ok {
		return nil, ErrUnknownType
	}
	return reflect.New(t).Interface().(Command), nil
}

// Known reports whether typeName has a registered decoder.
func (r *Registry) Known(typeName string) bool {
	_, ok := r.byType[typeName]
	return ok
}
