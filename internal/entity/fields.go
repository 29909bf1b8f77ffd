package entity

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/DoyleJ11/gjallarhorn/pkg/types"
)

// field is one synchronised slot of a state record, addressed by its JSON
// name.
type field struct {
	key   string
	index int
	typ   reflect.Type
}

type fieldTable struct {
	list  []field
	byKey map[string]int
}

func newFieldTable(t reflect.Type) fieldTable {
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("entity: state must be a struct, got %s", t))
	}
	ft := fieldTable{byKey: make(map[string]int)}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		key := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			name, _, _ := strings.Cut(tag, ",")
			if name == "-" {
				continue
			}
			if name != "" {
				key = name
			}
		}
		ft.byKey[key] = len(ft.list)
		ft.list = append(ft.list, field{key: key, index: i, typ: sf.Type})
	}
	return ft
}

func (ft fieldTable) lookup(key string) (field, bool) {
	i, ok := ft.byKey[key]
	if !ok {
		return field{}, false
	}
	return ft.list[i], true
}

func (f field) get(state reflect.Value) any {
	return state.Field(f.index).Interface()
}

// set writes v into the field. A value that is not present resets the
// field to its zero value, which for an Option is "no value".
func (f field) set(state reflect.Value, v types.Value) error {
	dst := state.Field(f.index)
	if !v.Present {
		dst.Set(reflect.Zero(f.typ))
		return nil
	}
	ptr := reflect.New(f.typ)
	if err := json.Unmarshal(v.Raw(), ptr.Interface()); err != nil {
		return fmt.Errorf("decode %q: %w", f.key, err)
	}
	dst.Set(ptr.Elem())
	return nil
}

// encodeAll renders every field so two renderings can be compared to find
// what a mutation touched. A field that fails to encode is nil and always
// compares as changed.
func (ft fieldTable) encodeAll(state reflect.Value) [][]byte {
	out := make([][]byte, len(ft.list))
	for i, f := range ft.list {
		raw, err := json.Marshal(f.get(state))
		if err == nil {
			out[i] = raw
		}
	}
	return out
}
