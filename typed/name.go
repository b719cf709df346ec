// SPDX-License-Identifier: AGPL3.0-or-later

package typed

import (
	"reflect"
	"strings"

	"meshnet/identity"
)

// NameOf returns the universal name of T, the deterministic spelling
// fed to the type hash. Named types use their package-qualified name
// with "::" as the package separator; composites are spelled in
// template form ("vector<T>", "map<K, V>") and Go generic brackets
// become angle brackets. Both "::" and angle-bracket/whitespace
// differences are normalized away by identity.SDBM, so spelling
// variants of the same type agree on one hash.
func NameOf[T any]() string {
	var zero T
	return universalName(reflect.TypeOf(&zero).Elem())
}

// HashOf returns the wire identifier for T.
func HashOf[T any]() identity.Hash {
	return identity.SDBM(NameOf[T]())
}

var nameReplacer = strings.NewReplacer("[", "<", "]", ">", ".", "::")

func universalName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Ptr:
		return universalName(t.Elem())
	case reflect.Slice:
		if t.Name() == "" {
			if t.Elem().Kind() == reflect.Uint8 {
				return "buffer"
			}
			return "vector<" + universalName(t.Elem()) + ">"
		}
	case reflect.Array:
		if t.Name() == "" {
			return "array<" + universalName(t.Elem()) + ">"
		}
	case reflect.Map:
		if t.Name() == "" {
			return "map<" + universalName(t.Key()) + ", " + universalName(t.Elem()) + ">"
		}
	}
	return nameReplacer.Replace(t.String())
}
