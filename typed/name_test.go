// SPDX-License-Identifier: AGPL3.0-or-later

package typed

import (
	"testing"

	"meshnet/identity"
)

type inner struct{ A int32 }

type outerBox[T any] struct{ V T }

func TestNameOfScalars(t *testing.T) {
	if NameOf[string]() != "string" {
		t.Fatalf("got %q", NameOf[string]())
	}
	if NameOf[int32]() != "int32" {
		t.Fatalf("got %q", NameOf[int32]())
	}
	if NameOf[[]byte]() != "buffer" {
		t.Fatalf("got %q", NameOf[[]byte]())
	}
}

func TestNameOfComposites(t *testing.T) {
	if got := NameOf[[]string](); got != "vector<string>" {
		t.Fatalf("got %q", got)
	}
	if got := NameOf[map[string]int32](); got != "map<string, int32>" {
		t.Fatalf("got %q", got)
	}
}

func TestHashSpellingEquivalence(t *testing.T) {
	// whitespace, "::" and trailing ">" never change the hash
	a := identity.SDBM("Outer<ns::Inner>")
	b := identity.SDBM("Outer< ns :: Inner >")
	c := identity.SDBM("Outer<nsInner")
	if a != b || b != c {
		t.Fatalf("spelling variants disagree: %#x %#x %#x", a, b, c)
	}
}

func TestHashOfGenericMatchesPointer(t *testing.T) {
	if HashOf[outerBox[inner]]() != HashOf[*outerBox[inner]]() {
		t.Fatal("pointer and value spellings must share a hash")
	}
}

func TestHashOfDistinctTypes(t *testing.T) {
	if HashOf[string]() == HashOf[int32]() {
		t.Fatal("distinct types collided")
	}
	if HashOf[outerBox[inner]]() == HashOf[inner]() {
		t.Fatal("generic instantiation collided with its argument")
	}
}
