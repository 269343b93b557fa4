package envreg

import (
	"testing"

	"github.com/laurentialabs/registre/internal/store"
)

func TestRegistry_OrderAndLookup(t *testing.T) {
	prod := &Environment{Name: "prod", Store: store.NewMemStore()}
	dev := &Environment{Name: "dev", Store: store.NewMemStore()}

	r := NewFromEnvironments(nil, prod, dev)

	order := r.List()
	if len(order) != 2 || order[0] != "prod" || order[1] != "dev" {
		t.Fatalf("unexpected order %v", order)
	}

	if r.Get("prod") != prod {
		t.Error("Get(prod) did not return the registered environment")
	}
	if r.Store("dev") != dev.Store {
		t.Error("Store(dev) mismatch")
	}
}

func TestRegistry_AbsentEnvironmentIsNil(t *testing.T) {
	r := NewFromEnvironments(nil, &Environment{Name: "prod", Store: store.NewMemStore()})

	if got := r.Get("staging"); got != nil {
		t.Errorf("absent environment should be nil, got %+v", got)
	}
	if got := r.Store("staging"); got != nil {
		t.Error("absent environment store should be nil")
	}
	if got := r.Storage("staging"); got != nil {
		t.Error("absent environment storage should be nil")
	}
}
