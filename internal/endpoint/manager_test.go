package endpoint

import "testing"

func TestRegisterIsIdempotent(t *testing.T) {
	m := NewDefaultManager()
	a := m.Register("127.0.0.1:4001")
	b := m.Register("127.0.0.1:4001")
	if a != b {
		t.Fatalf("expected same id for repeated Register, got %d and %d", a, b)
	}
}

func TestTransientRangeDisjointFromStable(t *testing.T) {
	m := NewDefaultManager()
	stable := m.Register("127.0.0.1:4001")
	transient := m.NewTransient()

	if m.Transient(stable) {
		t.Fatal("stable id misclassified as transient")
	}
	if !m.Transient(transient) {
		t.Fatal("transient id misclassified as stable")
	}
	if stable == ID(transient) {
		t.Fatal("stable and transient ids collided")
	}
}

func TestRebindResolvesStableFromGreeting(t *testing.T) {
	m := NewDefaultManager()
	transient := m.NewTransient()

	resolved, stillTransient := m.Rebind(transient, "10.0.0.5:51000", 4002, nil)
	if stillTransient {
		t.Fatal("expected rebind to a stable endpoint")
	}

	addr, err := m.Resolve(resolved)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "10.0.0.5:4002" {
		t.Fatalf("expected resolved addr 10.0.0.5:4002, got %q", addr)
	}
}

func TestRebindForcedEndpoint(t *testing.T) {
	m := NewDefaultManager()
	transient := m.NewTransient()
	forced := m.Register("10.0.0.9:9000")

	resolved, stillTransient := m.Rebind(transient, "ignored:0", 0, &forced)
	if stillTransient {
		t.Fatal("forced endpoint should resolve to a stable id")
	}
	if resolved != forced {
		t.Fatalf("expected forced id %d, got %d", forced, resolved)
	}
}

func TestResolveUnknownFails(t *testing.T) {
	m := NewDefaultManager()
	if _, err := m.Resolve(ID(999)); err == nil {
		t.Fatal("expected error resolving unregistered id")
	}
}

func TestResolveTransientFails(t *testing.T) {
	m := NewDefaultManager()
	transient := m.NewTransient()
	if _, err := m.Resolve(transient); err == nil {
		t.Fatal("expected error resolving a transient id directly")
	}
}
