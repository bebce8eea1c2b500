package app

import (
	"strings"
	"testing"
)

func TestDeriveKey(t *testing.T) {
	a := DeriveKey("join", "acct-1", "group-1")
	if a != DeriveKey("join", " acct-1 ", "group-1") {
		t.Fatal("expected surrounding whitespace to be ignored")
	}
	if !strings.HasPrefix(a, "join:") || len(a) != len("join:")+32 {
		t.Fatalf("unexpected key shape %q", a)
	}

	distinct := []string{
		DeriveKey("join", "acct-1", "group-2"),
		DeriveKey("pin", "acct-1", "group-1"),
		DeriveKey("join", "acct-1group-1"),
		DeriveKey("join", "group-1", "acct-1"),
	}
	for _, other := range distinct {
		if other == a {
			t.Fatalf("expected %q to differ from %q", other, a)
		}
	}
}

func TestRefundAndChargeKeys(t *testing.T) {
	if got := RefundKey("group_create:abc"); got != "refund:group_create:abc" {
		t.Fatalf("unexpected refund key %q", got)
	}
	if got := GroupChargeKey("abc"); got != "group_create:abc" {
		t.Fatalf("unexpected charge key %q", got)
	}
}
