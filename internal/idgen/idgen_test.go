package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q is not a UUID: %v", id, err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixDeposit)
	if !strings.HasPrefix(id, "dep_") {
		t.Errorf("expected dep_ prefix, got %s", id)
	}
	if len(id) != len("dep_")+24 {
		t.Errorf("expected 24 hex chars after prefix, got %d", len(id)-4)
	}
	if WithPrefix(PrefixDeposit) == id {
		t.Error("expected unique ids")
	}
}

func TestIdempotencyKey(t *testing.T) {
	if got := IdempotencyKey("bk_1", "payment"); got != "booking:bk_1:payment" {
		t.Errorf("got %s", got)
	}
	if got := IdempotencyKey("bk_1", "deposit"); got != "booking:bk_1:deposit" {
		t.Errorf("got %s", got)
	}
	if got := IdempotencyKey("bk_1", "refund", 2); got != "booking:bk_1:refund:2" {
		t.Errorf("got %s", got)
	}
}
