package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAfterCommit_RunsImmediatelyWithoutUnit(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func() { ran = true })
	assert.True(t, ran)
}

func TestMemoryRunner_RunsHooksAfterSuccess(t *testing.T) {
	var order []string
	err := MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		assert.True(t, InTransaction(ctx))
		AfterCommit(ctx, func() { order = append(order, "hook") })
		order = append(order, "body")
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"body", "hook"}, order)
}

func TestMemoryRunner_DropsHooksOnError(t *testing.T) {
	ran := false
	boom := errors.New("boom")
	err := MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = true })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran)
}

func TestMemoryRunner_NestedJoinsOuter(t *testing.T) {
	ran := 0
	_ = MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		_ = MemoryRunner{}.InTx(ctx, func(inner context.Context) error {
			AfterCommit(inner, func() { ran++ })
			return nil
		})
		assert.Equal(t, 0, ran, "inner unit must not flush the outer hooks")
		return nil
	})
	assert.Equal(t, 1, ran)
}

func TestDetach(t *testing.T) {
	type key struct{}
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	_ = MemoryRunner{}.InTx(parent, func(ctx context.Context) error {
		d := Detach(ctx)
		assert.False(t, InTransaction(d))
		assert.Equal(t, "v", d.Value(key{}))
		cancel()
		assert.NoError(t, d.Err())
		return nil
	})
}
