package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry(0).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register(Database(pingerFunc(func(context.Context) error { return nil })))
	r.Register(Static("processor", false, "STRIPE_SECRET_KEY not set"))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "STRIPE_SECRET_KEY not set", statuses[1].Detail)
}

func TestDatabaseCheckerReportsPingError(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register(Database(pingerFunc(func(context.Context) error { return errors.New("connection refused") })))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "connection refused", statuses[0].Detail)
}

func TestCheckAllAppliesTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register(Database(pingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Less(t, time.Since(start), time.Second)
}
