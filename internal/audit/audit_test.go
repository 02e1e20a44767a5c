package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/storage"
)

func counterValue(t *testing.T) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, metrics.AuditWriteFailures.Write(m))
	return m.Counter.GetValue()
}

func TestRecord_AttributesActorAndRequest(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store)

	ctx := WithActor(context.Background(), ActorUser, "usr_7")
	ctx = logging.WithRequestID(ctx, "req_1")
	rec.Record(ctx, Change{
		TenantID: "t1",
		Action:   ActionPlanSwitched,
		Entity:   "billing_profile",
		EntityID: "t1",
		Before:   map[string]string{"plan": "PERFORMANCE"},
		After:    map[string]string{"plan": "PRO"},
	})

	entries := store.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, ActorUser, e.ActorType)
	assert.Equal(t, "usr_7", e.Actor)
	assert.Equal(t, "req_1", e.RequestID)
	assert.JSONEq(t, `{"plan":"PRO"}`, string(e.After))
	assert.Nil(t, e.Metadata)
}

func TestRecord_DefaultsToSystemActor(t *testing.T) {
	store := NewMemoryStore()
	NewRecorder(store).Record(context.Background(), Change{TenantID: "t1", Action: ActionDepositReleased})
	assert.Equal(t, ActorSystem, store.Entries()[0].ActorType)
}

func TestRecord_WaitsForCommit(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store)

	err := storage.MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		rec.Record(ctx, Change{TenantID: "t1", Action: ActionSettingsUpdated})
		assert.Empty(t, store.Entries(), "entry must not be written before commit")
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, store.Entries(), 1)
}

func TestRecord_DroppedOnRollback(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store)

	boom := errors.New("boom")
	err := storage.MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		rec.Record(ctx, Change{TenantID: "t1", Action: ActionDepositCaptured})
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, store.Entries())
}

func TestRecord_WriteFailureIsCountedNotReturned(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith = errors.New("disk full")
	rec := NewRecorder(store)

	before := counterValue(t)
	rec.Record(context.Background(), Change{TenantID: "t1", Action: ActionPlanSwitched})
	assert.Equal(t, before+1, counterValue(t))
}

func TestRecord_RawMetadataPassesThrough(t *testing.T) {
	store := NewMemoryStore()
	NewRecorder(store).Record(context.Background(), Change{
		TenantID: "t1",
		Action:   ActionRefundCreated,
		Metadata: json.RawMessage(`{"amountCents":500}`),
	})
	assert.JSONEq(t, `{"amountCents":500}`, string(store.Entries()[0].Metadata))
}

func TestList_FiltersAndOrders(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store)
	ctx := context.Background()

	rec.Record(ctx, Change{TenantID: "t1", Action: ActionPlanSwitched, EntityID: "a"})
	rec.Record(ctx, Change{TenantID: "t1", Action: ActionSettingsUpdated, EntityID: "b"})
	rec.Record(ctx, Change{TenantID: "t2", Action: ActionPlanSwitched, EntityID: "c"})
	rec.Record(ctx, Change{TenantID: "t1", Action: ActionPlanSwitched, EntityID: "d"})

	all, err := rec.List(ctx, "t1", Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "d", all[0].EntityID)

	switches, err := rec.List(ctx, "t1", Filter{Action: ActionPlanSwitched, Limit: 1})
	require.NoError(t, err)
	require.Len(t, switches, 1)
	assert.Equal(t, "d", switches[0].EntityID)

	assert.Equal(t, []string{ActionPlanSwitched, ActionSettingsUpdated, ActionPlanSwitched}, store.Actions("t1"))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() { rec.Record(context.Background(), Change{Action: "x"}) })
}

func TestHandler_ListsTenantEntries(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	rec := NewRecorder(store)
	rec.Record(context.Background(), Change{TenantID: "t1", Action: ActionPlanSwitched})
	rec.Record(context.Background(), Change{TenantID: "t2", Action: ActionPlanSwitched})

	r := gin.New()
	NewHandler(rec, func(*gin.Context) string { return "t1" }).RegisterRoutes(r.Group("/v1/billing"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/billing/audit?action=plan_switched", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entries []Entry `json:"entries"`
		Count   int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "t1", body.Entries[0].TenantID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/billing/audit?from=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
