package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/cardvault/services/sync/internal/domain"
	"example.com/cardvault/services/sync/internal/lease"
	"example.com/cardvault/services/sync/internal/metrics"
	"example.com/cardvault/services/sync/internal/models"
	"example.com/cardvault/services/sync/internal/payments"
	"example.com/cardvault/services/sync/internal/repositories"
	"example.com/cardvault/services/sync/internal/storefront"
	"example.com/cardvault/services/sync/internal/tracing"
)

type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) Enqueue(ctx context.Context, event *models.SyncEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventStore) FetchPending(ctx context.Context, limit int) ([]models.SyncEvent, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.SyncEvent), args.Error(1)
}

func (m *MockEventStore) FetchFailed(ctx context.Context, limit int) ([]models.SyncEvent, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.SyncEvent), args.Error(1)
}

func (m *MockEventStore) MarkSynced(ctx context.Context, id uint) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockEventStore) MarkFailed(ctx context.Context, id uint, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
}

func (m *MockEventStore) MarkConflict(ctx context.Context, id uint, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
}

func (m *MockEventStore) MarkExhausted(ctx context.Context, id uint, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
}

type MockSnapshotStore struct {
	mock.Mock
}

func (m *MockSnapshotStore) GetByProductUID(ctx context.Context, productUID string) (*models.ProductSnapshot, error) {
	args := m.Called(ctx, productUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProductSnapshot), args.Error(1)
}

func (m *MockSnapshotStore) UpdateSyncState(ctx context.Context, productUID string, state domain.EverShopSyncState, expectedVersion int64) error {
	args := m.Called(ctx, productUID, state, expectedVersion)
	return args.Error(0)
}

func (m *MockSnapshotStore) AdjustQuantity(ctx context.Context, productUID string, delta int) (int, error) {
	args := m.Called(ctx, productUID, delta)
	return args.Int(0), args.Error(1)
}

func (m *MockSnapshotStore) ListByState(ctx context.Context, state domain.EverShopSyncState, limit int) ([]models.ProductSnapshot, error) {
	args := m.Called(ctx, state, limit)
	return args.Get(0).([]models.ProductSnapshot), args.Error(1)
}

type MockSaleArchive struct {
	mock.Mock
}

func (m *MockSaleArchive) Archive(ctx context.Context, sale *models.ArchivedSale) (bool, error) {
	args := m.Called(ctx, sale)
	return args.Bool(0), args.Error(1)
}

func (m *MockSaleArchive) Cursor(ctx context.Context) (models.SaleCursor, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.SaleCursor), args.Error(1)
}

func (m *MockSaleArchive) AdvanceCursor(ctx context.Context, cursor models.SaleCursor) error {
	args := m.Called(ctx, cursor)
	return args.Error(0)
}

type MockStorefront struct {
	mock.Mock
}

func (m *MockStorefront) PromoteProduct(ctx context.Context, productUID string) (*storefront.PromoteResult, error) {
	args := m.Called(ctx, productUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storefront.PromoteResult), args.Error(1)
}

func (m *MockStorefront) HideListing(ctx context.Context, payload json.RawMessage) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func (m *MockStorefront) UpdatePrice(ctx context.Context, productUID string, priceCents int64) error {
	args := m.Called(ctx, productUID, priceCents)
	return args.Error(0)
}

func (m *MockStorefront) FetchListingState(ctx context.Context, sku string) (domain.EverShopSyncState, error) {
	args := m.Called(ctx, sku)
	return args.Get(0).(domain.EverShopSyncState), args.Error(1)
}

type MockSaleSource struct {
	mock.Mock
}

func (m *MockSaleSource) PullSaleEvents(ctx context.Context, cursor payments.Cursor, limit int) ([]payments.SaleSnapshot, payments.Cursor, error) {
	args := m.Called(ctx, cursor, limit)
	return args.Get(0).([]payments.SaleSnapshot), args.Get(1).(payments.Cursor), args.Error(2)
}

type MockLeaseRenewer struct {
	mock.Mock
}

func (m *MockLeaseRenewer) Renew(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockLeaseRenewer) MarkCycle(ctx context.Context) {
	m.Called(ctx)
}

type engineFixture struct {
	events     *MockEventStore
	snapshots  *MockSnapshotStore
	sales      *MockSaleArchive
	storefront *MockStorefront
	source     *MockSaleSource
	leases     *MockLeaseRenewer
	engine     *Engine
}

func newFixture(opts Options) *engineFixture {
	f := &engineFixture{
		events:     new(MockEventStore),
		snapshots:  new(MockSnapshotStore),
		sales:      new(MockSaleArchive),
		storefront: new(MockStorefront),
		source:     new(MockSaleSource),
		leases:     new(MockLeaseRenewer),
	}
	f.engine = NewEngine(
		f.events, f.snapshots, f.sales, f.storefront, f.source, f.leases,
		metrics.NewMetrics(), &tracing.NewRelicTracer{}, nil, nil, opts,
	)
	return f
}

// expectQuietTail wires the empty phases most cycle tests share
func (f *engineFixture) expectQuietTail() {
	f.events.On("FetchFailed", mock.Anything, mock.Anything).Return([]models.SyncEvent{}, nil)
	f.sales.On("Cursor", mock.Anything).Return(models.SaleCursor{ID: 1}, nil)
	f.source.On("PullSaleEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]payments.SaleSnapshot{}, payments.Cursor{}, nil)
	f.sales.On("AdvanceCursor", mock.Anything, mock.Anything).Return(nil)
	f.leases.On("MarkCycle", mock.Anything).Return()
}

func TestRunCyclePromoteIsIdempotent(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(true, nil)

	// The same promotion delivered twice under distinct row IDs, with
	// the product already live after the first delivery took effect.
	events := []models.SyncEvent{
		{ID: 1, EventUID: "promote-p1", EventType: models.EventPromote, ProductUID: "p1"},
		{ID: 2, EventUID: "promote-p1-replay", EventType: models.EventPromote, ProductUID: "p1"},
	}
	f.events.On("FetchPending", mock.Anything, 50).Return(events, nil)

	f.snapshots.On("GetByProductUID", mock.Anything, "p1").
		Return(&models.ProductSnapshot{ProductUID: "p1", EvershopSyncState: domain.StateEvershopLive, SyncVersion: 3}, nil)
	f.storefront.On("PromoteProduct", mock.Anything, "p1").
		Return(&storefront.PromoteResult{Success: true, SyncState: domain.StateEvershopLive}, nil)
	f.snapshots.On("UpdateSyncState", mock.Anything, "p1", domain.StateEvershopLive, int64(3)).Return(nil)
	f.events.On("MarkSynced", mock.Anything, mock.Anything).Return(nil)
	f.expectQuietTail()

	summary, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 2, summary.Synced)
	require.Zero(t, summary.Failed)

	f.events.AssertNumberOfCalls(t, "MarkSynced", 2)
}

// A tracer init failure used to leave a nil Tracer interface in the
// engine, which dereferenced on the first cycle after lease renewal.
func TestRunCycleWithNilTracer(t *testing.T) {
	f := &engineFixture{
		events:     new(MockEventStore),
		snapshots:  new(MockSnapshotStore),
		sales:      new(MockSaleArchive),
		storefront: new(MockStorefront),
		source:     new(MockSaleSource),
		leases:     new(MockLeaseRenewer),
	}
	f.engine = NewEngine(
		f.events, f.snapshots, f.sales, f.storefront, f.source, f.leases,
		metrics.NewMetrics(), nil, nil, nil, Options{},
	)

	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{}, nil)
	f.expectQuietTail()

	require.NotPanics(t, func() {
		_, err := f.engine.RunCycle(context.Background())
		require.NoError(t, err)
	})
}

func TestRunCycleLeaseLostStopsImmediately(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(false, nil)

	_, err := f.engine.RunCycle(context.Background())
	require.ErrorIs(t, err, lease.ErrLeaseLost)
	f.events.AssertNotCalled(t, "FetchPending", mock.Anything, mock.Anything)
}

func TestRunCycleSaleEventIsNoOp(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{
		{ID: 7, EventUID: "sale-1", EventType: models.EventSale, ProductUID: "p1"},
	}, nil)
	f.events.On("MarkSynced", mock.Anything, uint(7)).Return(nil)
	f.expectQuietTail()

	summary, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Synced)
	f.storefront.AssertNotCalled(t, "PromoteProduct", mock.Anything, mock.Anything)
}

func TestRunCycleUnknownEventTypeParksAsConflict(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{
		{ID: 9, EventUID: "weird-1", EventType: models.EventType("teleport"), ProductUID: "p1"},
	}, nil)
	f.events.On("MarkConflict", mock.Anything, uint(9), mock.Anything).Return(nil)
	f.expectQuietTail()

	summary, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Conflicts)
	require.Zero(t, summary.Failed)
}

func TestRunCycleStaleWriteParksPromotion(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{
		{ID: 4, EventUID: "promote-p2", EventType: models.EventPromote, ProductUID: "p2"},
	}, nil)
	f.snapshots.On("GetByProductUID", mock.Anything, "p2").
		Return(&models.ProductSnapshot{ProductUID: "p2", EvershopSyncState: domain.StateVaultOnly, SyncVersion: 5}, nil)
	f.storefront.On("PromoteProduct", mock.Anything, "p2").
		Return(&storefront.PromoteResult{Success: true, SyncState: domain.StateEvershopLive}, nil)
	f.snapshots.On("UpdateSyncState", mock.Anything, "p2", domain.StateEvershopLive, int64(5)).
		Return(repositories.ErrStaleWrite)
	f.events.On("MarkConflict", mock.Anything, uint(4), mock.Anything).Return(nil)
	f.expectQuietTail()

	summary, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Conflicts)
}

func TestBackoffWindow(t *testing.T) {
	base := time.Minute
	require.Equal(t, time.Minute, BackoffWindow(0, base))
	require.Equal(t, 2*time.Minute, BackoffWindow(1, base))
	require.Equal(t, 4*time.Minute, BackoffWindow(2, base))
	require.Equal(t, 8*time.Minute, BackoffWindow(3, base))
	// Shift is clamped so large retry counts cannot overflow
	require.Equal(t, BackoffWindow(16, base), BackoffWindow(40, base))
}

func TestRetryWaitsOutBackoffWindow(t *testing.T) {
	f := newFixture(Options{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }

	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{}, nil)

	// Two failures so far: eligible only once the event is 240s old
	tooYoung := models.SyncEvent{
		ID: 11, EventUID: "promote-p3", EventType: models.EventPromote, ProductUID: "p3",
		RetryCount: 2, CreatedAt: now.Add(-239 * time.Second),
	}
	f.events.On("FetchFailed", mock.Anything, 20).Return([]models.SyncEvent{tooYoung}, nil)
	f.sales.On("Cursor", mock.Anything).Return(models.SaleCursor{ID: 1}, nil)
	f.source.On("PullSaleEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]payments.SaleSnapshot{}, payments.Cursor{}, nil)
	f.sales.On("AdvanceCursor", mock.Anything, mock.Anything).Return(nil)
	f.leases.On("MarkCycle", mock.Anything).Return()

	summary, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Retried, "event inside its backoff window must not be touched")
	f.snapshots.AssertNotCalled(t, "GetByProductUID", mock.Anything, mock.Anything)

	// One second later the window has elapsed and the retry runs
	f2 := newFixture(Options{})
	f2.engine.now = func() time.Time { return now }
	f2.leases.On("Renew", mock.Anything).Return(true, nil)
	f2.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{}, nil)

	eligible := tooYoung
	eligible.CreatedAt = now.Add(-240 * time.Second)
	f2.events.On("FetchFailed", mock.Anything, 20).Return([]models.SyncEvent{eligible}, nil)
	f2.snapshots.On("GetByProductUID", mock.Anything, "p3").
		Return(&models.ProductSnapshot{ProductUID: "p3", EvershopSyncState: domain.StateVaultOnly, SyncVersion: 1}, nil)
	f2.storefront.On("PromoteProduct", mock.Anything, "p3").
		Return(&storefront.PromoteResult{Success: true, SyncState: domain.StateEvershopLive}, nil)
	f2.snapshots.On("UpdateSyncState", mock.Anything, "p3", domain.StateEvershopLive, int64(1)).Return(nil)
	f2.events.On("MarkSynced", mock.Anything, uint(11)).Return(nil)
	f2.sales.On("Cursor", mock.Anything).Return(models.SaleCursor{ID: 1}, nil)
	f2.source.On("PullSaleEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]payments.SaleSnapshot{}, payments.Cursor{}, nil)
	f2.sales.On("AdvanceCursor", mock.Anything, mock.Anything).Return(nil)
	f2.leases.On("MarkCycle", mock.Anything).Return()

	summary, err = f2.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Retried)
	require.Equal(t, 1, summary.Synced)
}

func TestRetryExhaustionFaultsProduct(t *testing.T) {
	f := newFixture(Options{MaxRetries: 8})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }

	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{}, nil)

	// Seventh prior failure, well past its window; this attempt spends
	// the last of the budget.
	f.events.On("FetchFailed", mock.Anything, 20).Return([]models.SyncEvent{
		{
			ID: 21, EventUID: "promote-p9", EventType: models.EventPromote, ProductUID: "p9",
			RetryCount: 7, CreatedAt: now.Add(-48 * time.Hour),
		},
	}, nil)
	f.snapshots.On("GetByProductUID", mock.Anything, "p9").
		Return(&models.ProductSnapshot{ProductUID: "p9", EvershopSyncState: domain.StateVaultOnly, SyncVersion: 2}, nil)
	f.storefront.On("PromoteProduct", mock.Anything, "p9").
		Return(nil, errors.New("storefront unavailable"))
	f.events.On("MarkExhausted", mock.Anything, uint(21), mock.Anything).Return(nil)
	f.snapshots.On("UpdateSyncState", mock.Anything, "p9", domain.StateSyncError, int64(2)).Return(nil)
	f.sales.On("Cursor", mock.Anything).Return(models.SaleCursor{ID: 1}, nil)
	f.source.On("PullSaleEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]payments.SaleSnapshot{}, payments.Cursor{}, nil)
	f.sales.On("AdvanceCursor", mock.Anything, mock.Anything).Return(nil)
	f.leases.On("MarkCycle", mock.Anything).Return()

	summary, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	f.events.AssertCalled(t, "MarkExhausted", mock.Anything, uint(21), mock.Anything)
	f.events.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
	f.snapshots.AssertCalled(t, "UpdateSyncState", mock.Anything, "p9", domain.StateSyncError, int64(2))
}

func TestPullSalesEnqueuesHideWhenSoldOut(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{}, nil)
	f.events.On("FetchFailed", mock.Anything, 20).Return([]models.SyncEvent{}, nil)

	soldAt := time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC)
	f.sales.On("Cursor", mock.Anything).Return(models.SaleCursor{ID: 1}, nil)
	f.source.On("PullSaleEvents", mock.Anything, mock.Anything, 10).Return([]payments.SaleSnapshot{
		{SaleUID: "s-100", ProductUID: "p5", Quantity: 1, AmountCents: 2500, Currency: "USD", SoldAt: soldAt},
	}, payments.Cursor{LastSoldAt: soldAt, LastSaleUID: "s-100"}, nil)

	f.sales.On("Archive", mock.Anything, mock.MatchedBy(func(sale *models.ArchivedSale) bool {
		return sale.SaleUID == "s-100" && sale.ProductUID == "p5"
	})).Return(true, nil)
	f.snapshots.On("AdjustQuantity", mock.Anything, "p5", -1).Return(0, nil)
	f.events.On("Enqueue", mock.Anything, mock.MatchedBy(func(ev *models.SyncEvent) bool {
		return ev.EventUID == "hide-s-100" && ev.EventType == models.EventHideListing
	})).Return(nil)
	f.sales.On("AdvanceCursor", mock.Anything, models.SaleCursor{
		ID: 1, LastSoldAt: soldAt, LastSaleUID: "s-100",
	}).Return(nil)
	f.leases.On("MarkCycle", mock.Anything).Return()

	summary, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.SalesPulled)
	f.events.AssertCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestPullSalesSkipsAlreadyArchived(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{}, nil)
	f.events.On("FetchFailed", mock.Anything, 20).Return([]models.SyncEvent{}, nil)

	soldAt := time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC)
	f.sales.On("Cursor", mock.Anything).Return(models.SaleCursor{ID: 1}, nil)
	f.source.On("PullSaleEvents", mock.Anything, mock.Anything, 10).Return([]payments.SaleSnapshot{
		{SaleUID: "s-100", ProductUID: "p5", Quantity: 1, SoldAt: soldAt},
	}, payments.Cursor{LastSoldAt: soldAt, LastSaleUID: "s-100"}, nil)
	f.sales.On("Archive", mock.Anything, mock.Anything).Return(false, nil)
	f.sales.On("AdvanceCursor", mock.Anything, mock.Anything).Return(nil)
	f.leases.On("MarkCycle", mock.Anything).Return()

	summary, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.SalesPulled)
	f.snapshots.AssertNotCalled(t, "AdjustQuantity", mock.Anything, mock.Anything, mock.Anything)
	f.events.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestHideListingAlreadyHiddenConverges(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.events.On("FetchPending", mock.Anything, 50).Return([]models.SyncEvent{
		{ID: 31, EventUID: "hide-s-7", EventType: models.EventHideListing, ProductUID: "p7"},
	}, nil)
	f.snapshots.On("GetByProductUID", mock.Anything, "p7").
		Return(&models.ProductSnapshot{ProductUID: "p7", EvershopSyncState: domain.StateEvershopHidden, SyncVersion: 4}, nil)
	f.events.On("MarkSynced", mock.Anything, uint(31)).Return(nil)
	f.expectQuietTail()

	summary, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Synced)
	f.storefront.AssertNotCalled(t, "HideListing", mock.Anything, mock.Anything)
}

func TestReconcileRecoversFaultedProduct(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.snapshots.On("ListByState", mock.Anything, domain.StateSyncError, 25).Return([]models.ProductSnapshot{
		{ProductUID: "p8", SKU: "SKU-8", EvershopSyncState: domain.StateSyncError, SyncVersion: 6},
	}, nil)
	f.storefront.On("FetchListingState", mock.Anything, "SKU-8").
		Return(domain.StateEvershopLive, nil)
	f.snapshots.On("UpdateSyncState", mock.Anything, "p8", domain.StateEvershopLive, int64(6)).Return(nil)

	recovered, err := f.engine.Reconcile(context.Background(), 25)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)
}

func TestReconcileLeavesUnrecoverableState(t *testing.T) {
	f := newFixture(Options{})
	f.leases.On("Renew", mock.Anything).Return(true, nil)
	f.snapshots.On("ListByState", mock.Anything, domain.StateSyncError, 25).Return([]models.ProductSnapshot{
		{ProductUID: "p8", SKU: "SKU-8", EvershopSyncState: domain.StateSyncError, SyncVersion: 6},
	}, nil)
	// The storefront never heard of this product; not_synced is not a
	// legal recovery target so the fault stays put.
	f.storefront.On("FetchListingState", mock.Anything, "SKU-8").
		Return(domain.StateNotSynced, nil)

	recovered, err := f.engine.Reconcile(context.Background(), 25)
	require.NoError(t, err)
	require.Zero(t, recovered)
	f.snapshots.AssertNotCalled(t, "UpdateSyncState", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
