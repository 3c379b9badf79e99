package webhooks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/cardvault/services/sync/internal/domain"
	"example.com/cardvault/services/sync/internal/metrics"
	"example.com/cardvault/services/sync/internal/models"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Insert(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	args := m.Called(ctx, event)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) Get(ctx context.Context, eventUID string) (*models.WebhookEvent, error) {
	args := m.Called(ctx, eventUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WebhookEvent), args.Error(1)
}

func (m *MockLedger) MarkFailed(ctx context.Context, eventUID string) error {
	args := m.Called(ctx, eventUID)
	return args.Error(0)
}

func (m *MockLedger) SetStatus(ctx context.Context, eventUID string, status models.WebhookStatus) error {
	args := m.Called(ctx, eventUID, status)
	return args.Error(0)
}

type MockSnapshotWriter struct {
	mock.Mock
}

func (m *MockSnapshotWriter) GetByProductUID(ctx context.Context, productUID string) (*models.ProductSnapshot, error) {
	args := m.Called(ctx, productUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProductSnapshot), args.Error(1)
}

func (m *MockSnapshotWriter) OverwriteFromWebhook(ctx context.Context, productUID string, state domain.EverShopSyncState, webhookVersion int64) error {
	args := m.Called(ctx, productUID, state, webhookVersion)
	return args.Error(0)
}

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) Enqueue(ctx context.Context, event *models.SyncEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func body(t *testing.T, msg payload) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func newProcessor() (*Processor, *MockLedger, *MockSnapshotWriter, *MockOutbox) {
	ledger := new(MockLedger)
	snapshots := new(MockSnapshotWriter)
	outbox := new(MockOutbox)
	return NewProcessor(ledger, snapshots, outbox, metrics.NewMetrics()), ledger, snapshots, outbox
}

func TestHandleAppliesNewerState(t *testing.T) {
	p, ledger, snapshots, _ := newProcessor()

	ledger.On("Insert", mock.Anything, mock.Anything).Return(true, nil)
	snapshots.On("GetByProductUID", mock.Anything, "p1").
		Return(&models.ProductSnapshot{ProductUID: "p1", SyncVersion: 4}, nil)
	snapshots.On("OverwriteFromWebhook", mock.Anything, "p1", domain.StateEvershopHidden, int64(7)).Return(nil)
	ledger.On("SetStatus", mock.Anything, "wh-1", models.WebhookProcessed).Return(nil)

	err := p.Handle(context.Background(), body(t, payload{
		EventUID: "wh-1", Kind: KindListingStateChanged, Source: "evershop",
		ProductUID: "p1", SyncState: domain.StateEvershopHidden, SyncVersion: 7,
	}))
	require.NoError(t, err)
	snapshots.AssertCalled(t, "OverwriteFromWebhook", mock.Anything, "p1", domain.StateEvershopHidden, int64(7))
}

func TestHandleSkipsStaleWebhook(t *testing.T) {
	p, ledger, snapshots, _ := newProcessor()

	ledger.On("Insert", mock.Anything, mock.Anything).Return(true, nil)
	// Local version 9 already beat webhook version 7
	snapshots.On("GetByProductUID", mock.Anything, "p1").
		Return(&models.ProductSnapshot{ProductUID: "p1", SyncVersion: 9}, nil)
	ledger.On("SetStatus", mock.Anything, "wh-2", models.WebhookSkipped).Return(nil)

	err := p.Handle(context.Background(), body(t, payload{
		EventUID: "wh-2", Kind: KindListingStateChanged, Source: "evershop",
		ProductUID: "p1", SyncState: domain.StateEvershopLive, SyncVersion: 7,
	}))
	require.NoError(t, err)
	snapshots.AssertNotCalled(t, "OverwriteFromWebhook", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDeduplicatesRedelivery(t *testing.T) {
	p, ledger, snapshots, _ := newProcessor()

	ledger.On("Insert", mock.Anything, mock.Anything).Return(false, nil)
	ledger.On("Get", mock.Anything, "wh-3").
		Return(&models.WebhookEvent{EventUID: "wh-3", Status: models.WebhookProcessed}, nil)

	err := p.Handle(context.Background(), body(t, payload{
		EventUID: "wh-3", Kind: KindListingStateChanged, Source: "evershop",
		ProductUID: "p1", SyncState: domain.StateEvershopLive, SyncVersion: 7,
	}))
	require.NoError(t, err)
	snapshots.AssertNotCalled(t, "GetByProductUID", mock.Anything, mock.Anything)
	ledger.AssertNotCalled(t, "SetStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleRecordsFailedApply(t *testing.T) {
	p, ledger, snapshots, _ := newProcessor()

	ledger.On("Insert", mock.Anything, mock.Anything).Return(true, nil)
	snapshots.On("GetByProductUID", mock.Anything, "p1").
		Return(nil, errors.New("connection refused"))
	ledger.On("MarkFailed", mock.Anything, "wh-7").Return(nil)

	err := p.Handle(context.Background(), body(t, payload{
		EventUID: "wh-7", Kind: KindListingStateChanged, Source: "evershop",
		ProductUID: "p1", SyncState: domain.StateEvershopLive, SyncVersion: 7,
	}))
	require.Error(t, err)
	ledger.AssertCalled(t, "MarkFailed", mock.Anything, "wh-7")
}

// A redelivery after a failed apply is the retry, not a duplicate: the
// ledger row is in failed status so the event is processed again.
func TestHandleRetriesRedeliveryOfFailedWebhook(t *testing.T) {
	p, ledger, snapshots, _ := newProcessor()

	ledger.On("Insert", mock.Anything, mock.Anything).Return(false, nil)
	ledger.On("Get", mock.Anything, "wh-8").
		Return(&models.WebhookEvent{EventUID: "wh-8", Status: models.WebhookFailed, RetryCount: 1}, nil)
	snapshots.On("GetByProductUID", mock.Anything, "p1").
		Return(&models.ProductSnapshot{ProductUID: "p1", SyncVersion: 4}, nil)
	snapshots.On("OverwriteFromWebhook", mock.Anything, "p1", domain.StateEvershopHidden, int64(7)).Return(nil)
	ledger.On("SetStatus", mock.Anything, "wh-8", models.WebhookProcessed).Return(nil)

	err := p.Handle(context.Background(), body(t, payload{
		EventUID: "wh-8", Kind: KindListingStateChanged, Source: "evershop",
		ProductUID: "p1", SyncState: domain.StateEvershopHidden, SyncVersion: 7,
	}))
	require.NoError(t, err)
	snapshots.AssertCalled(t, "OverwriteFromWebhook", mock.Anything, "p1", domain.StateEvershopHidden, int64(7))
	ledger.AssertCalled(t, "SetStatus", mock.Anything, "wh-8", models.WebhookProcessed)
}

func TestHandleUnpromoteForcesVaultOnly(t *testing.T) {
	p, ledger, snapshots, _ := newProcessor()

	ledger.On("Insert", mock.Anything, mock.Anything).Return(true, nil)
	snapshots.On("GetByProductUID", mock.Anything, "p1").
		Return(&models.ProductSnapshot{ProductUID: "p1", SyncVersion: 2, EvershopSyncState: domain.StateEvershopLive}, nil)
	snapshots.On("OverwriteFromWebhook", mock.Anything, "p1", domain.StateVaultOnly, int64(3)).Return(nil)
	ledger.On("SetStatus", mock.Anything, "wh-4", models.WebhookProcessed).Return(nil)

	err := p.Handle(context.Background(), body(t, payload{
		EventUID: "wh-4", Kind: KindListingUnpromoted, Source: "evershop",
		ProductUID: "p1", SyncVersion: 3,
	}))
	require.NoError(t, err)
	snapshots.AssertCalled(t, "OverwriteFromWebhook", mock.Anything, "p1", domain.StateVaultOnly, int64(3))
}

func TestHandleSaleWebhookEnqueuesTrace(t *testing.T) {
	p, ledger, _, outbox := newProcessor()

	ledger.On("Insert", mock.Anything, mock.Anything).Return(true, nil)
	outbox.On("Enqueue", mock.Anything, mock.MatchedBy(func(ev *models.SyncEvent) bool {
		return ev.EventUID == "wh-5" && ev.EventType == models.EventSale
	})).Return(nil)
	ledger.On("SetStatus", mock.Anything, "wh-5", models.WebhookProcessed).Return(nil)

	err := p.Handle(context.Background(), body(t, payload{
		EventUID: "wh-5", Kind: KindSaleCompleted, Source: "payments", ProductUID: "p2",
	}))
	require.NoError(t, err)
	outbox.AssertCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestHandleMalformedBodyIsDiscarded(t *testing.T) {
	p, ledger, _, _ := newProcessor()

	err := p.Handle(context.Background(), []byte("{not json"))
	require.NoError(t, err, "malformed bodies must complete, not redeliver forever")
	ledger.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestHandleUnknownKindIsSkipped(t *testing.T) {
	p, ledger, snapshots, _ := newProcessor()

	ledger.On("Insert", mock.Anything, mock.Anything).Return(true, nil)
	ledger.On("SetStatus", mock.Anything, "wh-6", models.WebhookSkipped).Return(nil)

	err := p.Handle(context.Background(), body(t, payload{
		EventUID: "wh-6", Kind: "inventory.counted", Source: "evershop",
	}))
	require.NoError(t, err)
	snapshots.AssertNotCalled(t, "GetByProductUID", mock.Anything, mock.Anything)
	ledger.AssertCalled(t, "SetStatus", mock.Anything, "wh-6", models.WebhookSkipped)
}
