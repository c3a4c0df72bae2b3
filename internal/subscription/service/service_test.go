package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tonpass/internal/payment"
	"tonpass/internal/subscription"
	"tonpass/internal/subscription/lock"
	"tonpass/internal/subscription/repository"
)

// --- Mocks ---

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, txHash string, plan subscription.PlanType) (*payment.Verification, error) {
	args := m.Called(ctx, txHash, plan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Verification), args.Error(1)
}

type MockAccess struct {
	mock.Mock
}

func (m *MockAccess) Grant(ctx context.Context, userID int64) bool {
	return m.Called(ctx, userID).Bool(0)
}

func (m *MockAccess) Revoke(ctx context.Context, userID int64) bool {
	return m.Called(ctx, userID).Bool(0)
}

var (
	fixedNow = time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	paidOK   = &payment.Verification{Paid: decimal.NewFromInt(6e9), Required: decimal.NewFromInt(5e9), Rate: decimal.NewFromInt(2)}
)

type fixture struct {
	svc      *Service
	store    *repository.FileStore
	verifier *MockVerifier
	access   *MockAccess
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    repository.NewFileStore(filepath.Join(t.TempDir(), "subs.json")),
		verifier: new(MockVerifier),
		access:   new(MockAccess),
	}
	f.svc = NewService(f.store, f.verifier, f.access, lock.NewKeyedMutex(), nil)
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) records(t *testing.T) []subscription.Record {
	t.Helper()
	recs, err := f.store.Load(context.Background())
	require.NoError(t, err)
	return recs
}

// --- Activate ---

func TestActivate_FirstPayment(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Verify", mock.Anything, "H1", subscription.PlanOneMonth).Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, int64(42)).Return(true)

	rec, err := f.svc.Activate(context.Background(), ActivateInput{
		UserID:  42,
		TxHash:  "H1",
		Plan:    subscription.PlanOneMonth,
		Profile: json.RawMessage(`{"username":"alice"}`),
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SubscriptionID)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(42), recs[0].UserID)
	assert.False(t, recs[0].Removed)
	assert.True(t, recs[0].EndDate.Equal(fixedNow.AddDate(0, 1, 0)))
	assert.True(t, recs[0].EndDate.After(recs[0].SubscribedAt))
	assert.JSONEq(t, `{"username":"alice"}`, string(recs[0].Profile))
	f.access.AssertNumberOfCalls(t, "Grant", 1)
}

func TestActivate_RenewalReplacesRecord(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, int64(42)).Return(true)
	ctx := context.Background()

	_, err := f.svc.Activate(ctx, ActivateInput{UserID: 42, TxHash: "H1", Plan: subscription.PlanOneMonth})
	require.NoError(t, err)

	// истёкшая и отозванная подписка восстанавливается только полной перезаписью
	recs := f.records(t)
	recs[0].Removed = true
	require.NoError(t, f.store.Save(ctx, recs))

	_, err = f.svc.Activate(ctx, ActivateInput{UserID: 42, TxHash: "H2", Plan: subscription.PlanThreeMonths})
	require.NoError(t, err)

	recs = f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, subscription.PlanThreeMonths, recs[0].PlanType)
	assert.Equal(t, "H2", recs[0].TransactionHash)
	assert.False(t, recs[0].Removed)
	assert.True(t, recs[0].EndDate.Equal(fixedNow.AddDate(0, 3, 0)))
}

func TestActivate_SameTransactionTwice(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Verify", mock.Anything, "H1", subscription.PlanOneMonth).Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, int64(42)).Return(true)
	ctx := context.Background()

	first, err := f.svc.Activate(ctx, ActivateInput{UserID: 42, TxHash: "H1", Plan: subscription.PlanOneMonth})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return fixedNow.AddDate(0, 0, 20) }
	again, err := f.svc.Activate(ctx, ActivateInput{UserID: 42, TxHash: "H1", Plan: subscription.PlanOneMonth})
	require.NoError(t, err)

	// повтор не продлевает подписку и не проверяет платёж заново
	assert.Equal(t, first.SubscriptionID, again.SubscriptionID)
	assert.True(t, again.EndDate.Equal(first.EndDate))
	assert.Len(t, f.records(t), 1)
	f.verifier.AssertNumberOfCalls(t, "Verify", 1)
	f.access.AssertNumberOfCalls(t, "Grant", 2)
}

func TestActivate_ConcurrentUsersSameTransaction(t *testing.T) {
	f := newFixture(t)
	var inVerify sync.WaitGroup
	inVerify.Add(2)
	// оба запроса проходят предварительную проверку до того, как кто-то запишет хэш
	f.verifier.On("Verify", mock.Anything, "SHARED", subscription.PlanOneMonth).
		Run(func(mock.Arguments) {
			inVerify.Done()
			inVerify.Wait()
		}).
		Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, mock.Anything).Return(true)
	ctx := context.Background()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, userID := range []int64{1, 2} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			_, errs[i] = f.svc.Activate(ctx, ActivateInput{UserID: userID, TxHash: "SHARED", Plan: subscription.PlanOneMonth})
		}(i, userID)
	}
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed++
		var verr *subscription.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "tx_hash", verr.Field)
	}
	assert.Equal(t, 1, failed)
	assert.Len(t, f.records(t), 1)
	f.access.AssertNumberOfCalls(t, "Grant", 1)
}

func TestActivate_TransactionReuseAfterRenewal(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, mock.Anything).Return(true)
	ctx := context.Background()

	_, err := f.svc.Activate(ctx, ActivateInput{UserID: 1, TxHash: "H1", Plan: subscription.PlanOneMonth})
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, ActivateInput{UserID: 1, TxHash: "H2", Plan: subscription.PlanOneMonth})
	require.NoError(t, err)

	// H1 больше не в записи, но уже засчитан
	_, err = f.svc.Activate(ctx, ActivateInput{UserID: 2, TxHash: "H1", Plan: subscription.PlanOneMonth})
	var verr *subscription.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.Activate(ctx, ActivateInput{UserID: 1, TxHash: "H1", Plan: subscription.PlanOneMonth})
	require.ErrorAs(t, err, &verr)

	assert.Len(t, f.records(t), 1)
	f.verifier.AssertNumberOfCalls(t, "Verify", 2)
}

func TestActivate_TransactionReuseAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Verify", mock.Anything, "H1", subscription.PlanOneMonth).Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, mock.Anything).Return(true)
	f.access.On("Revoke", mock.Anything, int64(1)).Return(true)
	ctx := context.Background()

	_, err := f.svc.Activate(ctx, ActivateInput{UserID: 1, TxHash: "H1", Plan: subscription.PlanOneMonth})
	require.NoError(t, err)
	_, err = f.svc.Disconnect(ctx, 1)
	require.NoError(t, err)

	for _, userID := range []int64{1, 2} {
		_, err = f.svc.Activate(ctx, ActivateInput{UserID: userID, TxHash: "H1", Plan: subscription.PlanOneMonth})
		var verr *subscription.ValidationError
		require.ErrorAs(t, err, &verr, "user %d", userID)
	}
	assert.Empty(t, f.records(t))
}

func TestActivate_InsufficientPaymentLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	underpaid := &subscription.VerificationError{Reason: subscription.ErrInsufficientPayment, Detail: "paid 1, required 5"}
	f.verifier.On("Verify", mock.Anything, "H1", subscription.PlanOneMonth).Return(nil, underpaid)

	rec, err := f.svc.Activate(context.Background(), ActivateInput{UserID: 42, TxHash: "H1", Plan: subscription.PlanOneMonth})

	assert.Nil(t, rec)
	assert.ErrorIs(t, err, subscription.ErrInsufficientPayment)
	assert.Empty(t, f.records(t))
	f.access.AssertNotCalled(t, "Grant", mock.Anything, mock.Anything)
}

func TestActivate_VerificationFailureKeepsExistingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifier.On("Verify", mock.Anything, "H1", subscription.PlanOneMonth).Return(paidOK, nil)
	f.verifier.On("Verify", mock.Anything, "H2", subscription.PlanThreeMonths).
		Return(nil, &subscription.VerificationError{Reason: subscription.ErrOracleUnavailable, Err: errors.New("timeout")})
	f.access.On("Grant", mock.Anything, int64(42)).Return(true)

	_, err := f.svc.Activate(ctx, ActivateInput{UserID: 42, TxHash: "H1", Plan: subscription.PlanOneMonth})
	require.NoError(t, err)
	before := f.records(t)

	_, err = f.svc.Activate(ctx, ActivateInput{UserID: 42, TxHash: "H2", Plan: subscription.PlanThreeMonths})
	assert.ErrorIs(t, err, subscription.ErrOracleUnavailable)
	assert.Equal(t, before, f.records(t))
}

func TestActivate_GrantFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Verify", mock.Anything, "H1", subscription.PlanOneMonth).Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, int64(42)).Return(false)

	rec, err := f.svc.Activate(context.Background(), ActivateInput{UserID: 42, TxHash: "H1", Plan: subscription.PlanOneMonth})

	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, f.records(t), 1)
}

func TestActivate_TransactionOfAnotherUser(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Verify", mock.Anything, "H1", subscription.PlanOneMonth).Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, mock.Anything).Return(true)
	ctx := context.Background()

	_, err := f.svc.Activate(ctx, ActivateInput{UserID: 1, TxHash: "H1", Plan: subscription.PlanOneMonth})
	require.NoError(t, err)

	_, err = f.svc.Activate(ctx, ActivateInput{UserID: 2, TxHash: "H1", Plan: subscription.PlanOneMonth})

	var verr *subscription.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tx_hash", verr.Field)
	assert.Len(t, f.records(t), 1)
	f.verifier.AssertNumberOfCalls(t, "Verify", 1)
}

func TestActivate_Validation(t *testing.T) {
	tests := []struct {
		name  string
		in    ActivateInput
		field string
	}{
		{"zero user", ActivateInput{TxHash: "H", Plan: subscription.PlanOneMonth}, "user_id"},
		{"blank hash", ActivateInput{UserID: 1, TxHash: "  ", Plan: subscription.PlanOneMonth}, "tx_hash"},
		{"unknown plan", ActivateInput{UserID: 1, TxHash: "H", Plan: "1year"}, "plan"},
		{"bad profile", ActivateInput{UserID: 1, TxHash: "H", Plan: subscription.PlanOneMonth, Profile: json.RawMessage(`{`)}, "profile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.svc.Activate(context.Background(), tt.in)

			var verr *subscription.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			f.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

// --- Disconnect ---

func TestDisconnect_RemovesEvenIfRevokeFails(t *testing.T) {
	for _, revokeOK := range []bool{true, false} {
		f := newFixture(t)
		f.verifier.On("Verify", mock.Anything, "H1", subscription.PlanOneMonth).Return(paidOK, nil)
		f.access.On("Grant", mock.Anything, int64(42)).Return(true)
		f.access.On("Revoke", mock.Anything, int64(42)).Return(revokeOK)
		ctx := context.Background()

		_, err := f.svc.Activate(ctx, ActivateInput{UserID: 42, TxHash: "H1", Plan: subscription.PlanOneMonth})
		require.NoError(t, err)

		removed, err := f.svc.Disconnect(ctx, 42)

		require.NoError(t, err)
		assert.True(t, removed)
		assert.Empty(t, f.records(t))
		f.access.AssertNumberOfCalls(t, "Revoke", 1)
	}
}

func TestDisconnect_UnknownUserIsNoop(t *testing.T) {
	f := newFixture(t)

	removed, err := f.svc.Disconnect(context.Background(), 42)

	require.NoError(t, err)
	assert.False(t, removed)
	f.access.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)
}

func TestActivateDisconnect_ConcurrentSameUser(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, mock.Anything).Return(true)
	f.access.On("Revoke", mock.Anything, mock.Anything).Return(true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.Activate(ctx, ActivateInput{UserID: 42, TxHash: "H1", Plan: subscription.PlanOneMonth})
			assert.NoError(t, err)
		}()
		go func(id int64) {
			defer wg.Done()
			_, err := f.svc.Activate(ctx, ActivateInput{UserID: id, TxHash: "T" + LockKey(id), Plan: subscription.PlanOneMonth})
			assert.NoError(t, err)
		}(int64(100 + i))
	}
	wg.Wait()

	// ни одно обновление другого пользователя не потерялось
	recs := f.records(t)
	assert.Len(t, recs, 11)

	_, err := f.svc.Disconnect(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, f.records(t), 10)
}

func TestGetSubscription(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Verify", mock.Anything, "H1", subscription.PlanOneMonth).Return(paidOK, nil)
	f.access.On("Grant", mock.Anything, int64(42)).Return(true)
	ctx := context.Background()

	_, err := f.svc.GetSubscription(ctx, 42)
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	_, err = f.svc.Activate(ctx, ActivateInput{UserID: 42, TxHash: "H1", Plan: subscription.PlanOneMonth})
	require.NoError(t, err)

	rec, err := f.svc.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "H1", rec.TransactionHash)
}
