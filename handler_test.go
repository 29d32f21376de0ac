package cat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, repo Repository, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithAppName("coordinator-test"),
		WithLogger(hclog.NewNullLogger()),
		WithAsyncThreads(2),
		WithConsumerThreads(2),
	}
	coord, err := New(repo, append(base, opts...)...)
	require.NoError(t, err)
	return coord
}

func TestDispatcherStarterSuccessRunsConfirm(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo)

	confirmed := false
	require.NoError(t, coord.Registry().Register("PaymentService", "confirmPay", func(_ context.Context, args json.RawMessage) (any, error) {
		confirmed = true
		assert.JSONEq(t, `{"orderId":"o-9"}`, string(args))
		return nil, nil
	}))

	ret, err := coord.Execute(context.Background(), &Call{
		TargetClass:   "PaymentService",
		TargetMethod:  "pay",
		Pattern:       PatternTCC,
		ConfirmMethod: "confirmPay",
		CancelMethod:  "cancelPay",
		Args:          map[string]string{"orderId": "o-9"},
		Exec: func(context.Context) (any, error) {
			return "paid", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "paid", ret)

	require.NoError(t, coord.Close())

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "a fully confirmed transaction leaves no row behind")
	assert.True(t, confirmed)
}

func TestDispatcherTryFailureDeletesAndPropagates(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo)

	confirmed := false
	require.NoError(t, coord.Registry().Register("PaymentService", "confirmPay", func(context.Context, json.RawMessage) (any, error) {
		confirmed = true
		return nil, nil
	}))

	boom := errors.New("insufficient funds")
	_, err := coord.Execute(context.Background(), &Call{
		TargetClass:   "PaymentService",
		TargetMethod:  "pay",
		Pattern:       PatternTCC,
		ConfirmMethod: "confirmPay",
		CancelMethod:  "cancelPay",
		Exec: func(context.Context) (any, error) {
			return nil, boom
		},
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, coord.Close())

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "a failed Try leaves no row behind")
	assert.False(t, confirmed)
}

func TestDispatcherNotStartedPassesThrough(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo, WithStarted(false))

	ran := false
	ret, err := coord.Execute(context.Background(), &Call{
		TargetClass:  "PaymentService",
		TargetMethod: "pay",
		Pattern:      PatternTCC,
		Exec: func(context.Context) (any, error) {
			ran = true
			return 42, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 42, ret)
	assert.True(t, ran)

	require.NoError(t, coord.Close())

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDispatcherParticipantTryThenConfirm(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo)

	confirmed := false
	require.NoError(t, coord.Registry().Register("StockService", "confirmStock", func(context.Context, json.RawMessage) (any, error) {
		confirmed = true
		return nil, nil
	}))

	// Try phase arrives with the starter's propagated context.
	tryCtx := WithTransactionContext(context.Background(),
		&TransactionContext{TransID: "t-dist", Action: ActionTrying, Role: RoleStart})
	_, err := coord.Execute(tryCtx, &Call{
		TargetClass:   "StockService",
		TargetMethod:  "reserve",
		Pattern:       PatternTCC,
		ConfirmMethod: "confirmStock",
		CancelMethod:  "cancelStock",
		Exec: func(context.Context) (any, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	// The confirm hop only carries the context; Exec is not re-run.
	confirmCtx := WithTransactionContext(context.Background(),
		&TransactionContext{TransID: "t-dist", Action: ActionConfirming, Role: RoleStart})
	_, err = coord.Execute(confirmCtx, &Call{
		TargetClass:  "StockService",
		TargetMethod: "reserve",
		Pattern:      PatternTCC,
		Exec: func(context.Context) (any, error) {
			t.Fatal("confirm dispatch must not re-run the business call")
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, confirmed)

	require.NoError(t, coord.Close())

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDispatcherParticipantCancelReleases(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo)

	canceled := false
	require.NoError(t, coord.Registry().Register("StockService", "cancelStock", func(context.Context, json.RawMessage) (any, error) {
		canceled = true
		return nil, nil
	}))

	tryCtx := WithTransactionContext(context.Background(),
		&TransactionContext{TransID: "t-cancel", Action: ActionTrying, Role: RoleStart})
	_, err := coord.Execute(tryCtx, &Call{
		TargetClass:   "StockService",
		TargetMethod:  "reserve",
		Pattern:       PatternTCC,
		ConfirmMethod: "confirmStock",
		CancelMethod:  "cancelStock",
		Exec: func(context.Context) (any, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	cancelCtx := WithTransactionContext(context.Background(),
		&TransactionContext{TransID: "t-cancel", Action: ActionCanceling, Role: RoleStart})
	_, err = coord.Execute(cancelCtx, &Call{
		TargetClass:  "StockService",
		TargetMethod: "reserve",
		Pattern:      PatternTCC,
		Exec: func(context.Context) (any, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, canceled)

	require.NoError(t, coord.Close())
}

func TestDispatcherLocalNestedCallEnlists(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo)

	// A provider mid-Try holds its transaction in the cache; a nested
	// in-process call enlists against it.
	tryCtx := WithTransactionContext(context.Background(),
		&TransactionContext{TransID: "t-nested", Action: ActionTrying, Role: RoleStart})
	_, err := coord.Execute(tryCtx, &Call{
		TargetClass:   "OrderService",
		TargetMethod:  "create",
		Pattern:       PatternTCC,
		ConfirmMethod: "confirmOrder",
		CancelMethod:  "cancelOrder",
		Exec: func(innerCtx context.Context) (any, error) {
			// The nested call sees the LOCAL role set by the provider
			// entry point.
			return coord.Execute(innerCtx, &Call{
				TargetClass:   "PointsService",
				TargetMethod:  "award",
				Pattern:       PatternTCC,
				ConfirmMethod: "confirmPoints",
				CancelMethod:  "cancelPoints",
				Exec: func(context.Context) (any, error) {
					return nil, nil
				},
			})
		},
	})
	require.NoError(t, err)

	tx, err := coord.executor.cache.Get(context.Background(), "t-nested")
	require.NoError(t, err)
	require.Len(t, tx.Participants, 2)
	assert.Equal(t, "PointsService#confirmPoints", tx.Participants[1].Confirm.Key())

	require.NoError(t, coord.Close())
}

func TestDispatcherEnlistedRemoteParticipantIsConfirmed(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo)

	// The starter binds stubs standing in for the remote provider's
	// callbacks.
	remoteConfirmed := false
	remoteCanceled := false
	require.NoError(t, coord.Registry().Register("StockService", "confirmReserve", func(context.Context, json.RawMessage) (any, error) {
		remoteConfirmed = true
		return nil, nil
	}))
	require.NoError(t, coord.Registry().Register("StockService", "cancelReserve", func(context.Context, json.RawMessage) (any, error) {
		remoteCanceled = true
		return nil, nil
	}))
	require.NoError(t, coord.Registry().Register("OrderService", "confirmOrder", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	}))

	_, err := coord.Execute(context.Background(), &Call{
		TargetClass:   "OrderService",
		TargetMethod:  "place",
		Pattern:       PatternTCC,
		ConfirmMethod: "confirmOrder",
		CancelMethod:  "cancelOrder",
		Exec: func(ctx context.Context) (any, error) {
			// The transport binding enlists the provider after the
			// remote Try succeeds.
			tc, ok := TransactionContextFrom(ctx)
			require.True(t, ok)
			confirm, err := NewInvocation("StockService", "confirmReserve", nil)
			require.NoError(t, err)
			cancel, err := NewInvocation("StockService", "cancelReserve", nil)
			require.NoError(t, err)
			return nil, coord.EnlistParticipant(ctx, NewParticipant(tc.TransID, confirm, cancel))
		},
	})
	require.NoError(t, err)

	require.NoError(t, coord.Close())

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "a confirmed transaction leaves no row for recovery to cancel")
	assert.True(t, remoteConfirmed, "the enlisted provider must see the confirm fan-out")
	assert.False(t, remoteCanceled)
}

func TestDispatcherTransportRoleIsNormalized(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo)

	tc := &TransactionContext{TransID: "t-wire", Action: ActionTrying, Role: RoleTransport}
	ctx := WithTransactionContext(context.Background(), tc)

	ran := false
	_, err := coord.Execute(ctx, &Call{
		TargetClass:  "GatewayService",
		TargetMethod: "forward",
		Pattern:      PatternTCC,
		Exec: func(context.Context) (any, error) {
			ran = true
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, RoleStart, tc.Role)

	require.NoError(t, coord.Close())
}

func TestDispatcherNoticeSuccessSettles(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo)

	ret, err := coord.Execute(context.Background(), &Call{
		TargetClass:  "SmsService",
		TargetMethod: "send",
		Pattern:      PatternNotice,
		Exec: func(context.Context) (any, error) {
			return "sent", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", ret)

	require.NoError(t, coord.Close())

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "a delivered notice leaves no row behind")
}

func TestDispatcherNoticeTimeoutRedelivers(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo)

	redelivered := false
	require.NoError(t, coord.Registry().Register("SmsService", "send", func(context.Context, json.RawMessage) (any, error) {
		redelivered = true
		return nil, nil
	}))

	ret, err := coord.Execute(context.Background(), &Call{
		TargetClass:  "SmsService",
		TargetMethod: "send",
		Pattern:      PatternNotice,
		Timeout:      time.Millisecond,
		Exec: func(context.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return "slow", nil
		},
	})
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "slow", ret, "the business result survives an advisory timeout")

	require.NoError(t, coord.Close())
	assert.True(t, redelivered, "a blown budget queues a redelivery")
}

func TestDispatcherDegradedNoticePassesThrough(t *testing.T) {
	repo := NewMemoryRepository()
	coord := newTestCoordinator(t, repo,
		WithNoticeThresholds(1, 0, 0),
		WithStarted(true),
	)

	// Leftover notice rows are failures: seed enough to trip the window.
	failed := NewTransaction(PatternNotice, RoleStart)
	failed.TargetClass = "SmsService"
	failed.TargetMethod = "send"
	notice, err := NewInvocation("SmsService", "send", nil)
	require.NoError(t, err)
	require.NoError(t, failed.RegisterParticipant(NewNoticeParticipant(failed.TransID, notice)))
	_, err = repo.Create(context.Background(), failed)
	require.NoError(t, err)

	require.NoError(t, coord.degradation.Refresh(context.Background()))
	require.True(t, coord.degradation.Degraded("SmsService", "send"))

	ran := false
	_, err = coord.Execute(context.Background(), &Call{
		TargetClass:  "SmsService",
		TargetMethod: "send",
		Pattern:      PatternNotice,
		Exec: func(context.Context) (any, error) {
			ran = true
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, ran, "degradation keeps the business call available")

	require.NoError(t, coord.Close())

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1, "a degraded notice is not tracked")
}
