package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
	"github.com/peacprotocol/peac-x402-receipts-demo/catalog"
	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
	"github.com/peacprotocol/peac-x402-receipts-demo/policy"
	"github.com/peacprotocol/peac-x402-receipts-demo/token"
	"github.com/peacprotocol/peac-x402-receipts-demo/types"
	"github.com/peacprotocol/peac-x402-receipts-demo/verifier"
)

func newTestStore(t *testing.T, ttl time.Duration, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	return NewRedisStore(client, ttl, opts...), mr
}

func testOrder(id string) *peac.CompletedOrder {
	return &peac.CompletedOrder{
		OrderID: id,
		Body:    []byte(`{"order_id":"` + id + `"}`),
		Receipt: "h.p.s",
		Binding: "sess_1:abc",
	}
}

func TestRedisStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Hour)

	status, order, lease, err := store.CheckAndMark(ctx, "direct:k1")
	require.NoError(t, err)
	assert.Equal(t, peac.StatusNotFound, status)
	assert.Nil(t, order)
	require.NotEmpty(t, lease)
	lock, err := mr.Get("peac:idem:direct:k1:lock")
	require.NoError(t, err)
	assert.Equal(t, string(lease), lock)

	status, _, waiter, err := store.CheckAndMark(ctx, "direct:k1")
	require.NoError(t, err)
	assert.Equal(t, peac.StatusInFlight, status)
	assert.Empty(t, waiter)

	require.NoError(t, store.Complete(ctx, "direct:k1", lease, testOrder("ord_1")))
	assert.False(t, mr.Exists("peac:idem:direct:k1:lock"))
	assert.True(t, mr.Exists("peac:idem:direct:k1:result"))

	status, order, _, err = store.CheckAndMark(ctx, "direct:k1")
	require.NoError(t, err)
	assert.Equal(t, peac.StatusCached, status)
	assert.Equal(t, testOrder("ord_1"), order)
}

func TestRedisStore_FailAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, time.Hour)

	status, _, lease, _ := store.CheckAndMark(ctx, "k")
	require.Equal(t, peac.StatusNotFound, status)
	require.NoError(t, store.Fail(ctx, "k", lease))

	status, _, _, err := store.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, peac.StatusNotFound, status)
}

func TestRedisStore_ResultTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Minute)

	_, _, lease, _ := store.CheckAndMark(ctx, "k")
	require.NoError(t, store.Complete(ctx, "k", lease, testOrder("ord_1")))
	assert.Greater(t, mr.TTL("peac:idem:k:result"), time.Duration(0))

	mr.FastForward(2 * time.Minute)
	status, _, _, err := store.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, peac.StatusNotFound, status)
}

func TestRedisStore_LockExpires(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, 0, WithLockTTL(time.Second))

	store.CheckAndMark(ctx, "k")
	mr.FastForward(2 * time.Second)

	status, _, _, err := store.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, peac.StatusNotFound, status)
}

// An owner whose lock expired cannot release or overwrite the next owner's key.
func TestRedisStore_StaleLeaseCannotRelease(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, 0, WithLockTTL(time.Second))

	_, _, leaseA, err := store.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	status, _, leaseB, err := store.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, peac.StatusNotFound, status)
	require.NotEqual(t, leaseA, leaseB)

	require.NoError(t, store.Fail(ctx, "k", leaseA))
	status, _, _, err = store.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, peac.StatusInFlight, status, "a third request must not become owner")

	require.NoError(t, store.Complete(ctx, "k", leaseB, testOrder("ord_b")))
	err = store.Complete(ctx, "k", leaseA, testOrder("ord_a"))
	assert.ErrorIs(t, err, peac.ErrLeaseLost)

	_, order, _, err := store.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "ord_b", order.OrderID)
}

// A lost lease still records the order when nobody else completed the key.
func TestRedisStore_LostLeaseRecordsFirstResult(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Hour, WithLockTTL(time.Second))

	_, _, lease, err := store.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	assert.ErrorIs(t, store.Complete(ctx, "k", lease, testOrder("ord_1")), peac.ErrLeaseLost)
	status, order, _, err := store.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, peac.StatusCached, status)
	assert.Equal(t, "ord_1", order.OrderID)
}

func TestRedisStore_WaitForResult(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, time.Hour)
	_, _, lease, _ := store.CheckAndMark(ctx, "k")

	done := make(chan *peac.CompletedOrder, 1)
	go func() {
		order, err := store.WaitForResult(ctx, "k")
		assert.NoError(t, err)
		done <- order
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Complete(ctx, "k", lease, testOrder("ord_1")))

	select {
	case order := <-done:
		require.NotNil(t, order)
		assert.Equal(t, "ord_1", order.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe the result")
	}
}

func TestRedisStore_WaitAfterFail(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, time.Hour)
	_, _, lease, _ := store.CheckAndMark(ctx, "k")

	go func() {
		time.Sleep(20 * time.Millisecond)
		store.Fail(ctx, "k", lease)
	}()

	order, err := store.WaitForResult(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestRedisStore_WaitCancelled(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	store.CheckAndMark(context.Background(), "k")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := store.WaitForResult(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, 0, WithKeyPrefix("shop:"))
	store.CheckAndMark(ctx, "k")
	assert.True(t, mr.Exists("shop:k:lock"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newTestStore(t, 0)
	mr.Close()

	_, _, _, err := store.CheckAndMark(context.Background(), "k")
	assert.Error(t, err)
}

// Two checkout instances sharing Redis replay the same order for one key.
func TestRedisStore_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	km, err := keys.Generate("test-key")
	require.NoError(t, err)
	codec := token.NewCodec(km)
	pol, err := policy.NewStatic("http://localhost:4021/aipref.json", nil)
	require.NoError(t, err)

	newInstance := func() *peac.Checkout {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		store := NewRedisStore(client, time.Hour, WithPollInterval(5*time.Millisecond))
		return peac.NewCheckout(codec, catalog.Default(), verifier.NewDemo(""), pol, peac.WithOrderStore(store))
	}
	a, b := newInstance(), newInstance()

	items := []types.Item{{SKU: "sku_tea", Qty: 1}}
	quote, err := a.Process(ctx, peac.CheckoutRequest{Variant: peac.VariantDirect, Method: "POST", Path: peac.PathCheckoutDirect, Items: items})
	require.NoError(t, err)
	require.NotNil(t, quote.PaymentRequired)

	pay := peac.CheckoutRequest{
		Variant:        peac.VariantDirect,
		Method:         "POST",
		Path:           peac.PathCheckoutDirect,
		Items:          items,
		SessionToken:   quote.PaymentRequired.SessionToken,
		ProofID:        verifier.DefaultDemoToken,
		IdempotencyKey: "idem-1",
	}

	var wg sync.WaitGroup
	results := make([]*peac.CheckoutResult, 2)
	for i, c := range []*peac.Checkout{a, b} {
		wg.Add(1)
		go func(i int, c *peac.Checkout) {
			defer wg.Done()
			res, err := c.Process(ctx, pay)
			assert.NoError(t, err)
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, results[0].OrderID, results[1].OrderID)
	assert.Equal(t, results[0].Body, results[1].Body)
	assert.Equal(t, results[0].Receipt, results[1].Receipt)
	assert.True(t, results[0].Replayed != results[1].Replayed)
}
