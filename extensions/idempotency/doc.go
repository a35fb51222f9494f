// Package idempotency provides a Redis-backed peac.OrderStore for checkout
// deployments that run more than one instance.
//
// # Overview
//
// The in-process peac.OrderCache only deduplicates retries that reach the same
// process. Behind a load balancer a retry may land on any instance, so the
// completed order and the in-flight marker have to live in shared storage.
//
// # Usage
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := idempotency.NewRedisStore(client, 24*time.Hour)
//
//	checkout := peac.NewCheckout(codec, catalog, verifier, policy,
//	    peac.WithOrderStore(store),
//	)
//
// # How It Works
//
// 1. CheckAndMark reads <prefix><key>:result; a hit is replayed
// 2. Otherwise it takes <prefix><key>:lock with SETNX and a lock TTL; the lock value is the caller's lease
// 3. A caller that loses the SETNX race polls until the result appears or the lock disappears
// 4. Complete writes the result and drops the lock in one script, only while the lock still holds the lease
//
// Failed checkouts are NOT cached. Fail drops the lock, again only for the
// matching lease, so a retry can take it. The lock TTL bounds how long a
// crashed owner can hold a key; an owner that outlives it gets ErrLeaseLost
// from Complete and never touches the next owner's lock.
package idempotency
