// Package notifier is the outbound message sink. Notify only enqueues;
// sending happens on a sharded worker pool with a shared rate limit,
// bounded retries and dedup by key.
//
// Messages for the same target always land on the same worker, so a
// destination sees them in the order they were queued.
//
// A dedup key is claimed when a notification is queued and is kept (and,
// with PersistDedup, written to the store) only once the send succeeds. A
// failed send releases the key so the next sweep can try again.
package notifier
