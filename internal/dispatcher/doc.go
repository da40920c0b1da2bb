// Package dispatcher implements the per-group coordinators of the channel subsystem
// and the process-wide registry that owns them.
//
// # Concurrency model
//
// A Dispatcher is a single goroutine draining a buffered mailbox. Everything that
// describes a group (its channel registry, its members, the shared session data and
// its version, and whether the group is finished) is owned by that goroutine and
// never touched from anywhere else, so no locks are involved:
//
//	Channel ──Join/Leave/Broadcast/Unicast/SessionUpdate──▶ Dispatcher mailbox
//	Service ──PoisonChannel/UpdateSession/Drop/Reassign/Finish──▶ Dispatcher mailbox
//	Dispatcher ──frames (non-blocking)──▶ Channel mailbox
//
// Messages from one sender are handled in the order they were sent. Delivery to a
// channel never blocks the dispatcher: a channel whose mailbox is full is treated as
// a slow consumer and poisoned.
//
// The Registry follows the same discipline: one goroutine owns the groupID →
// Dispatcher map, which makes GetOrCreate idempotent under concurrent callers.
//
// # Request/reply
//
// Operations that need an answer carry a one-shot, buffered reply channel. Callers
// wait on it with a context deadline; when the deadline passes the request is
// abandoned, not cancelled, and ErrTimeout is returned.
package dispatcher
