// Package dispatchq implements a transactional outbox with a leased-queue
// consumer framework on top of a SQL database.
//
// A business transaction records that an event happened (Writer.AddToQueue)
// atomically with its own mutations; the event fans out to one queue message
// per registered consumer. Messages are claimed with a visibility lease
// (Store.Read), dispatched to consumer handlers (Processor.ProcessQueue) and
// resolved to a terminal archive entry: success, failed after the retry
// policy gives up (the dead-letter path), or invalid when no consumer can be
// resolved.
//
// Delivery is at-least-once: a handler whose wall-clock time exceeds its
// lease can be claimed again by a concurrent reader, so handlers must be
// idempotent.
//
// Processing is triggered twice: opportunistically right after a commit that
// matched consumers (Executor), and periodically (Poller) as the durability
// safety net.
package dispatchq
