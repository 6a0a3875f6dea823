// Package notifier sends short operator messages to a Telegram chat when
// the background jobs finish or fail.
//
// The service listens on the event bus for suggestion batch reports, cleanup
// results and task failures, formats them as one-line summaries and delivers
// them through a Sender with rate limiting and retry. Delivery is best-effort:
// a full queue drops the message and a failed send is logged, never surfaced
// to the job that produced the event.
package notifier
