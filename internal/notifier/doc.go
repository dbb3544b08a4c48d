// Package notifier delivers reminder messages through a transport.Sender.
//
// The Dispatcher turns every send attempt into a reminder.Result: it waits on
// a token-bucket rate limit, bounds each call with a timeout, retries
// transient failures with jittered exponential backoff (honoring server
// retry-after hints), and never lets an adapter panic escape.
//
// # History
//
// For operator visibility the dispatcher keeps a small in-memory history of
// recent sends and their outcomes.
package notifier
