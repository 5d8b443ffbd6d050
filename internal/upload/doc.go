// Package upload relays the most recent reading to a remote endpoint on a
// fixed period.
//
// Delivery is best-effort by design. A failed upload is logged and
// discarded; there is no retry, no backoff and no queue, and nothing flows
// back into acquisition or display. Receivers that need ordering should use
// the submission timestamp sent with each job.
package upload
