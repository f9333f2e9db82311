// Package notifier delivers operator alerts.
//
// Alerts are short, high-signal messages (startup, new subscribers, rate
// limits, delivery and storage failures) sent to every configured owner and
// to the optional log group. Sending goes through a bounded queue drained by
// a small worker pool with a shared rate limit, retry with jittered backoff
// and a dedup window so a repeating failure does not flood the operators.
package notifier
