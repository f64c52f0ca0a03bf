// Package poller implements the session start limit poller.
//
// The poller:
//   - Calls GET /gateway/bot on a fixed interval
//   - Reports the session start limit to a handler (metrics)
//   - Warns when remaining identifies drop below a watermark
package poller
