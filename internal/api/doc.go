// Package api is a small client for the gateway's REST endpoints.
//
// Only the lookup used for sharding is implemented:
//   - GET /gateway/bot: socket URL, recommended shard count and the
//     session start limit.
package api
