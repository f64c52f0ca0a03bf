// Package protocol defines the gateway wire vocabulary: opcodes, frame
// shapes, close codes and the reconnection policy attached to each close
// code.
//
// Inbound frames have the shape {op, d, s?, t?}. Outbound frames built here:
//   - op 1 heartbeat  {d: last sequence or null}
//   - op 2 identify   {token, properties, shard:[id,total], intents?}
//   - op 6 resume     {token, session_id, seq}
package protocol
