// Package logx configures fleetbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional chat sink that mirrors warnings into the control channel
//     (min-level + rate limiting)
package logx
