// Package logx wraps zerolog behind a small Logger value type.
//
// Design goals:
//   - Zero-value Logger is a safe no-op (components can log before wiring).
//   - Loggers minted from a Service stay live across config reloads
//     (Apply swaps sinks/levels without re-creating component loggers).
//   - Field helpers keep call sites structured without pulling zerolog
//     into every package.
package logx
