// Package logx configures wafleet's structured logging.
//
// Components log through logx.Logger, a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON (one record per line)
//   - An optional operator sink forwards warnings to a Telegram chat,
//     bounded by a min level and a token-bucket rate limit
package logx
