// Package logx configures fedtrain's structured logging.
//
// logx.Logger is a small wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - An optional stderr alert sink for warn+ lines, rate limited
package logx
