// Package logx configures calmanage's structured logging.
//
// Logger is a thin value type over zerolog:
//   - console output stays readable (short timestamp, file:line caller)
//   - file output is JSON
//   - an optional alert sink mails ERROR lines to an operator, rate limited
package logx
