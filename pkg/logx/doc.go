// Package logx is a small structured-logging layer over zerolog.
//
// It provides:
//   - a value-type Logger whose zero value is a safe no-op,
//   - Field helpers (String, Int, Err, Duration, ...) applied per call,
//   - a Service that owns the sinks (console, file) and can hot-swap
//     level/outputs via Apply() without invalidating existing Loggers.
//
// Components should accept a logx.Logger value and never reach for a
// package-level global.
package logx
