// Package logx is a thin structured-logging layer over zerolog.
//
// It exposes a small Logger value type with functional Fields, so call
// sites never import zerolog directly. A Logger writes to the console
// and optionally to a log file; the zero value and Nop() are safe
// no-op loggers for tests.
package logx
