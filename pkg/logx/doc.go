// Package logx is cadence's structured logger.
//
// A small Logger value wraps zerolog so call sites pass typed fields
// (logx.String, logx.Err, ...) and components derive scoped loggers with With.
// Console output stays human readable; file and JSON output stay structured.
package logx
