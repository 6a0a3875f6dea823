// Package logx is lotkeeper's structured logging on top of zerolog.
//
// Components receive a logx.Logger and derive their own with
// log.With(logx.String("comp", name)). Loggers taken from a Service follow
// its sinks and level when the config is reloaded. Console output is short
// and readable; the optional file sink is JSON lines.
package logx
