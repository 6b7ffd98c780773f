// Package logx is taskd's structured logger, a thin layer over zerolog.
//
// Console records carry a short timestamp and the caller's file:line; the
// optional log file gets JSON. Level and sinks follow Service.Apply, so
// loggers handed out at startup pick up a reloaded logging section.
package logx
