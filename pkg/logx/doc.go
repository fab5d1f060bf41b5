// Package logx is a thin structured-logging layer over zerolog.
//
// It supports console, file and Telegram sinks. Sinks can be reconfigured
// at runtime through Service.Apply without invalidating existing Logger
// values. The zero Logger is a safe no-op.
package logx
