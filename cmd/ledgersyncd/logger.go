package main

import (
	"io"

	glog "github.com/goliatone/go-logger/glog"
)

// newLogger builds the root logger every package derives its named logger
// from. format is json (default), text or pretty.
func newLogger(w io.Writer, level, format string) *glog.BaseLogger {
	opts := []glog.Option{glog.WithLevel(level), glog.WithWriter(w)}
	switch format {
	case "text":
		opts = append(opts, glog.WithLoggerTypeConsole())
	case "pretty":
		opts = append(opts, glog.WithLoggerTypePretty())
	default:
		opts = append(opts, glog.WithLoggerTypeJSON())
	}
	return glog.NewLogger(opts...)
}
