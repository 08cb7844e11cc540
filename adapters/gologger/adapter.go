// Package gologger builds core observers from go-logger loggers. Each
// daemon component gets its own named logger and metric prefix.
package gologger

import (
	"strings"

	"github.com/goliatone/go-ledgersync/core"
	glog "github.com/goliatone/go-logger/glog"
)

const rootPrefix = "ledgersync"

// NewObserver resolves the logger for name, preferring provider over logger
// and falling back to a nop logger, then pairs it with metrics.
func NewObserver(name string, provider glog.LoggerProvider, logger glog.Logger, metrics core.MetricsRecorder) core.Observer {
	name = strings.TrimSpace(name)
	_, resolved := glog.Resolve(name, provider, logger)
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return core.Observer{Logger: resolved, Metrics: metrics, Prefix: MetricPrefix(name)}
}

// MetricPrefix namespaces a component under the root metric prefix.
func MetricPrefix(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == rootPrefix {
		return rootPrefix
	}
	return rootPrefix + "." + name
}
