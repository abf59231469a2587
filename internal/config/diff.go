package config

import (
	"reflect"
	"sort"
	"strings"

	logx "netgauge/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and a few safe
// attributes describing the new values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.driver", strings.TrimSpace(newCfg.Engine.Driver)),
			logx.Int("engine.speedtest.server_count", newCfg.Engine.Speedtest.ServerCount),
			logx.Bool("engine.scripted.script_set", strings.TrimSpace(newCfg.Engine.Scripted.Script) != ""),
		)
	}

	if oldCfg.Metadata != newCfg.Metadata {
		changed = append(changed, "metadata")
		attrs = append(attrs,
			logx.Bool("metadata.enabled", newCfg.Metadata.Enabled),
			logx.String("metadata.url", strings.TrimSpace(newCfg.Metadata.URL)),
			logx.String("metadata.timeout", strings.TrimSpace(newCfg.Metadata.Timeout)),
		)
	}

	if oldCfg.ClientIdentity() != newCfg.ClientIdentity() {
		changed = append(changed, "client")
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Spec) != strings.TrimSpace(newCfg.Scheduler.Spec) ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.spec", strings.TrimSpace(newCfg.Scheduler.Spec)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
