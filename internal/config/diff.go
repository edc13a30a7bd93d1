package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is set when session tuning changed. It applies to
	// sessions started after the reload.
	PipelineChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart, e.g. "providers" or "storage".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PipelineChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}

	oldSrv, newSrv := old.Server, new.Server
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	if oldSrv.ListenAddr != newSrv.ListenAddr || oldSrv.LogFormat != newSrv.LogFormat ||
		oldSrv.AdminKey != newSrv.AdminKey || oldSrv.ShutdownTimeout != newSrv.ShutdownTimeout ||
		!reflect.DeepEqual(oldSrv.TLS, newSrv.TLS) || !slices.Equal(oldSrv.AllowedOrigins, newSrv.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Sessions != new.Sessions {
		d.RestartRequired = append(d.RestartRequired, "sessions")
	}
	return d
}
