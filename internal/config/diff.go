package config

// ConfigDiff describes what changed between two configs, split by whether
// the change can be applied to a running bridge.
type ConfigDiff struct {
	// LogLevelChanged is set when server.log_level changed. The new level
	// applies immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is set when any realtime session parameter changed
	// (instructions, voice, model, VAD tuning). New calls pick these up;
	// live calls keep the session they opened with.
	PersonaChanged bool

	// RestartRequired lists changed fields that only take effect after a
	// restart, such as listen addresses, audio rates, tool servers, and the
	// CDR database.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Realtime != new.Realtime {
		d.PersonaChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.HTTPAddr != new.Server.HTTPAddr {
		d.RestartRequired = append(d.RestartRequired, "server.http_addr")
	}
	if old.Bridge != new.Bridge {
		d.RestartRequired = append(d.RestartRequired, "bridge")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if !toolServersEqual(old.Tools.Servers, new.Tools.Servers) {
		d.RestartRequired = append(d.RestartRequired, "tools.servers")
	}
	if old.CDR != new.CDR {
		d.RestartRequired = append(d.RestartRequired, "cdr")
	}

	return d
}

func toolServersEqual(a, b []ToolServerConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name ||
			a[i].Transport != b[i].Transport ||
			a[i].Command != b[i].Command ||
			a[i].URL != b[i].URL ||
			!mapsEqual(a[i].Env, b[i].Env) {
			return false
		}
	}
	return true
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
