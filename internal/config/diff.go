package config

// Diff describes what changed between two configs. Only fields that can be
// applied without restarting the daemon are tracked; everything else
// (transport endpoints, storage DSN) requires a restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is set when any detection tuning field changed. The new
	// values take effect on the next turn boundary.
	VADChanged bool
	NewVAD     VADConfig

	// CaptureChanged is set when ambient cadence or turn-assembly timing
	// changed.
	CaptureChanged bool
	NewCapture     CaptureConfig
}

// Any reports whether the diff contains at least one change.
func (d Diff) Any() bool {
	return d.LogLevelChanged || d.VADChanged || d.CaptureChanged
}

// Compare returns what changed between old and new that is safe to apply
// without restart.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}
	if old.Capture != new.Capture {
		d.CaptureChanged = true
		d.NewCapture = new.Capture
	}

	return d
}
