package evaluator

// Options is the key-value configuration template a worker is spawned with.
// The session keeps one immutable template; per-call overrides are merged
// with Merge and never written back.
type Options struct {
	// TimeoutSeconds bounds a single evaluation (default: 120)
	TimeoutSeconds int

	// MaxOutputChars caps a single echoed result (default: 2000)
	MaxOutputChars int

	// Globals are bindings installed into the runtime at worker start
	Globals map[string]any

	// ScriptPath is an init script evaluated before the first request.
	// Typically a one-off override for a single respawn.
	ScriptPath string
}

// DefaultOptions returns the worker defaults.
func DefaultOptions() Options {
	return Options{
		TimeoutSeconds: 120,
		MaxOutputChars: 2000,
	}
}

// Merge returns a copy of o with the non-zero fields of over applied.
// Globals are merged key-wise; neither receiver nor argument is mutated.
func (o Options) Merge(over Options) Options {
	out := o
	if over.TimeoutSeconds != 0 {
		out.TimeoutSeconds = over.TimeoutSeconds
	}
	if over.MaxOutputChars != 0 {
		out.MaxOutputChars = over.MaxOutputChars
	}
	if over.ScriptPath != "" {
		out.ScriptPath = over.ScriptPath
	}
	if len(over.Globals) > 0 {
		merged := make(map[string]any, len(o.Globals)+len(over.Globals))
		for k, v := range o.Globals {
			merged[k] = v
		}
		for k, v := range over.Globals {
			merged[k] = v
		}
		out.Globals = merged
	}
	return out
}
