package logging

// Options controls the shared logger.
type Options struct {
	// Level is the minimum level ("debug", "info", "warn", "error").
	// CODETIME_LOG_LEVEL overrides it.
	Level string

	// Format is "text" (default) or "json".
	Format string

	// Dir, when set, enables a rotating codetime.log inside it.
	Dir string

	// Stderr forces structured logs onto stderr even on a terminal.
	Stderr bool

	// Disabled drops all output.
	Disabled bool
}
