package detector

// Detector is a strategy that determines whether a previously launched
// backend process is still running. Implementations must be safe for
// concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
