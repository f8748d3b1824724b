package filesystem

const (
	// TemporaryNamePrefix is the prefix applied to intermediate files used
	// for atomic installs, clone probes, and staging so that they're
	// identifiable (and, if a crash leaves one behind, cleanable) by name.
	TemporaryNamePrefix = ".ghaf-virtiofs-tmp-"
)
