package registry

// Service is the interface for all plug-in services
type Service interface {
	Start() error
	Stop() error
}

// FatalReporter is implemented by services that can hit a condition the
// process should not survive.
type FatalReporter interface {
	Fatal() <-chan error
}
