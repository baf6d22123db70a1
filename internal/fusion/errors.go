package fusion

import "errors"

// Sentinel errors for the fusion controller's public API. Callers use
// errors.Is against these rather than matching on message text.
var (
	// ErrAlgorithmRunning is returned by SetAlgorithm when the manager is
	// already started; the algorithm slot may not be swapped while live.
	ErrAlgorithmRunning = errors.New("fusion: cannot change algorithm while running")

	// ErrNoAlgorithm is returned by Start when no algorithm has been set.
	ErrNoAlgorithm = errors.New("fusion: no algorithm set")

	// ErrAlreadyRunning is returned by Start on a manager that is already started.
	ErrAlreadyRunning = errors.New("fusion: manager already running")

	// ErrNoPrioritizer is returned by WithPrioritizer when the holder has
	// no prioritizer installed.
	ErrNoPrioritizer = errors.New("fusion: no target prioritizer set")

	// ErrNoDeviceAssignment is returned by WithDeviceAssignment when the
	// holder has no device-assignment strategy installed.
	ErrNoDeviceAssignment = errors.New("fusion: no device assignment strategy set")

	// ErrUnknownAlgorithm is returned by AlgorithmRegistry.Create for an
	// unregistered algorithm name.
	ErrUnknownAlgorithm = errors.New("fusion: unknown algorithm")

	// ErrAlgorithmRegistered is returned by AlgorithmRegistry.Register when
	// the name is already taken.
	ErrAlgorithmRegistered = errors.New("fusion: algorithm name already registered")
)
