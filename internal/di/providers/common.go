// Package providers contains dependency injection providers for the encoding engine.
package providers

import "time"

const (
	// shutdownTimeout is the maximum time to wait for graceful shutdown of services.
	shutdownTimeout = 30 * time.Second

	// eventDispatchers and eventBuffer size the in-process event bus.
	eventDispatchers = 4
	eventBuffer      = 1024

	// Mutating ops requests allowed per client address.
	mutationRPS    = 2
	mutationBurst  = 10
	limiterIdleTTL = 10 * time.Minute

	// maxOpsConnections caps open connections to the operations server,
	// event streams included.
	maxOpsConnections = 64
)
