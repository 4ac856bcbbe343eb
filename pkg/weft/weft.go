// Package weft provides the public API for embedding the context assembly
// engine. This is the stable API for external consumers.
package weft

import (
	"github.com/weftworks/weft/internal/runtime"
)

// Service is the main entry point for running the assembly engine.
// See internal/runtime.Service for full documentation.
type Service = runtime.Service

// Option is a functional option for configuring a Service.
type Option = runtime.Option

// New creates a new Service with the given options.
// Example:
//
//	svc, err := weft.New(
//	    weft.WithConfigFile("weft.yaml"),
//	    weft.WithSQLite("./data/weft.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithConfigFile = runtime.WithConfigFile
	WithConfig     = runtime.WithConfig

	// Document stores
	WithMemoryStore = runtime.WithMemoryStore
	WithSQLite      = runtime.WithSQLite
	WithRemoteStore = runtime.WithRemoteStore
	WithStore       = runtime.WithStore

	// Event feeds
	WithFeed = runtime.WithFeed

	// Advanced options
	WithLogger    = runtime.WithLogger
	WithEstimator = runtime.WithEstimator
)
