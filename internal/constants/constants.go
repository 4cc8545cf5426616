// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Similarity search constants
const (
	// DefaultSimilarLimit is the default number of faces returned by a similar query
	DefaultSimilarLimit = 10

	// MaxSimilarLimit caps the number of faces returned by a similar query
	MaxSimilarLimit = 100
)

// HTTP constants
const (
	// MaxRequestBodySize bounds JSON request bodies, which carry base64 images (32MB)
	MaxRequestBodySize = 32 << 20

	// ThumbnailMaxSize is the largest size accepted by image listings
	ThumbnailMaxSize = 1920

	// RequestTimeout bounds a single API request, including the encoder round trip
	RequestTimeout = 2 * time.Minute

	// ShutdownTimeout is how long the server waits for in-flight requests on shutdown
	ShutdownTimeout = 30 * time.Second
)

// Encoder constants
const (
	// EncoderTimeout bounds one call to the embedding service
	EncoderTimeout = 2 * time.Minute
)
