package facematch

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidEmbedding is matched by every InvalidEmbeddingError.
var ErrInvalidEmbedding = errors.New("invalid embedding")

// InvalidEmbeddingError reports a query whose dimensionality differs from the
// store's, or one holding a NaN or infinite component.
type InvalidEmbeddingError struct {
	Got  int
	Want int

	// NonFinite is the index of the first NaN or infinite component, if any.
	NonFinite *int
}

func (e *InvalidEmbeddingError) Error() string {
	if e.NonFinite != nil {
		return fmt.Sprintf("invalid embedding: component %d is not a finite number", *e.NonFinite)
	}
	return fmt.Sprintf("invalid embedding: dimension %d, expected %d", e.Got, e.Want)
}

func (e *InvalidEmbeddingError) Is(target error) bool {
	return target == ErrInvalidEmbedding
}

// CheckDim returns an InvalidEmbeddingError unless len(embedding) == dim and
// every component is finite.
func CheckDim(embedding []float32, dim int) error {
	if len(embedding) != dim {
		return &InvalidEmbeddingError{Got: len(embedding), Want: dim}
	}
	for i, v := range embedding {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return &InvalidEmbeddingError{Got: len(embedding), Want: dim, NonFinite: &i}
		}
	}
	return nil
}
