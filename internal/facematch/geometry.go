package facematch

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// BBox is a face bounding box in raw pixel coordinates, corner format [x1, y1, x2, y2].
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// BBoxFromSlice converts the detector's [x1, y1, x2, y2] slice into a BBox.
func BBoxFromSlice(s []float64) (*BBox, error) {
	if len(s) != 4 {
		return nil, fmt.Errorf("bbox must have 4 coordinates, got %d", len(s))
	}
	b := &BBox{X1: s[0], Y1: s[1], X2: s[2], Y2: s[3]}
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return nil, fmt.Errorf("degenerate bbox %v", s)
	}
	return b, nil
}

// Width returns the box width in pixels.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Expand grows the box by margin pixels on every side and clamps it to bounds.
// Saved crops include this margin so the detector finds the face again on reload.
func (b BBox) Expand(margin int, bounds image.Rectangle) image.Rectangle {
	m := float64(margin)
	r := image.Rect(
		int(math.Floor(b.X1-m)),
		int(math.Floor(b.Y1-m)),
		int(math.Ceil(b.X2+m)),
		int(math.Ceil(b.Y2+m)),
	)
	return r.Intersect(bounds)
}

// MarshalJSON encodes the box as [x1, y1, x2, y2].
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([]float64{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON decodes [x1, y1, x2, y2].
func (b *BBox) UnmarshalJSON(data []byte) error {
	var s []float64
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := BBoxFromSlice(s)
	if err != nil {
		return err
	}
	*b = *parsed
	return nil
}
