// Package imaging decodes uploaded images and produces the JPEG crops stored
// for known faces.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/kozaktomas/face-watch/internal/facematch"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is used for every image this package encodes.
const JPEGQuality = 85

// ErrInvalidImage is returned for input that cannot be decoded as an image.
var ErrInvalidImage = errors.New("invalid image")

// Decode decodes JPEG, PNG, GIF, BMP or WebP data.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// DecodeBase64 accepts raw base64 or a data URL ("data:image/jpeg;base64,...").
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 || !strings.HasSuffix(s[:comma], ";base64") {
			return nil, fmt.Errorf("%w: malformed data URL", ErrInvalidImage)
		}
		s = s[comma+1:]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: not valid base64", ErrInvalidImage)
}

// EncodeBase64 returns the data as standard padded base64.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DataURL returns the data as a data URL with a sniffed content type.
func DataURL(data []byte) string {
	return "data:" + http.DetectContentType(data) + ";base64," + EncodeBase64(data)
}

// EncodeJPEG encodes an image as JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Crop copies the face region grown by margin pixels, clamped to the image.
// A nil region returns the whole image.
func Crop(img image.Image, region *facematch.BBox, margin int) (image.Image, error) {
	if region == nil {
		return img, nil
	}
	r := region.Expand(margin, img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("face region %v lies outside the %dx%d image", *region, img.Bounds().Dx(), img.Bounds().Dy())
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(dst, image.Point{}, img, r, draw.Src, nil)
	return dst, nil
}

// CropJPEG decodes data, crops the face region with margin and returns JPEG bytes.
func CropJPEG(data []byte, region *facematch.BBox, margin int) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	cropped, err := Crop(img, region, margin)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(cropped)
}

// ResizeImage resizes an image to fit within maxSize (width or height) while keeping aspect ratio.
// The result is always JPEG.
func ResizeImage(data []byte, maxSize int) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if maxSize <= 0 || (width <= maxSize && height <= maxSize) {
		return EncodeJPEG(img)
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
	} else {
		newHeight = maxSize
		newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	return EncodeJPEG(resized)
}
