package tiles

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	_ "golang.org/x/image/webp"
)

// Bitmap is a decoded tile image that must be released when evicted.
type Bitmap interface {
	// Image returns the decoded pixels, or nil once closed.
	Image() image.Image
	Close()
}

type decodedBitmap struct {
	mu  sync.RWMutex
	img image.Image
}

// NewBitmap wraps an already decoded image.
func NewBitmap(img image.Image) Bitmap {
	return &decodedBitmap{img: img}
}

// Decode turns PNG, JPEG or WebP tile bytes into a Bitmap.
func Decode(data []byte) (Bitmap, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode tile: %w", err)
	}
	return NewBitmap(img), nil
}

func (b *decodedBitmap) Image() image.Image {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.img
}

func (b *decodedBitmap) Close() {
	b.mu.Lock()
	b.img = nil
	b.mu.Unlock()
}
