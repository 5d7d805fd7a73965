package attendance

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
)

const defaultQRBytes = 16

// QRGenerator produces opaque, hard-to-guess QR tokens.
type QRGenerator interface {
	NewCode() (string, error)
}

// RandomQRGenerator base58-encodes Size bytes read from Source.
type RandomQRGenerator struct {
	Source io.Reader
	Size   int
}

// NewRandomQRGenerator reads from crypto/rand. A non-positive size uses 16 bytes.
func NewRandomQRGenerator(size int) *RandomQRGenerator {
	if size <= 0 {
		size = defaultQRBytes
	}
	return &RandomQRGenerator{Source: rand.Reader, Size: size}
}

// NewCode implements QRGenerator.
func (g *RandomQRGenerator) NewCode() (string, error) {
	buf := make([]byte, g.Size)
	if _, err := io.ReadFull(g.Source, buf); err != nil {
		return "", fmt.Errorf("read qr entropy: %w", err)
	}
	return base58.Encode(buf), nil
}
