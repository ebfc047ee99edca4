package frame

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidChannel = errors.New("invalid channel")
	ErrShapeMismatch  = errors.New("frame shape mismatch")
	ErrEmptyFrame     = errors.New("channel has no frame")
)

// Plane is one channel image, row-major, 16-bit.
type Plane struct {
	Width  int
	Height int
	Pix    []uint16
}

func NewPlane(width, height int) Plane {
	return Plane{
		Width:  width,
		Height: height,
		Pix:    make([]uint16, width*height),
	}
}

func (p Plane) At(x, y int) uint16 {
	return p.Pix[y*p.Width+x]
}

func (p Plane) Set(x, y int, v uint16) {
	p.Pix[y*p.Width+x] = v
}

func (p Plane) Clone() Plane {
	pix := make([]uint16, len(p.Pix))
	copy(pix, p.Pix)
	return Plane{Width: p.Width, Height: p.Height, Pix: pix}
}

func (p Plane) Empty() bool {
	return p.Width == 0 || p.Height == 0 || len(p.Pix) == 0
}

// Buffer holds the latest image of every channel. Dimensions are fixed at
// construction; a different frame size needs a new Buffer.
type Buffer struct {
	mu       sync.RWMutex
	width    int
	height   int
	channels [][]uint16
	written  []bool
}

func NewBuffer(channels, width, height int) (*Buffer, error) {
	if channels < 1 {
		return nil, fmt.Errorf("channel count must be >= 1, got %d", channels)
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	data := make([][]uint16, channels)
	for i := range data {
		data[i] = make([]uint16, width*height)
	}
	return &Buffer{
		width:    width,
		height:   height,
		channels: data,
		written:  make([]bool, channels),
	}, nil
}

func (b *Buffer) Channels() int {
	return len(b.channels)
}

func (b *Buffer) Width() int {
	return b.width
}

func (b *Buffer) Height() int {
	return b.height
}

func (b *Buffer) checkChannel(channel int) error {
	if channel < 0 || channel >= len(b.channels) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidChannel, channel, len(b.channels))
	}
	return nil
}

func (b *Buffer) checkShape(p Plane) error {
	if p.Width != b.width || p.Height != b.height || len(p.Pix) != b.width*b.height {
		return fmt.Errorf("%w: got %dx%d (%d px), want %dx%d", ErrShapeMismatch, p.Width, p.Height, len(p.Pix), b.width, b.height)
	}
	return nil
}

// Write replaces the stored image of one channel.
func (b *Buffer) Write(channel int, p Plane) error {
	if err := b.checkChannel(channel); err != nil {
		return err
	}
	if err := b.checkShape(p); err != nil {
		return err
	}
	b.mu.Lock()
	copy(b.channels[channel], p.Pix)
	b.written[channel] = true
	b.mu.Unlock()
	return nil
}

// WriteCycle replaces every channel at once, so readers never see channels
// from two different frame cycles.
func (b *Buffer) WriteCycle(planes []Plane) error {
	if len(planes) != len(b.channels) {
		return fmt.Errorf("%w: cycle has %d channels, buffer has %d", ErrInvalidChannel, len(planes), len(b.channels))
	}
	for _, p := range planes {
		if err := b.checkShape(p); err != nil {
			return err
		}
	}
	b.mu.Lock()
	for i, p := range planes {
		copy(b.channels[i], p.Pix)
		b.written[i] = true
	}
	b.mu.Unlock()
	return nil
}

// Read returns a view of the channel. The pixels are shared with the buffer
// and must not be modified; use Snapshot when a stable copy is needed.
func (b *Buffer) Read(channel int) (Plane, error) {
	if err := b.checkChannel(channel); err != nil {
		return Plane{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.written[channel] {
		return Plane{}, fmt.Errorf("%w: channel %d", ErrEmptyFrame, channel)
	}
	return Plane{Width: b.width, Height: b.height, Pix: b.channels[channel]}, nil
}

// Copy is Read with the pixels copied under the lock.
func (b *Buffer) Copy(channel int) (Plane, error) {
	if err := b.checkChannel(channel); err != nil {
		return Plane{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.written[channel] {
		return Plane{}, fmt.Errorf("%w: channel %d", ErrEmptyFrame, channel)
	}
	pix := make([]uint16, len(b.channels[channel]))
	copy(pix, b.channels[channel])
	return Plane{Width: b.width, Height: b.height, Pix: pix}, nil
}

func (b *Buffer) Written(channel int) bool {
	if b.checkChannel(channel) != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.written[channel]
}

// Snapshot returns a deep copy of all channels.
func (b *Buffer) Snapshot() *Buffer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := &Buffer{
		width:    b.width,
		height:   b.height,
		channels: make([][]uint16, len(b.channels)),
		written:  make([]bool, len(b.written)),
	}
	for i, ch := range b.channels {
		pix := make([]uint16, len(ch))
		copy(pix, ch)
		out.channels[i] = pix
	}
	copy(out.written, b.written)
	return out
}
