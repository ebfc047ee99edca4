package simulator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"particle-roi-go/internal/frame"
)

var ErrNotStarted = errors.New("simulator not started")

type Config struct {
	Width           int
	Height          int
	NoiseAmplitude  float64
	SignalAmplitude float64
	MeanParticles   int
	Rate            float64 // frames per second, 0 for as fast as possible
	Seed            int64
}

func DefaultConfig() Config {
	return Config{
		Width:           512,
		Height:          256,
		NoiseAmplitude:  500,
		SignalAmplitude: 20000,
		MeanParticles:   10,
		Rate:            20,
		Seed:            1,
	}
}

// Device generates frames of Gaussian particles over uniform noise. Every
// second frame is noise only, so with several channels the particles show
// up in alternating channels.
type Device struct {
	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	ticker  *time.Ticker
	started bool
	index   int
}

func New(cfg Config) *Device {
	return &Device{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.index = 0
	d.started = true
	if d.cfg.Rate > 0 {
		d.ticker = time.NewTicker(time.Duration(float64(time.Second) / d.cfg.Rate))
	}
	return ctx.Err()
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.index = 0
	d.started = false
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
	return nil
}

func (d *Device) SetSignalAmplitude(v float64) {
	d.mu.Lock()
	d.cfg.SignalAmplitude = v
	d.mu.Unlock()
}

func (d *Device) SetNoiseAmplitude(v float64) {
	d.mu.Lock()
	d.cfg.NoiseAmplitude = v
	d.mu.Unlock()
}

func (d *Device) SetMeanParticles(n int) {
	d.mu.Lock()
	d.cfg.MeanParticles = n
	d.mu.Unlock()
}

func (d *Device) Frame(ctx context.Context) (frame.Plane, error) {
	d.mu.Lock()
	ticker := d.ticker
	started := d.started
	d.mu.Unlock()
	if !started {
		return frame.Plane{}, ErrNotStarted
	}
	if ticker != nil {
		select {
		case <-ctx.Done():
			return frame.Plane{}, ctx.Err()
		case <-ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return frame.Plane{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.generate(d.index%2 == 0)
	d.index++
	return p, nil
}

type particle struct {
	x0, y0 float64
	sigma  float64
}

func (d *Device) generate(withParticles bool) frame.Plane {
	w, h := d.cfg.Width, d.cfg.Height
	p := frame.NewPlane(w, h)

	// particle count is always drawn so the random sequence does not depend
	// on the frame parity
	lo := d.cfg.MeanParticles / 2
	hi := d.cfg.MeanParticles * 3 / 2
	n := lo
	if hi > lo {
		n += d.rng.Intn(hi - lo)
	}
	parts := make([]particle, n)
	for i := range parts {
		parts[i] = particle{
			x0:    d.rng.NormFloat64() * float64(w) / 8,
			y0:    d.rng.NormFloat64() * float64(h) / 8,
			sigma: math.Max(math.Abs(float64(w)/128*(1+d.rng.NormFloat64())), 0.5),
		}
	}

	for y := 0; y < h; y++ {
		yy := centered(y, h)
		for x := 0; x < w; x++ {
			v := d.rng.Float64()*d.cfg.NoiseAmplitude + 1
			if withParticles {
				xx := centered(x, w)
				var z float64
				for _, pt := range parts {
					dx, dy := xx-pt.x0, yy-pt.y0
					z += math.Exp(-(dx*dx + dy*dy) / (2 * pt.sigma * pt.sigma))
				}
				v += z * d.cfg.SignalAmplitude
			}
			p.Pix[y*w+x] = clamp16(v)
		}
	}
	return p
}

// centered maps index i of n evenly onto [-n/2, n/2].
func centered(i, n int) float64 {
	if n < 2 {
		return 0
	}
	return -float64(n)/2 + float64(i)*float64(n)/float64(n-1)
}

func clamp16(v float64) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
