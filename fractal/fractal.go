// Package fractal holds the view parameters for an escape-time fractal
// and the GPU-visible block they are flattened into. Everything here is
// plain data: the render package copies a resolved block into uniform
// memory once per frame, and the UI mutates the live parameters between
// frames on the same thread.
package fractal

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Kind selects the iteration formula evaluated by the fragment shader.
type Kind int32

const (
	Mandelbrot Kind = iota
	Julia
	BurningShip
	Tricorn
	Multibrot

	KindCount
)

func (k Kind) String() string {
	switch k {
	case Mandelbrot:
		return "mandelbrot"
	case Julia:
		return "julia"
	case BurningShip:
		return "burning ship"
	case Tricorn:
		return "tricorn"
	case Multibrot:
		return "multibrot"
	}
	return "unknown"
}

// Palette selects the color ramp applied to the iteration count.
type Palette int32

const (
	Rainbow Palette = iota
	Fire
	Ocean
	Grayscale
	Electric

	PaletteCount
)

func (p Palette) String() string {
	switch p {
	case Rainbow:
		return "rainbow"
	case Fire:
		return "fire"
	case Ocean:
		return "ocean"
	case Grayscale:
		return "grayscale"
	case Electric:
		return "electric"
	}
	return "unknown"
}

// Default view parameters, restored by Reset and used at startup.
const (
	DefaultScale          float32 = 1.0
	DefaultMaxIterations  int32   = 100
	DefaultMultibrotPower float32 = 3.0
)

// DefaultJuliaC is the Julia set seed the viewer starts on.
var DefaultJuliaC = mgl32.Vec2{-0.7, 0.27015}

// ParamBlock is the uniform block consumed by the fractal fragment
// shader. Field order and the two padding slots are a binary contract
// with shaders/fractal.frag and must not be rearranged; the block is
// written to GPU memory with encoding/binary using the platform byte
// order. Total size is 48 bytes.
type ParamBlock struct {
	Center mgl32.Vec2
	Scale  float32
	Aspect float32

	Kind          Kind
	MaxIterations int32
	Palette       Palette
	_             int32

	JuliaC         mgl32.Vec2
	MultibrotPower float32
	_              float32
}

// DefaultParams returns a block positioned on the full Mandelbrot set.
// The aspect ratio starts at 1 and tracks the swapchain extent once a
// chain exists.
func DefaultParams() ParamBlock {
	return ParamBlock{
		Scale:          DefaultScale,
		Aspect:         1,
		Kind:           Mandelbrot,
		MaxIterations:  DefaultMaxIterations,
		Palette:        Rainbow,
		JuliaC:         DefaultJuliaC,
		MultibrotPower: DefaultMultibrotPower,
	}
}

// SetKind selects the iteration formula. Out-of-range values are kept
// as-is and fall back to Mandelbrot when the block is resolved for the
// GPU.
func (p *ParamBlock) SetKind(k Kind) {
	p.Kind = k
}

// SetMaxIterations sets the escape-time iteration cap. Non-positive
// counts are ignored.
func (p *ParamBlock) SetMaxIterations(n int32) {
	if n <= 0 {
		return
	}
	p.MaxIterations = n
}

// SetPalette selects the color ramp. Out-of-range values fall back to
// Rainbow when resolved.
func (p *ParamBlock) SetPalette(pal Palette) {
	p.Palette = pal
}

// SetZoom stores the reciprocal of the zoom factor as the view scale,
// so zooming in shrinks the sampled region. Non-positive zoom is
// ignored.
func (p *ParamBlock) SetZoom(zoom float32) {
	if zoom <= 0 {
		return
	}
	p.Scale = 1 / zoom
}

// SetPan recenters the view in fractal space.
func (p *ParamBlock) SetPan(x, y float32) {
	p.Center = mgl32.Vec2{x, y}
}

// SetAspect records the width/height ratio of the current swapchain
// extent. Called by the renderer whenever the chain is (re)created.
func (p *ParamBlock) SetAspect(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	p.Aspect = float32(width) / float32(height)
}

// SetJuliaC replaces the Julia set seed.
func (p *ParamBlock) SetJuliaC(x, y float32) {
	p.JuliaC = mgl32.Vec2{x, y}
}

// SetMultibrotPower sets the Multibrot exponent.
func (p *ParamBlock) SetMultibrotPower(power float32) {
	p.MultibrotPower = power
}

// Reset restores the default view: centered, unzoomed, default Julia
// seed and Multibrot power. Kind, palette, and iteration cap are
// deliberately left alone, matching the viewer's reset button.
func (p *ParamBlock) Reset() {
	p.Center = mgl32.Vec2{}
	p.Scale = DefaultScale
	p.JuliaC = DefaultJuliaC
	p.MultibrotPower = DefaultMultibrotPower
}

// Resolved returns a copy safe to hand to the shader: enum values
// outside their valid range are replaced with the defaults rather than
// letting the shader branch on garbage.
func (p ParamBlock) Resolved() ParamBlock {
	out := p
	if out.Kind < 0 || out.Kind >= KindCount {
		out.Kind = Mandelbrot
	}
	if out.Palette < 0 || out.Palette >= PaletteCount {
		out.Palette = Rainbow
	}
	return out
}
