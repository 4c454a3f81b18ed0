package fractal

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()

	assert.Equal(t, mgl32.Vec2{}, p.Center)
	assert.Equal(t, float32(1.0), p.Scale)
	assert.Equal(t, Mandelbrot, p.Kind)
	assert.Equal(t, int32(100), p.MaxIterations)
	assert.Equal(t, Rainbow, p.Palette)
	assert.Equal(t, mgl32.Vec2{-0.7, 0.27015}, p.JuliaC)
	assert.Equal(t, float32(3.0), p.MultibrotPower)
}

func TestZoomStoredAsReciprocalScale(t *testing.T) {
	p := DefaultParams()

	p.SetZoom(2.0)
	assert.Equal(t, float32(0.5), p.Scale)

	p.SetZoom(0.25)
	assert.Equal(t, float32(4.0), p.Scale)

	// Non-positive zoom would divide by zero; it must be ignored.
	p.SetZoom(0)
	assert.Equal(t, float32(4.0), p.Scale)
	p.SetZoom(-1)
	assert.Equal(t, float32(4.0), p.Scale)
}

func TestPanRoundTrip(t *testing.T) {
	p := DefaultParams()
	p.SetPan(1.5, -2.0)
	assert.Equal(t, mgl32.Vec2{1.5, -2.0}, p.Center)
}

func TestMaxIterationsIgnoresNonPositive(t *testing.T) {
	p := DefaultParams()
	p.SetMaxIterations(500)
	assert.Equal(t, int32(500), p.MaxIterations)
	p.SetMaxIterations(0)
	assert.Equal(t, int32(500), p.MaxIterations)
	p.SetMaxIterations(-3)
	assert.Equal(t, int32(500), p.MaxIterations)
}

func TestResetIsIdempotent(t *testing.T) {
	p := DefaultParams()
	p.SetZoom(8)
	p.SetPan(-1.2, 0.3)
	p.SetJuliaC(0.1, 0.1)
	p.SetMultibrotPower(5)
	p.SetKind(Tricorn)
	p.SetPalette(Ocean)
	p.SetMaxIterations(400)

	p.Reset()
	once := p
	p.Reset()
	assert.Equal(t, once, p, "second reset must not change anything")

	assert.Equal(t, mgl32.Vec2{}, p.Center)
	assert.Equal(t, float32(1.0), p.Scale)
	assert.Equal(t, DefaultJuliaC, p.JuliaC)
	assert.Equal(t, float32(3.0), p.MultibrotPower)

	// Reset is a view reset, not a full reset.
	assert.Equal(t, Tricorn, p.Kind)
	assert.Equal(t, Ocean, p.Palette)
	assert.Equal(t, int32(400), p.MaxIterations)
}

func TestAspectIsExactRatio(t *testing.T) {
	p := DefaultParams()
	p.SetAspect(640, 480)
	assert.Equal(t, float32(640)/float32(480), p.Aspect)

	// Zero-sized drawables never reach the block.
	p.SetAspect(0, 480)
	assert.Equal(t, float32(640)/float32(480), p.Aspect)
}

func TestResolvedFallsBackOnRangeViolations(t *testing.T) {
	p := DefaultParams()
	p.SetKind(Kind(99))
	p.SetPalette(Palette(-1))

	r := p.Resolved()
	assert.Equal(t, Mandelbrot, r.Kind)
	assert.Equal(t, Rainbow, r.Palette)

	// The live block keeps the raw values; only the GPU copy is fixed up.
	assert.Equal(t, Kind(99), p.Kind)
	assert.Equal(t, Palette(-1), p.Palette)

	p.SetKind(Multibrot)
	p.SetPalette(Electric)
	r = p.Resolved()
	assert.Equal(t, Multibrot, r.Kind)
	assert.Equal(t, Electric, r.Palette)
}

// The shader reads the block by byte offset, so the Go struct must stay
// pinned to the agreed 48-byte layout.
func TestParamBlockBinaryLayout(t *testing.T) {
	var p ParamBlock
	require.Equal(t, uintptr(48), unsafe.Sizeof(p))

	assert.Equal(t, uintptr(0), unsafe.Offsetof(p.Center))
	assert.Equal(t, uintptr(8), unsafe.Offsetof(p.Scale))
	assert.Equal(t, uintptr(12), unsafe.Offsetof(p.Aspect))
	assert.Equal(t, uintptr(16), unsafe.Offsetof(p.Kind))
	assert.Equal(t, uintptr(20), unsafe.Offsetof(p.MaxIterations))
	assert.Equal(t, uintptr(24), unsafe.Offsetof(p.Palette))
	assert.Equal(t, uintptr(32), unsafe.Offsetof(p.JuliaC))
	assert.Equal(t, uintptr(40), unsafe.Offsetof(p.MultibrotPower))

	// encoding/binary must agree, since that is how the block reaches
	// mapped uniform memory.
	buf := &bytes.Buffer{}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, &p))
	assert.Equal(t, 48, buf.Len())
}

func TestKindAndPaletteNames(t *testing.T) {
	assert.Equal(t, "mandelbrot", Mandelbrot.String())
	assert.Equal(t, "multibrot", Multibrot.String())
	assert.Equal(t, "electric", Electric.String())
	assert.Equal(t, "unknown", Kind(42).String())
	assert.Equal(t, "unknown", Palette(42).String())
}
