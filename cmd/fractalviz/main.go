package main

import (
	"flag"
	"log"
	"math"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/escapetime/fractalviz/fractal"
	"github.com/escapetime/fractalviz/render"
)

const (
	wheelZoomFactor = 1.1
	iterationStep   = 10
	minIterations   = 10
	maxIterations   = 1000
	powerStep       = 0.25
	juliaSeedStep   = 0.005
)

type config struct {
	width      int
	height     int
	shaderDir  string
	validation bool
}

type application struct {
	config

	window    *sdl.Window
	device    *render.DeviceContext
	swapchain *render.Swapchain
	renderer  *render.Renderer

	params fractal.ParamBlock
	zoom   float32

	dragging bool
}

func (app *application) Run() error {
	if err := app.initWindow(); err != nil {
		return err
	}

	if err := app.initVulkan(); err != nil {
		return err
	}
	defer app.cleanup()

	return app.mainLoop()
}

func (app *application) initWindow() error {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return errors.Wrap(err, "init sdl")
	}

	window, err := sdl.CreateWindow("Fractal Viewer",
		sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(app.width), int32(app.height),
		sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return errors.Wrap(err, "create window")
	}
	app.window = window
	return nil
}

func (app *application) initVulkan() error {
	var err error
	app.device, err = render.NewDeviceContext(app.window, render.Options{
		AppName:          "fractalviz",
		EnableValidation: app.validation,
	})
	if err != nil {
		return err
	}

	app.swapchain, err = render.NewSwapchain(app.device)
	if err != nil {
		return err
	}

	app.renderer, err = render.NewRenderer(app.device, app.swapchain, &app.params, app.shaderDir)
	return err
}

func (app *application) cleanup() {
	if app.device == nil {
		return
	}
	if err := app.device.WaitIdle(); err != nil {
		log.Printf("wait idle before shutdown: %v", err)
	}

	if app.renderer != nil {
		app.renderer.Destroy()
	}
	if app.swapchain != nil {
		app.swapchain.Destroy()
	}
	app.device.Destroy()

	if app.window != nil {
		app.window.Destroy()
	}
	sdl.Quit()
}

func (app *application) mainLoop() error {
	rendering := true
	frames := 0
	lastReport := hrtime.Now()

appLoop:
	for {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch e := event.(type) {
			case *sdl.QuitEvent:
				break appLoop
			case *sdl.WindowEvent:
				switch e.Event {
				case sdl.WINDOWEVENT_MINIMIZED:
					rendering = false
				case sdl.WINDOWEVENT_RESTORED:
					rendering = true
				case sdl.WINDOWEVENT_SIZE_CHANGED:
					w, h := app.window.GetSize()
					if w > 0 && h > 0 {
						rendering = true
						app.renderer.NotifyResize()
					} else {
						rendering = false
					}
				}
			case *sdl.MouseWheelEvent:
				app.applyZoomSteps(e.Y)
			case *sdl.MouseButtonEvent:
				if e.Button == sdl.BUTTON_LEFT {
					app.dragging = e.State == sdl.PRESSED
				}
			case *sdl.MouseMotionEvent:
				if app.dragging {
					app.pan(e.XRel, e.YRel)
				}
			case *sdl.KeyboardEvent:
				if e.Type == sdl.KEYDOWN {
					if quit := app.handleKey(e.Keysym.Sym); quit {
						break appLoop
					}
				}
			}
		}

		if rendering {
			err := app.renderer.DrawFrame()
			if errors.Is(err, render.ErrWindowClosed) {
				// Quit arrived while recreation waited out a
				// minimized window.
				break appLoop
			}
			if err != nil {
				return err
			}
			frames++
		}

		if elapsed := hrtime.Since(lastReport); elapsed > 5*time.Second {
			log.Printf("%s, %d iterations, %.1f fps",
				app.params.Kind, app.params.MaxIterations,
				float64(frames)/elapsed.Seconds())
			frames = 0
			lastReport = hrtime.Now()
		}
	}

	return app.device.WaitIdle()
}

// applyZoomSteps scales the zoom by a fixed factor per wheel notch,
// keeping the zoom state here so the parameter block only ever sees the
// reciprocal.
func (app *application) applyZoomSteps(steps int32) {
	app.zoom *= float32(math.Pow(wheelZoomFactor, float64(steps)))
	app.params.SetZoom(app.zoom)
}

// pan converts a pixel-space drag into fractal-space movement. The
// visible region spans 2*scale vertically and 2*scale*aspect
// horizontally, so one pixel moves the center by that span over the
// drawable size. Content follows the cursor, hence the subtraction.
func (app *application) pan(dxPixels, dyPixels int32) {
	width, height := app.window.VulkanGetDrawableSize()
	if width <= 0 || height <= 0 {
		return
	}

	scale := app.params.Scale
	app.params.SetPan(
		app.params.Center.X()-float32(dxPixels)*2*scale*app.params.Aspect/float32(width),
		app.params.Center.Y()-float32(dyPixels)*2*scale/float32(height),
	)
}

func (app *application) handleKey(key sdl.Keycode) bool {
	switch key {
	case sdl.K_ESCAPE:
		return true

	case sdl.K_1:
		app.params.SetKind(fractal.Mandelbrot)
	case sdl.K_2:
		app.params.SetKind(fractal.Julia)
	case sdl.K_3:
		app.params.SetKind(fractal.BurningShip)
	case sdl.K_4:
		app.params.SetKind(fractal.Tricorn)
	case sdl.K_5:
		app.params.SetKind(fractal.Multibrot)

	case sdl.K_p:
		app.params.SetPalette((app.params.Palette + 1) % fractal.PaletteCount)

	case sdl.K_LEFTBRACKET:
		app.adjustIterations(-iterationStep)
	case sdl.K_RIGHTBRACKET:
		app.adjustIterations(iterationStep)

	case sdl.K_COMMA:
		app.params.SetMultibrotPower(app.params.MultibrotPower - powerStep)
	case sdl.K_PERIOD:
		app.params.SetMultibrotPower(app.params.MultibrotPower + powerStep)

	case sdl.K_LEFT:
		app.params.SetJuliaC(app.params.JuliaC.X()-juliaSeedStep, app.params.JuliaC.Y())
	case sdl.K_RIGHT:
		app.params.SetJuliaC(app.params.JuliaC.X()+juliaSeedStep, app.params.JuliaC.Y())
	case sdl.K_UP:
		app.params.SetJuliaC(app.params.JuliaC.X(), app.params.JuliaC.Y()+juliaSeedStep)
	case sdl.K_DOWN:
		app.params.SetJuliaC(app.params.JuliaC.X(), app.params.JuliaC.Y()-juliaSeedStep)

	case sdl.K_r:
		app.zoom = 1
		app.params.Reset()
	}
	return false
}

func (app *application) adjustIterations(delta int32) {
	n := app.params.MaxIterations + delta
	if n < minIterations {
		n = minIterations
	}
	if n > maxIterations {
		n = maxIterations
	}
	app.params.SetMaxIterations(n)
}

func main() {
	runtime.LockOSThread()

	cfg := config{}
	flag.IntVar(&cfg.width, "width", 1280, "initial window width")
	flag.IntVar(&cfg.height, "height", 720, "initial window height")
	flag.StringVar(&cfg.shaderDir, "shaders", "shaders", "directory holding the compiled SPIR-V shaders")
	flag.BoolVar(&cfg.validation, "validation", false, "enable the Vulkan validation layer")
	flag.Parse()

	app := &application{
		config: cfg,
		params: fractal.DefaultParams(),
		zoom:   1,
	}

	err := app.Run()
	if err != nil {
		log.Fatalf("%+v\n", err)
	}
}
