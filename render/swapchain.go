package render

import (
	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
)

// ErrSwapchainUnrecoverable reports a swapchain that came back out of
// date immediately after being recreated. One automatic recreation per
// acquire is allowed; a second consecutive failure means the surface is
// in a state the renderer cannot fix, so the frame loop must stop.
var ErrSwapchainUnrecoverable = errors.New("swapchain out of date immediately after recreation")

// ErrWindowClosed reports that the user quit while recreation was
// blocked on an empty drawable (minimized window). The frame loop
// treats it as a normal exit, not a failure.
var ErrWindowClosed = errors.New("window closed while the drawable was empty")

// SwapchainSupportDetails carries the surface capabilities, formats,
// and present modes a physical device offers for our surface.
type SwapchainSupportDetails struct {
	Capabilities *khr_surface.SurfaceCapabilities
	Formats      []khr_surface.SurfaceFormat
	PresentModes []khr_surface.PresentMode
}

// Swapchain owns the presentation chain and its image views, and runs
// the recreation protocol. Staleness is tracked with a generation
// counter: resize events and suboptimal presents bump the counter, and
// the next Acquire notices the live chain was built at an older
// generation and rebuilds before acquiring.
type Swapchain struct {
	device    *DeviceContext
	extension khr_swapchain.ExtensionDriver

	chain      khr_swapchain.Swapchain
	images     []core1_0.Image
	imageViews []core1_0.ImageView
	format     core1_0.Format
	extent     core1_0.Extent2D

	generation uint64
	built      uint64

	// Renderer hooks run around recreation: cleanup drops per-image
	// resources before the old chain dies, rebuild recreates them
	// against the new images.
	cleanupHook func()
	rebuildHook func() error
}

// NewSwapchain builds the initial chain for the device's surface.
func NewSwapchain(device *DeviceContext) (*Swapchain, error) {
	s := &Swapchain{
		device:    device,
		extension: khr_swapchain.CreateExtensionDriverFromCoreDriver(device.deviceDriver),
	}

	if err := s.createChain(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRecreateHooks registers the renderer callbacks run during
// recreation. cleanup runs after the device idles but before the old
// chain is destroyed; rebuild runs once the new chain and its views
// exist.
func (s *Swapchain) SetRecreateHooks(cleanup func(), rebuild func() error) {
	s.cleanupHook = cleanup
	s.rebuildHook = rebuild
}

// NotifyResize marks the chain stale. Called from the window event
// loop; the actual rebuild is deferred to the next Acquire, so a burst
// of resize events costs one recreation.
func (s *Swapchain) NotifyResize() {
	s.generation++
}

// Invalidate marks the chain stale after a suboptimal or out-of-date
// present. Same deferral as NotifyResize.
func (s *Swapchain) Invalidate() {
	s.generation++
}

// Stale reports whether the live chain predates the latest resize or
// present-time invalidation.
func (s *Swapchain) Stale() bool {
	return s.generation != s.built
}

func (s *Swapchain) Extent() core1_0.Extent2D {
	return s.extent
}

func (s *Swapchain) Format() core1_0.Format {
	return s.format
}

func (s *Swapchain) ImageCount() int {
	return len(s.images)
}

func (s *Swapchain) ImageViews() []core1_0.ImageView {
	return s.imageViews
}

func chooseSurfaceFormat(availableFormats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range availableFormats {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}

	return availableFormats[0]
}

func choosePresentMode(availablePresentModes []khr_surface.PresentMode) khr_surface.PresentMode {
	for _, presentMode := range availablePresentModes {
		if presentMode == khr_surface.PresentModeMailbox {
			return presentMode
		}
	}

	// FIFO is the only mode the implementation must support.
	return khr_surface.PresentModeFIFO
}

func chooseExtent(capabilities *khr_surface.SurfaceCapabilities, drawableWidth, drawableHeight int) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	width := drawableWidth
	height := drawableHeight

	if width < capabilities.MinImageExtent.Width {
		width = capabilities.MinImageExtent.Width
	}
	if width > capabilities.MaxImageExtent.Width {
		width = capabilities.MaxImageExtent.Width
	}
	if height < capabilities.MinImageExtent.Height {
		height = capabilities.MinImageExtent.Height
	}
	if height > capabilities.MaxImageExtent.Height {
		height = capabilities.MaxImageExtent.Height
	}

	return core1_0.Extent2D{Width: width, Height: height}
}

func chooseImageCount(capabilities *khr_surface.SurfaceCapabilities) int {
	// One more than the minimum so the driver never blocks acquisition
	// on its own bookkeeping, and never fewer than the two frames kept
	// in flight.
	imageCount := capabilities.MinImageCount + 1
	if imageCount < MaxFramesInFlight {
		imageCount = MaxFramesInFlight
	}
	if capabilities.MaxImageCount > 0 && capabilities.MaxImageCount < imageCount {
		imageCount = capabilities.MaxImageCount
	}
	return imageCount
}

func (s *Swapchain) createChain() error {
	support, err := s.device.querySwapchainSupport(s.device.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "query swapchain support")
	}

	surfaceFormat := chooseSurfaceFormat(support.Formats)
	presentMode := choosePresentMode(support.PresentModes)

	widthInt, heightInt := s.device.window.VulkanGetDrawableSize()
	extent := chooseExtent(support.Capabilities, int(widthInt), int(heightInt))

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndices []int
	indices := s.device.queueIndices
	if *indices.GraphicsFamily != *indices.PresentFamily {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndices = append(queueFamilyIndices, *indices.GraphicsFamily, *indices.PresentFamily)
	}

	chain, _, err := s.extension.CreateSwapchain(nil, khr_swapchain.SwapchainCreateInfo{
		Surface: s.device.surface,

		MinImageCount:    chooseImageCount(support.Capabilities),
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: queueFamilyIndices,

		PreTransform:   support.Capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    presentMode,
		Clipped:        true,
	})
	if err != nil {
		return errors.Wrap(err, "create swapchain")
	}

	s.chain = chain
	s.extent = extent
	s.format = surfaceFormat.Format

	images, _, err := s.extension.GetSwapchainImages(s.chain)
	if err != nil {
		return errors.Wrap(err, "get swapchain images")
	}
	s.images = images

	var imageViews []core1_0.ImageView
	for _, image := range images {
		view, _, err := s.device.deviceDriver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
			Image:    image,
			ViewType: core1_0.ImageViewType2D,
			Format:   s.format,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
		if err != nil {
			return errors.Wrap(err, "create swapchain image view")
		}
		imageViews = append(imageViews, view)
	}
	s.imageViews = imageViews

	s.built = s.generation
	return nil
}

func (s *Swapchain) destroyChain() {
	for _, imageView := range s.imageViews {
		s.device.deviceDriver.DestroyImageView(imageView, nil)
	}
	s.imageViews = nil
	s.images = nil

	if s.chain.Initialized() {
		s.extension.DestroySwapchain(s.chain, nil)
		s.chain = khr_swapchain.Swapchain{}
	}
}

// waitForDrawable polls size until it reports a non-empty drawable,
// calling wait between polls. wait reports whether waiting may
// continue; false (the user quit) aborts, and waitForDrawable reports
// whether a drawable was obtained.
func waitForDrawable(size func() (int, int), wait func() bool) bool {
	for {
		width, height := size()
		if width > 0 && height > 0 {
			return true
		}
		if !wait() {
			return false
		}
	}
}

// waitEvents blocks for one window event. A quit event ends the wait;
// everything else (restore, resize) only matters through its effect on
// the drawable size.
func waitEvents() bool {
	event := sdl.WaitEvent()
	if _, quit := event.(*sdl.QuitEvent); quit {
		return false
	}
	return true
}

// Recreate tears down the chain and builds a fresh one at the current
// drawable size. A minimized window reports a zero drawable; no
// swapchain may be created with a zero extent, so this blocks on
// window events until the drawable is non-empty again, or reports
// ErrWindowClosed if the user quits first.
func (s *Swapchain) Recreate() error {
	ok := waitForDrawable(func() (int, int) {
		width, height := s.device.window.VulkanGetDrawableSize()
		return int(width), int(height)
	}, waitEvents)
	if !ok {
		return errors.WithStack(ErrWindowClosed)
	}

	if err := s.device.WaitIdle(); err != nil {
		return err
	}

	if s.cleanupHook != nil {
		s.cleanupHook()
	}
	s.destroyChain()

	if err := s.createChain(); err != nil {
		return err
	}

	if s.rebuildHook != nil {
		if err := s.rebuildHook(); err != nil {
			return err
		}
	}
	return nil
}

// Acquire hands back the index of the next presentable image,
// signaling the caller's semaphore when the image is ready to be
// rendered to. A stale chain is rebuilt first, and an out-of-date
// result triggers at most one automatic recreation before the error
// becomes fatal.
//
// imageAvailable is a provider, not a value: a suboptimal first
// attempt acquires an image and signals the semaphore even though the
// chain is then thrown away, so the retry must fetch a fresh one. The
// recreation hooks are expected to have swapped it out by the time the
// retry runs.
func (s *Swapchain) Acquire(imageAvailable func() core1_0.Semaphore) (int, error) {
	if s.Stale() {
		if err := s.Recreate(); err != nil {
			return 0, err
		}
	}

	return acquireOnce(imageAvailable, func(semaphore core1_0.Semaphore) (int, common.VkResult, error) {
		return s.extension.AcquireNextImage(s.chain, common.NoTimeout, &semaphore, nil)
	}, s.Recreate)
}

// acquireOnce runs the acquire retry protocol: out of date or
// suboptimal triggers one recreation and a retry. On the retry, a
// suboptimal result is accepted and rendered anyway, while another out
// of date is unrecoverable. The semaphore is fetched per attempt so a
// retry never reuses one the discarded chain already signaled.
func acquireOnce(imageAvailable func() core1_0.Semaphore, acquire func(core1_0.Semaphore) (int, common.VkResult, error), recreate func() error) (int, error) {
	recreated := false
	for {
		imageIndex, res, err := acquire(imageAvailable())

		if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
			if recreated {
				if res == khr_swapchain.VKSuboptimal {
					return imageIndex, nil
				}
				return 0, errors.WithStack(ErrSwapchainUnrecoverable)
			}
			if err := recreate(); err != nil {
				return 0, err
			}
			recreated = true
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "acquire swapchain image")
		}
		return imageIndex, nil
	}
}

// Present queues the rendered image for display once renderFinished
// signals. Out-of-date and suboptimal results are not errors here; the
// image may still reach the screen, so the chain is only marked stale
// for the next frame.
func (s *Swapchain) Present(renderFinished core1_0.Semaphore, imageIndex int) error {
	res, err := s.extension.QueuePresent(s.device.presentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{renderFinished},
		Swapchains:     []khr_swapchain.Swapchain{s.chain},
		ImageIndices:   []int{imageIndex},
	})
	if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
		s.Invalidate()
		return nil
	}
	return errors.Wrap(err, "queue present")
}

// Destroy tears down the chain and its views. The caller must idle the
// device first.
func (s *Swapchain) Destroy() {
	s.destroyChain()
}
