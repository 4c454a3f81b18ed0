package render

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
)

func TestChooseSurfaceFormatPrefersSRGB(t *testing.T) {
	preferred := khr_surface.SurfaceFormat{
		Format:     core1_0.FormatB8G8R8A8SRGB,
		ColorSpace: khr_surface.ColorSpaceSRGBNonlinear,
	}
	other := khr_surface.SurfaceFormat{
		Format:     core1_0.FormatR8G8B8A8UnsignedNormalized,
		ColorSpace: khr_surface.ColorSpaceSRGBNonlinear,
	}

	assert.Equal(t, preferred, chooseSurfaceFormat([]khr_surface.SurfaceFormat{other, preferred}))

	// Without the preferred pair, take whatever comes first.
	assert.Equal(t, other, chooseSurfaceFormat([]khr_surface.SurfaceFormat{other}))
}

func TestChoosePresentModePrefersMailbox(t *testing.T) {
	modes := []khr_surface.PresentMode{
		khr_surface.PresentModeFIFO,
		khr_surface.PresentModeMailbox,
	}
	assert.Equal(t, khr_surface.PresentModeMailbox, choosePresentMode(modes))

	assert.Equal(t, khr_surface.PresentModeFIFO, choosePresentMode([]khr_surface.PresentMode{
		khr_surface.PresentModeImmediate,
	}))
}

func TestChooseExtentHonorsFixedCurrentExtent(t *testing.T) {
	caps := &khr_surface.SurfaceCapabilities{
		CurrentExtent: core1_0.Extent2D{Width: 800, Height: 600},
	}

	extent := chooseExtent(caps, 1024, 768)
	assert.Equal(t, core1_0.Extent2D{Width: 800, Height: 600}, extent)
}

func TestChooseExtentClampsDrawableSize(t *testing.T) {
	caps := &khr_surface.SurfaceCapabilities{
		CurrentExtent:  core1_0.Extent2D{Width: -1, Height: -1},
		MinImageExtent: core1_0.Extent2D{Width: 100, Height: 100},
		MaxImageExtent: core1_0.Extent2D{Width: 2000, Height: 2000},
	}

	assert.Equal(t, core1_0.Extent2D{Width: 1280, Height: 720}, chooseExtent(caps, 1280, 720))
	assert.Equal(t, core1_0.Extent2D{Width: 100, Height: 100}, chooseExtent(caps, 10, 10))
	assert.Equal(t, core1_0.Extent2D{Width: 2000, Height: 2000}, chooseExtent(caps, 5000, 5000))
}

func TestChooseImageCount(t *testing.T) {
	// One more than the minimum, for one frame of CPU slack.
	assert.Equal(t, 3, chooseImageCount(&khr_surface.SurfaceCapabilities{
		MinImageCount: 2,
		MaxImageCount: 8,
	}))

	// Capped by the surface maximum.
	assert.Equal(t, 2, chooseImageCount(&khr_surface.SurfaceCapabilities{
		MinImageCount: 2,
		MaxImageCount: 2,
	}))

	// MaxImageCount of zero means unlimited.
	assert.Equal(t, 4, chooseImageCount(&khr_surface.SurfaceCapabilities{
		MinImageCount: 3,
		MaxImageCount: 0,
	}))

	// Never below the number of frames kept in flight.
	assert.GreaterOrEqual(t, chooseImageCount(&khr_surface.SurfaceCapabilities{
		MinImageCount: 1,
		MaxImageCount: 0,
	}), MaxFramesInFlight)
}

// scriptedAcquire replays a fixed sequence of acquire results.
type scriptedAcquire struct {
	results []common.VkResult
	indices []int
	calls   int
}

func (s *scriptedAcquire) acquire(core1_0.Semaphore) (int, common.VkResult, error) {
	i := s.calls
	if i >= len(s.results) {
		panic("acquire called past the end of the script")
	}
	s.calls++
	res := s.results[i]
	index := 0
	if i < len(s.indices) {
		index = s.indices[i]
	}
	if res == khr_swapchain.VKErrorOutOfDate {
		return index, res, errors.New("out of date")
	}
	return index, res, nil
}

func anySemaphore() core1_0.Semaphore {
	return core1_0.Semaphore{}
}

func TestAcquireOnceSuccessPassesThrough(t *testing.T) {
	script := &scriptedAcquire{
		results: []common.VkResult{core1_0.VKSuccess},
		indices: []int{2},
	}
	recreates := 0

	index, err := acquireOnce(anySemaphore, script.acquire, func() error {
		recreates++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, index)
	assert.Equal(t, 0, recreates)
}

func TestAcquireOnceRecreatesOnOutOfDate(t *testing.T) {
	script := &scriptedAcquire{
		results: []common.VkResult{khr_swapchain.VKErrorOutOfDate, core1_0.VKSuccess},
		indices: []int{0, 1},
	}
	recreates := 0

	index, err := acquireOnce(anySemaphore, script.acquire, func() error {
		recreates++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, 1, recreates)
}

func TestAcquireOnceSecondOutOfDateIsFatal(t *testing.T) {
	script := &scriptedAcquire{
		results: []common.VkResult{khr_swapchain.VKErrorOutOfDate, khr_swapchain.VKErrorOutOfDate},
	}
	recreates := 0

	_, err := acquireOnce(anySemaphore, script.acquire, func() error {
		recreates++
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSwapchainUnrecoverable)

	// Exactly one automatic recreation, never a loop.
	assert.Equal(t, 1, recreates)
	assert.Equal(t, 2, script.calls)
}

func TestAcquireOnceSuboptimalAfterRecreateRendersAnyway(t *testing.T) {
	script := &scriptedAcquire{
		results: []common.VkResult{khr_swapchain.VKSuboptimal, khr_swapchain.VKSuboptimal},
		indices: []int{0, 3},
	}
	recreates := 0

	index, err := acquireOnce(anySemaphore, script.acquire, func() error {
		recreates++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 1, recreates)
}

// A suboptimal first attempt signals the caller's semaphore even
// though the chain is discarded, so the retry must ask for the
// semaphore again rather than reuse the one it captured.
func TestAcquireOnceFetchesSemaphorePerAttempt(t *testing.T) {
	script := &scriptedAcquire{
		results: []common.VkResult{khr_swapchain.VKSuboptimal, core1_0.VKSuccess},
		indices: []int{0, 1},
	}
	fetches := 0
	recreated := false

	index, err := acquireOnce(func() core1_0.Semaphore {
		fetches++
		return core1_0.Semaphore{}
	}, script.acquire, func() error {
		recreated = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.True(t, recreated)

	// One fetch per attempt, and the retry's fetch happens after the
	// recreation that swaps the semaphore out.
	assert.Equal(t, 2, fetches)
}

func TestAcquireOnceRecreateFailurePropagates(t *testing.T) {
	script := &scriptedAcquire{
		results: []common.VkResult{khr_swapchain.VKErrorOutOfDate},
	}
	boom := errors.New("device lost")

	_, err := acquireOnce(anySemaphore, script.acquire, func() error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestAcquireOnceAcquireErrorPropagates(t *testing.T) {
	boom := errors.New("surface lost")
	_, err := acquireOnce(anySemaphore, func(core1_0.Semaphore) (int, common.VkResult, error) {
		return 0, core1_0.VKSuccess, boom
	}, func() error {
		t.Fatal("recreate must not run for plain errors")
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

// Recreation must not proceed while the drawable is (0,0): no
// swapchain may be created with a zero extent.
func TestWaitForDrawableDefersUntilPositive(t *testing.T) {
	sizes := [][2]int{{0, 0}, {0, 0}, {800, 600}}
	polls := 0
	waits := 0

	ok := waitForDrawable(func() (int, int) {
		size := sizes[polls]
		polls++
		return size[0], size[1]
	}, func() bool {
		waits++
		return true
	})

	require.True(t, ok)
	assert.Equal(t, 3, polls)
	assert.Equal(t, 2, waits, "must wait once per zero-sized poll")
}

func TestWaitForDrawableSkipsWaitWhenAlreadyVisible(t *testing.T) {
	ok := waitForDrawable(func() (int, int) {
		return 1280, 720
	}, func() bool {
		t.Fatal("no wait needed for a visible window")
		return true
	})
	assert.True(t, ok)
}

// A quit while minimized ends the wait instead of looping on a
// drawable that will never become positive.
func TestWaitForDrawableAbortsOnQuit(t *testing.T) {
	waits := 0
	ok := waitForDrawable(func() (int, int) {
		return 0, 0
	}, func() bool {
		waits++
		return false
	})

	assert.False(t, ok)
	assert.Equal(t, 1, waits)
}

func TestGenerationCounterMarksStale(t *testing.T) {
	s := &Swapchain{}
	assert.False(t, s.Stale())

	s.NotifyResize()
	assert.True(t, s.Stale())

	// A burst of resize events still only needs one rebuild.
	s.NotifyResize()
	s.Invalidate()
	assert.True(t, s.Stale())

	s.built = s.generation
	assert.False(t, s.Stale())
}
