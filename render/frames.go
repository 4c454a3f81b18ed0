package render

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// MaxFramesInFlight is the number of frames the CPU may record before
// blocking on the GPU.
const MaxFramesInFlight = 2

// noSlot marks a swapchain image no frame slot is currently using.
const noSlot = -1

// FrameSync owns the per-frame synchronization primitives: two frame
// slots, each with an acquire semaphore, a present semaphore, and a
// fence created signaled. The slot index cycles mod two after every
// completed frame, independent of which swapchain image an acquire
// returns; a per-image slot table guards against two slots touching
// the same image. Fence waits and resets go through small hooks so the
// pacing protocol itself stays exercisable without a device.
type FrameSync struct {
	device *DeviceContext

	imageAvailable []core1_0.Semaphore
	renderFinished []core1_0.Semaphore
	inFlight       []core1_0.Fence

	// imagesInFlight[i] is the slot whose submission last targeted
	// image i, or noSlot.
	imagesInFlight []int

	current int

	waitFence  func(slot int) error
	resetFence func(slot int) error
}

// NewFrameSync creates the slot primitives and sizes the image table
// for imageCount swapchain images.
func NewFrameSync(device *DeviceContext, imageCount int) (*FrameSync, error) {
	f := &FrameSync{device: device}
	f.waitFence = func(slot int) error {
		_, err := device.deviceDriver.WaitForFences(true, common.NoTimeout, f.inFlight[slot])
		return err
	}
	f.resetFence = func(slot int) error {
		_, err := device.deviceDriver.ResetFences(f.inFlight[slot])
		return err
	}

	for i := 0; i < MaxFramesInFlight; i++ {
		acquireSem, _, err := device.deviceDriver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			f.Destroy()
			return nil, errors.Wrap(err, "create acquire semaphore")
		}
		f.imageAvailable = append(f.imageAvailable, acquireSem)

		presentSem, _, err := device.deviceDriver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			f.Destroy()
			return nil, errors.Wrap(err, "create present semaphore")
		}
		f.renderFinished = append(f.renderFinished, presentSem)

		fence, _, err := device.deviceDriver.CreateFence(nil, core1_0.FenceCreateInfo{
			Flags: core1_0.FenceCreateSignaled,
		})
		if err != nil {
			f.Destroy()
			return nil, errors.Wrap(err, "create frame fence")
		}
		f.inFlight = append(f.inFlight, fence)
	}

	f.ResizeImageCount(imageCount)
	return f, nil
}

// ResizeImageCount resets the per-image slot table after swapchain
// recreation. The slot primitives survive; the device has already been
// idled by the recreation protocol, so no image is in flight.
func (f *FrameSync) ResizeImageCount(imageCount int) {
	f.imagesInFlight = make([]int, imageCount)
	for i := range f.imagesInFlight {
		f.imagesInFlight[i] = noSlot
	}
}

// RefreshAcquireSemaphore replaces the current slot's acquire
// semaphore with a fresh one. A suboptimal acquire signals the
// semaphore even though the chain is then recreated, and a signaled
// semaphore must never be handed to another acquire; recreation runs
// this after the device idles so the old one is safe to destroy.
func (f *FrameSync) RefreshAcquireSemaphore() error {
	semaphore, _, err := f.device.deviceDriver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return errors.Wrap(err, "create acquire semaphore")
	}

	f.device.deviceDriver.DestroySemaphore(f.imageAvailable[f.current], nil)
	f.imageAvailable[f.current] = semaphore
	return nil
}

// Slot reports the current frame slot, in [0, MaxFramesInFlight).
func (f *FrameSync) Slot() int {
	return f.current
}

// ImageAvailable is the acquire semaphore for the current slot.
func (f *FrameSync) ImageAvailable() core1_0.Semaphore {
	return f.imageAvailable[f.current]
}

// RenderFinished is the present semaphore for the current slot.
func (f *FrameSync) RenderFinished() core1_0.Semaphore {
	return f.renderFinished[f.current]
}

// Fence is the in-flight fence for the current slot.
func (f *FrameSync) Fence() core1_0.Fence {
	return f.inFlight[f.current]
}

// WaitCurrent blocks until the current slot's previous submission has
// retired.
func (f *FrameSync) WaitCurrent() error {
	return errors.Wrap(f.waitFence(f.current), "wait for frame fence")
}

// ClaimImage waits out any in-flight slot still targeting the image,
// then records the current slot against it.
func (f *FrameSync) ClaimImage(imageIndex int) error {
	if slot := f.imagesInFlight[imageIndex]; slot != noSlot {
		if err := f.waitFence(slot); err != nil {
			return errors.Wrap(err, "wait for image fence")
		}
	}
	f.imagesInFlight[imageIndex] = f.current
	return nil
}

// ResetCurrent unsignals the current slot's fence. Called only once an
// image has been acquired and a submission is certain, so an early-out
// frame never deadlocks the next wait.
func (f *FrameSync) ResetCurrent() error {
	return errors.Wrap(f.resetFence(f.current), "reset frame fence")
}

// Advance moves to the next frame slot.
func (f *FrameSync) Advance() {
	f.current = (f.current + 1) % MaxFramesInFlight
}

// Destroy releases all primitives. The caller must idle the device
// first.
func (f *FrameSync) Destroy() {
	for _, semaphore := range f.imageAvailable {
		f.device.deviceDriver.DestroySemaphore(semaphore, nil)
	}
	f.imageAvailable = nil

	for _, semaphore := range f.renderFinished {
		f.device.deviceDriver.DestroySemaphore(semaphore, nil)
	}
	f.renderFinished = nil

	for _, fence := range f.inFlight {
		f.device.deviceDriver.DestroyFence(fence, nil)
	}
	f.inFlight = nil
	f.imagesInFlight = nil
}
