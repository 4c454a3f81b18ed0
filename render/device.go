package render

import (
	"log"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"
)

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
var deviceExtensions = []string{khr_swapchain.ExtensionName}

// Options configures device bring-up.
type Options struct {
	AppName          string
	EnableValidation bool
}

// QueueFamilyIndices holds the graphics and present queue family for a
// physical device; they may be the same family.
type QueueFamilyIndices struct {
	GraphicsFamily *int
	PresentFamily  *int
}

func (i *QueueFamilyIndices) IsComplete() bool {
	return i.GraphicsFamily != nil && i.PresentFamily != nil
}

// DeviceContext owns the process-lifetime Vulkan objects: instance,
// surface, physical and logical device, queues, and the command pool.
// It is created once at startup and destroyed last, after an idle wait,
// in strict reverse-creation order via its cleanup stack.
type DeviceContext struct {
	window *sdl.Window

	globalDriver   core1_0.GlobalDriver
	instanceDriver core1_0.CoreInstanceDriver
	deviceDriver   core1_0.CoreDeviceDriver

	debugDriver      ext_debug_utils.ExtensionDriver
	debugMessenger   ext_debug_utils.DebugUtilsMessenger
	surfaceExtension khr_surface.ExtensionDriver
	surface          khr_surface.Surface

	physicalDevice core1_0.PhysicalDevice

	graphicsQueue core1_0.Queue
	presentQueue  core1_0.Queue
	queueIndices  QueueFamilyIndices

	commandPool core1_0.CommandPool

	cleanup CleanupStack
}

// NewDeviceContext selects and initializes a device capable of
// rendering to the given window. All setup failures are fatal to the
// caller; partially created objects are unwound before returning.
func NewDeviceContext(window *sdl.Window, opts Options) (*DeviceContext, error) {
	d := &DeviceContext{window: window}

	ok := false
	defer func() {
		if !ok {
			d.cleanup.Run()
		}
	}()

	var err error
	d.globalDriver, err = core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return nil, errors.Wrap(err, "load vulkan driver")
	}

	if err := d.createInstance(opts); err != nil {
		return nil, err
	}
	if err := d.setupDebugMessenger(opts); err != nil {
		return nil, err
	}
	if err := d.createSurface(); err != nil {
		return nil, err
	}
	if err := d.pickPhysicalDevice(); err != nil {
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		return nil, err
	}
	if err := d.createCommandPool(); err != nil {
		return nil, err
	}

	ok = true
	return d, nil
}

func (d *DeviceContext) createInstance(opts Options) error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    opts.AppName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "No Engine",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	sdlExtensions := d.window.VulkanGetInstanceExtensions()
	extensions, _, err := d.globalDriver.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "enumerate instance extensions")
	}

	for _, ext := range sdlExtensions {
		_, hasExt := extensions[ext]
		if !hasExt {
			return errors.Errorf("createInstance: required surface extension %s is unavailable", ext)
		}
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext)
	}

	if opts.EnableValidation {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext_debug_utils.ExtensionName)
	}

	_, enumerationSupported := extensions[khr_portability_enumeration.ExtensionName]
	if enumerationSupported {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		instanceOptions.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	if opts.EnableValidation {
		layers, _, err := d.globalDriver.AvailableLayers()
		if err != nil {
			return errors.Wrap(err, "enumerate instance layers")
		}

		for _, layer := range validationLayers {
			_, hasValidation := layers[layer]
			if !hasValidation {
				return errors.Errorf("createInstance: validation layer %s not available - install the LunarG Vulkan SDK or run without -validation", layer)
			}
			instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, layer)
		}

		instanceOptions.Next = debugMessengerOptions()
	}

	d.instanceDriver, _, err = d.globalDriver.CreateInstance(nil, instanceOptions)
	if err != nil {
		return errors.Wrap(err, "create instance")
	}
	d.cleanup.Push("instance", func() {
		d.instanceDriver.DestroyInstance(nil)
	})

	return nil
}

func debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    logValidation,
	}
}

func logValidation(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	log.Printf("[%s %s] - %s", severity, msgType, data.Message)
	return false
}

func (d *DeviceContext) setupDebugMessenger(opts Options) error {
	if !opts.EnableValidation {
		return nil
	}

	var err error
	d.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(d.instanceDriver)
	d.debugMessenger, _, err = d.debugDriver.CreateDebugUtilsMessenger(nil, debugMessengerOptions())
	if err != nil {
		return errors.Wrap(err, "create debug messenger")
	}
	d.cleanup.Push("debug messenger", func() {
		d.debugDriver.DestroyDebugUtilsMessenger(d.debugMessenger, nil)
	})

	return nil
}

func (d *DeviceContext) createSurface() error {
	d.surfaceExtension = khr_surface.CreateExtensionDriverFromCoreDriver(d.instanceDriver)
	surface, err := vkng_sdl2.CreateSurface(d.instanceDriver.Instance(), d.surfaceExtension, d.window)
	if err != nil {
		return errors.Wrap(err, "create window surface")
	}

	d.surface = surface
	d.cleanup.Push("surface", func() {
		d.surfaceExtension.DestroySurface(d.surface, nil)
	})
	return nil
}

func (d *DeviceContext) pickPhysicalDevice() error {
	physicalDevices, _, err := d.instanceDriver.EnumeratePhysicalDevices()
	if err != nil {
		return errors.Wrap(err, "enumerate physical devices")
	}
	if len(physicalDevices) == 0 {
		return errors.Errorf("no Vulkan-capable devices found")
	}

	for _, device := range physicalDevices {
		if d.isDeviceSuitable(device) {
			d.physicalDevice = device
			break
		}
	}

	if !d.physicalDevice.Initialized() {
		return errors.Errorf("no device with graphics+present queues and swapchain support found")
	}

	properties, err := d.instanceDriver.GetPhysicalDeviceProperties(d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "query device properties")
	}
	log.Printf("selected GPU: %s", properties.DeviceName)

	return nil
}

func (d *DeviceContext) isDeviceSuitable(device core1_0.PhysicalDevice) bool {
	indices, err := d.findQueueFamilies(device)
	if err != nil || !indices.IsComplete() {
		return false
	}

	if !d.checkDeviceExtensionSupport(device) {
		return false
	}

	support, err := d.querySwapchainSupport(device)
	if err != nil || len(support.Formats) == 0 || len(support.PresentModes) == 0 {
		return false
	}

	properties, err := d.instanceDriver.GetPhysicalDeviceProperties(device)
	if err != nil {
		return false
	}
	isDiscrete := properties.DriverType == core1_0.PhysicalDeviceTypeDiscreteGPU
	isIntegrated := properties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU

	return isDiscrete || isIntegrated
}

func (d *DeviceContext) checkDeviceExtensionSupport(device core1_0.PhysicalDevice) bool {
	extensions, _, err := d.instanceDriver.EnumerateDeviceExtensionProperties(device)
	if err != nil {
		return false
	}

	for _, extension := range deviceExtensions {
		_, hasExtension := extensions[extension]
		if !hasExtension {
			return false
		}
	}

	return true
}

func (d *DeviceContext) findQueueFamilies(device core1_0.PhysicalDevice) (QueueFamilyIndices, error) {
	indices := QueueFamilyIndices{}
	queueFamilies := d.instanceDriver.GetPhysicalDeviceQueueFamilyProperties(device)

	for queueFamilyIdx, queueFamily := range queueFamilies {
		if (queueFamily.QueueFlags & core1_0.QueueGraphics) != 0 {
			indices.GraphicsFamily = new(int)
			*indices.GraphicsFamily = queueFamilyIdx
		}

		supported, _, err := d.surfaceExtension.GetPhysicalDeviceSurfaceSupport(d.surface, device, queueFamilyIdx)
		if err != nil {
			return indices, err
		}

		if supported {
			indices.PresentFamily = new(int)
			*indices.PresentFamily = queueFamilyIdx
		}

		if indices.IsComplete() {
			break
		}
	}

	return indices, nil
}

func (d *DeviceContext) querySwapchainSupport(device core1_0.PhysicalDevice) (SwapchainSupportDetails, error) {
	var details SwapchainSupportDetails
	var err error

	details.Capabilities, _, err = d.surfaceExtension.GetPhysicalDeviceSurfaceCapabilities(d.surface, device)
	if err != nil {
		return details, err
	}

	details.Formats, _, err = d.surfaceExtension.GetPhysicalDeviceSurfaceFormats(d.surface, device)
	if err != nil {
		return details, err
	}

	details.PresentModes, _, err = d.surfaceExtension.GetPhysicalDeviceSurfacePresentModes(d.surface, device)
	return details, err
}

func (d *DeviceContext) createLogicalDevice() error {
	indices, err := d.findQueueFamilies(d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "find queue families")
	}
	d.queueIndices = indices

	uniqueQueueFamilies := []int{*indices.GraphicsFamily}
	if uniqueQueueFamilies[0] != *indices.PresentFamily {
		uniqueQueueFamilies = append(uniqueQueueFamilies, *indices.PresentFamily)
	}

	var queueFamilyOptions []core1_0.DeviceQueueCreateInfo
	queuePriority := float32(1.0)
	for _, queueFamily := range uniqueQueueFamilies {
		queueFamilyOptions = append(queueFamilyOptions, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: queueFamily,
			QueuePriorities:  []float32{queuePriority},
		})
	}

	var extensionNames []string
	extensionNames = append(extensionNames, deviceExtensions...)

	// Required on MoltenVK and other portability implementations.
	extensions, _, err := d.instanceDriver.EnumerateDeviceExtensionProperties(d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "enumerate device extensions")
	}

	_, supported := extensions[khr_portability_subset.ExtensionName]
	if supported {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	d.deviceDriver, _, err = d.instanceDriver.CreateDevice(d.physicalDevice, nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueFamilyOptions,
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return errors.Wrap(err, "create logical device")
	}
	d.cleanup.Push("device", func() {
		d.deviceDriver.DestroyDevice(nil)
	})

	d.graphicsQueue = d.deviceDriver.GetQueue(*indices.GraphicsFamily, 0)
	d.presentQueue = d.deviceDriver.GetQueue(*indices.PresentFamily, 0)
	return nil
}

func (d *DeviceContext) createCommandPool() error {
	pool, _, err := d.deviceDriver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: *d.queueIndices.GraphicsFamily,
	})
	if err != nil {
		return errors.Wrap(err, "create command pool")
	}

	d.commandPool = pool
	d.cleanup.Push("command pool", func() {
		d.deviceDriver.DestroyCommandPool(d.commandPool, nil)
	})
	return nil
}

// WaitIdle blocks until the device has no pending GPU work. It must be
// called before any swapchain teardown and before Destroy.
func (d *DeviceContext) WaitIdle() error {
	_, err := d.deviceDriver.DeviceWaitIdle()
	return errors.Wrap(err, "device wait idle")
}

// Destroy idle-waits the device, then tears down every object this
// context created in reverse creation order. Dependent objects
// (swapchain, renderer resources) must already be gone.
func (d *DeviceContext) Destroy() {
	if d.deviceDriver != nil {
		if err := d.WaitIdle(); err != nil {
			log.Printf("wait idle before teardown: %v", err)
		}
	}
	d.cleanup.Run()
}
