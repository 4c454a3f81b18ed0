package render

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/escapetime/fractalviz/fractal"
)

// quadVertexCount is the number of vertices the vertex shader expands
// into a full-screen quad. There are no vertex buffers; positions come
// from gl_VertexIndex.
const quadVertexCount = 6

// Renderer draws one fractal frame per call. The pipeline uses dynamic
// viewport and scissor, so window resizes only rebuild the per-image
// resources (framebuffers, uniform buffers, descriptors, command
// buffers); the pipeline itself survives unless the surface format
// changes.
type Renderer struct {
	device    *DeviceContext
	swapchain *Swapchain
	frames    *FrameSync
	params    *fractal.ParamBlock
	shaderDir string

	renderPass          core1_0.RenderPass
	passFormat          core1_0.Format
	descriptorSetLayout core1_0.DescriptorSetLayout
	pipelineLayout      core1_0.PipelineLayout
	pipeline            core1_0.Pipeline

	framebuffers   []core1_0.Framebuffer
	uniformBuffers []core1_0.Buffer
	uniformMemory  []core1_0.DeviceMemory
	descriptorPool core1_0.DescriptorPool
	descriptorSets []core1_0.DescriptorSet
	commandBuffers []core1_0.CommandBuffer
}

// NewRenderer builds the full drawing state against an existing
// swapchain and registers itself for the chain's recreation hooks.
// params is shared with the UI; it is read once per frame on the
// render thread.
func NewRenderer(device *DeviceContext, swapchain *Swapchain, params *fractal.ParamBlock, shaderDir string) (*Renderer, error) {
	r := &Renderer{
		device:    device,
		swapchain: swapchain,
		params:    params,
		shaderDir: shaderDir,
	}

	ok := false
	defer func() {
		if !ok {
			r.Destroy()
		}
	}()

	if err := r.createRenderPass(); err != nil {
		return nil, err
	}
	if err := r.createDescriptorSetLayout(); err != nil {
		return nil, err
	}
	if err := r.createPipeline(); err != nil {
		return nil, err
	}
	if err := r.createPerImageResources(); err != nil {
		return nil, err
	}

	frames, err := NewFrameSync(device, swapchain.ImageCount())
	if err != nil {
		return nil, err
	}
	r.frames = frames

	swapchain.SetRecreateHooks(r.destroyPerImageResources, r.rebuildAfterRecreate)
	params.SetAspect(swapchain.Extent().Width, swapchain.Extent().Height)

	ok = true
	return r, nil
}

func (r *Renderer) createRenderPass() error {
	renderPass, _, err := r.device.deviceDriver.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         r.swapchain.Format(),
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
			},
		},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				DstAccessMask: core1_0.AccessColorAttachmentWrite,
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "create render pass")
	}

	r.renderPass = renderPass
	r.passFormat = r.swapchain.Format()
	return nil
}

func (r *Renderer) createDescriptorSetLayout() error {
	var err error
	r.descriptorSetLayout, _, err = r.device.deviceDriver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: 1,

				StageFlags: core1_0.StageFragment,
			},
		},
	})
	return errors.Wrap(err, "create descriptor set layout")
}

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] = 0
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}

	return byteCode
}

func (r *Renderer) loadShaderModule(name string) (core1_0.ShaderModule, error) {
	shaderBytes, err := os.ReadFile(filepath.Join(r.shaderDir, name))
	if err != nil {
		return core1_0.ShaderModule{}, errors.Wrapf(err, "read shader %s", name)
	}
	if len(shaderBytes) == 0 || len(shaderBytes)%4 != 0 {
		return core1_0.ShaderModule{}, errors.Errorf("shader %s is not valid SPIR-V (%d bytes); compile it with glslc first", name, len(shaderBytes))
	}

	module, _, err := r.device.deviceDriver.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: bytesToBytecode(shaderBytes),
	})
	return module, errors.Wrapf(err, "create shader module %s", name)
}

func (r *Renderer) createPipeline() error {
	vertShader, err := r.loadShaderModule("fractal.vert.spv")
	if err != nil {
		return err
	}
	defer r.device.deviceDriver.DestroyShaderModule(vertShader, nil)

	fragShader, err := r.loadShaderModule("fractal.frag.spv")
	if err != nil {
		return err
	}
	defer r.device.deviceDriver.DestroyShaderModule(fragShader, nil)

	r.pipelineLayout, _, err = r.device.deviceDriver.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: []core1_0.DescriptorSetLayout{
			r.descriptorSetLayout,
		},
	})
	if err != nil {
		return errors.Wrap(err, "create pipeline layout")
	}

	extent := r.swapchain.Extent()

	pipelines, _, err := r.device.deviceDriver.CreateGraphicsPipelines(nil, nil,
		core1_0.GraphicsPipelineCreateInfo{
			Stages: []core1_0.PipelineShaderStageCreateInfo{
				{
					Stage:  core1_0.StageVertex,
					Module: vertShader,
					Name:   "main",
				},
				{
					Stage:  core1_0.StageFragment,
					Module: fragShader,
					Name:   "main",
				},
			},
			VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{},
			InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
				Topology:               core1_0.PrimitiveTopologyTriangleList,
				PrimitiveRestartEnable: false,
			},
			// Placeholder values only; viewport and scissor are dynamic.
			ViewportState: &core1_0.PipelineViewportStateCreateInfo{
				Viewports: []core1_0.Viewport{
					{
						X:        0,
						Y:        0,
						Width:    float32(extent.Width),
						Height:   float32(extent.Height),
						MinDepth: 0,
						MaxDepth: 1,
					},
				},
				Scissors: []core1_0.Rect2D{
					{
						Offset: core1_0.Offset2D{X: 0, Y: 0},
						Extent: extent,
					},
				},
			},
			RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
				DepthClampEnable:        false,
				RasterizerDiscardEnable: false,

				PolygonMode: core1_0.PolygonModeFill,
				CullMode:    core1_0.CullModeNone,
				FrontFace:   core1_0.FrontFaceCounterClockwise,

				DepthBiasEnable: false,

				LineWidth: 1.0,
			},
			MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
				SampleShadingEnable:  false,
				RasterizationSamples: core1_0.Samples1,
				MinSampleShading:     1.0,
			},
			ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
				LogicOpEnabled: false,
				LogicOp:        core1_0.LogicOpCopy,

				BlendConstants: [4]float32{0, 0, 0, 0},
				Attachments: []core1_0.PipelineColorBlendAttachmentState{
					{
						BlendEnabled:   false,
						ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
					},
				},
			},
			DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
				DynamicStates: []core1_0.DynamicState{
					core1_0.DynamicStateViewport,
					core1_0.DynamicStateScissor,
				},
			},
			Layout:            r.pipelineLayout,
			RenderPass:        r.renderPass,
			Subpass:           0,
			BasePipelineIndex: -1,
		},
	)
	if err != nil {
		return errors.Wrap(err, "create graphics pipeline")
	}
	r.pipeline = pipelines[0]

	return nil
}

func (r *Renderer) createBuffer(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (core1_0.Buffer, core1_0.DeviceMemory, error) {
	buffer, _, err := r.device.deviceDriver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return core1_0.Buffer{}, core1_0.DeviceMemory{}, err
	}

	memRequirements := r.device.deviceDriver.GetBufferMemoryRequirements(buffer)
	memoryTypeIndex, err := r.findMemoryType(memRequirements.MemoryTypeBits, properties)
	if err != nil {
		return buffer, core1_0.DeviceMemory{}, err
	}

	memory, _, err := r.device.deviceDriver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return buffer, core1_0.DeviceMemory{}, err
	}

	_, err = r.device.deviceDriver.BindBufferMemory(buffer, memory, 0)
	return buffer, memory, err
}

func (r *Renderer) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	memProperties := r.device.instanceDriver.GetPhysicalDeviceMemoryProperties(r.device.physicalDevice)
	for i, memoryType := range memProperties.MemoryTypes {
		typeBit := uint32(1 << i)

		if (typeFilter&typeBit) != 0 && (memoryType.PropertyFlags&properties) == properties {
			return i, nil
		}
	}

	return 0, errors.Errorf("no suitable memory type for filter %x", typeFilter)
}

// createPerImageResources builds everything keyed by swapchain image:
// framebuffers, uniform buffers, descriptor pool and sets, and command
// buffers. Rebuilt from scratch on every swapchain recreation.
func (r *Renderer) createPerImageResources() error {
	extent := r.swapchain.Extent()
	imageCount := r.swapchain.ImageCount()

	for _, imageView := range r.swapchain.ImageViews() {
		framebuffer, _, err := r.device.deviceDriver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
			RenderPass: r.renderPass,
			Layers:     1,
			Attachments: []core1_0.ImageView{
				imageView,
			},
			Width:  extent.Width,
			Height: extent.Height,
		})
		if err != nil {
			return errors.Wrap(err, "create framebuffer")
		}
		r.framebuffers = append(r.framebuffers, framebuffer)
	}

	bufferSize := int(unsafe.Sizeof(fractal.ParamBlock{}))
	for i := 0; i < imageCount; i++ {
		buffer, memory, err := r.createBuffer(bufferSize, core1_0.BufferUsageUniformBuffer, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
		if err != nil {
			return errors.Wrap(err, "create uniform buffer")
		}
		r.uniformBuffers = append(r.uniformBuffers, buffer)
		r.uniformMemory = append(r.uniformMemory, memory)
	}

	var err error
	r.descriptorPool, _, err = r.device.deviceDriver.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: imageCount,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{
				Type:            core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: imageCount,
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "create descriptor pool")
	}

	var allocLayouts []core1_0.DescriptorSetLayout
	for i := 0; i < imageCount; i++ {
		allocLayouts = append(allocLayouts, r.descriptorSetLayout)
	}

	r.descriptorSets, _, err = r.device.deviceDriver.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: r.descriptorPool,
		SetLayouts:     allocLayouts,
	})
	if err != nil {
		return errors.Wrap(err, "allocate descriptor sets")
	}

	for i := 0; i < imageCount; i++ {
		err = r.device.deviceDriver.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
			{
				DstSet:          r.descriptorSets[i],
				DstBinding:      0,
				DstArrayElement: 0,

				DescriptorType: core1_0.DescriptorTypeUniformBuffer,

				BufferInfo: []core1_0.DescriptorBufferInfo{
					{
						Buffer: r.uniformBuffers[i],
						Offset: 0,
						Range:  bufferSize,
					},
				},
			},
		}, nil)
		if err != nil {
			return errors.Wrap(err, "write descriptor sets")
		}
	}

	r.commandBuffers, _, err = r.device.deviceDriver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        r.device.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: imageCount,
	})
	return errors.Wrap(err, "allocate command buffers")
}

func (r *Renderer) destroyPerImageResources() {
	for _, framebuffer := range r.framebuffers {
		r.device.deviceDriver.DestroyFramebuffer(framebuffer, nil)
	}
	r.framebuffers = nil

	if len(r.commandBuffers) > 0 {
		r.device.deviceDriver.FreeCommandBuffers(r.commandBuffers...)
		r.commandBuffers = nil
	}

	for _, buffer := range r.uniformBuffers {
		r.device.deviceDriver.DestroyBuffer(buffer, nil)
	}
	r.uniformBuffers = nil

	for _, memory := range r.uniformMemory {
		r.device.deviceDriver.FreeMemory(memory, nil)
	}
	r.uniformMemory = nil

	if r.descriptorPool.Initialized() {
		r.device.deviceDriver.DestroyDescriptorPool(r.descriptorPool, nil)
		r.descriptorPool = core1_0.DescriptorPool{}
	}
	r.descriptorSets = nil
}

// rebuildAfterRecreate runs once a fresh chain exists. The surface
// format can change when the window moves between displays; that forces
// the render pass and pipeline to be rebuilt as well.
func (r *Renderer) rebuildAfterRecreate() error {
	if r.swapchain.Format() != r.passFormat {
		if r.pipeline.Initialized() {
			r.device.deviceDriver.DestroyPipeline(r.pipeline, nil)
			r.pipeline = core1_0.Pipeline{}
		}
		if r.pipelineLayout.Initialized() {
			r.device.deviceDriver.DestroyPipelineLayout(r.pipelineLayout, nil)
			r.pipelineLayout = core1_0.PipelineLayout{}
		}
		if r.renderPass.Initialized() {
			r.device.deviceDriver.DestroyRenderPass(r.renderPass, nil)
			r.renderPass = core1_0.RenderPass{}
		}

		if err := r.createRenderPass(); err != nil {
			return err
		}
		if err := r.createPipeline(); err != nil {
			return err
		}
	}

	if err := r.createPerImageResources(); err != nil {
		return err
	}
	r.frames.ResizeImageCount(r.swapchain.ImageCount())

	// The old chain may have signaled this slot's acquire semaphore
	// for an image that no longer exists.
	if err := r.frames.RefreshAcquireSemaphore(); err != nil {
		return err
	}

	extent := r.swapchain.Extent()
	r.params.SetAspect(extent.Width, extent.Height)
	return nil
}

func writeData(driver core1_0.DeviceDriver, memory core1_0.DeviceMemory, offset int, data any) error {
	bufferSize := binary.Size(data)

	memoryPtr, _, err := driver.MapMemory(memory, offset, bufferSize, 0)
	if err != nil {
		return err
	}
	defer driver.UnmapMemory(memory)

	dataBuffer := unsafe.Slice((*byte)(memoryPtr), bufferSize)

	buf := &bytes.Buffer{}
	err = binary.Write(buf, common.ByteOrder, data)
	if err != nil {
		return err
	}

	copy(dataBuffer, buf.Bytes())
	return nil
}

func (r *Renderer) updateUniformBuffer(imageIndex int) error {
	block := r.params.Resolved()
	err := writeData(r.device.deviceDriver, r.uniformMemory[imageIndex], 0, &block)
	return errors.Wrap(err, "write fractal parameters")
}

func (r *Renderer) recordCommandBuffer(imageIndex int) error {
	buffer := r.commandBuffers[imageIndex]
	extent := r.swapchain.Extent()

	_, err := r.device.deviceDriver.ResetCommandBuffer(buffer, 0)
	if err != nil {
		return errors.Wrap(err, "reset command buffer")
	}

	_, err = r.device.deviceDriver.BeginCommandBuffer(buffer, core1_0.CommandBufferBeginInfo{})
	if err != nil {
		return errors.Wrap(err, "begin command buffer")
	}

	err = r.device.deviceDriver.CmdBeginRenderPass(buffer, core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  r.renderPass,
			Framebuffer: r.framebuffers[imageIndex],
			RenderArea: core1_0.Rect2D{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: extent,
			},
			ClearValues: []core1_0.ClearValue{
				core1_0.ClearValueFloat{0, 0, 0, 1},
			},
		})
	if err != nil {
		return errors.Wrap(err, "begin render pass")
	}

	r.device.deviceDriver.CmdBindPipeline(buffer, core1_0.PipelineBindPointGraphics, r.pipeline)
	r.device.deviceDriver.CmdSetViewport(buffer, core1_0.Viewport{
		X:        0,
		Y:        0,
		Width:    float32(extent.Width),
		Height:   float32(extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	})
	r.device.deviceDriver.CmdSetScissor(buffer, core1_0.Rect2D{
		Offset: core1_0.Offset2D{X: 0, Y: 0},
		Extent: extent,
	})
	r.device.deviceDriver.CmdBindDescriptorSets(buffer, core1_0.PipelineBindPointGraphics, r.pipelineLayout, 0, []core1_0.DescriptorSet{
		r.descriptorSets[imageIndex],
	}, nil)
	r.device.deviceDriver.CmdDraw(buffer, quadVertexCount, 1, 0, 0)
	r.device.deviceDriver.CmdEndRenderPass(buffer)

	_, err = r.device.deviceDriver.EndCommandBuffer(buffer)
	return errors.Wrap(err, "end command buffer")
}

// DrawFrame renders and presents one frame. The fence for the current
// slot is only reset once an image is in hand, so a recreation that
// aborts acquisition leaves the fence signaled and the next frame does
// not deadlock.
func (r *Renderer) DrawFrame() error {
	if err := r.frames.WaitCurrent(); err != nil {
		return err
	}

	imageIndex, err := r.swapchain.Acquire(r.frames.ImageAvailable)
	if err != nil {
		return err
	}

	if err := r.frames.ClaimImage(imageIndex); err != nil {
		return err
	}
	if err := r.frames.ResetCurrent(); err != nil {
		return err
	}

	if err := r.updateUniformBuffer(imageIndex); err != nil {
		return err
	}
	if err := r.recordCommandBuffer(imageIndex); err != nil {
		return err
	}

	fence := r.frames.Fence()
	_, err = r.device.deviceDriver.QueueSubmit(r.device.graphicsQueue, &fence,
		core1_0.SubmitInfo{
			WaitSemaphores:   []core1_0.Semaphore{r.frames.ImageAvailable()},
			WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
			CommandBuffers:   []core1_0.CommandBuffer{r.commandBuffers[imageIndex]},
			SignalSemaphores: []core1_0.Semaphore{r.frames.RenderFinished()},
		},
	)
	if err != nil {
		return errors.Wrap(err, "submit draw commands")
	}

	if err := r.swapchain.Present(r.frames.RenderFinished(), imageIndex); err != nil {
		return err
	}

	r.frames.Advance()
	return nil
}

// NotifyResize forwards a window resize to the swapchain.
func (r *Renderer) NotifyResize() {
	r.swapchain.NotifyResize()
}

// Destroy tears everything down. The caller must idle the device
// first; the swapchain and device context are owned by the caller and
// survive.
func (r *Renderer) Destroy() {
	r.destroyPerImageResources()

	if r.frames != nil {
		r.frames.Destroy()
		r.frames = nil
	}

	if r.pipeline.Initialized() {
		r.device.deviceDriver.DestroyPipeline(r.pipeline, nil)
		r.pipeline = core1_0.Pipeline{}
	}
	if r.pipelineLayout.Initialized() {
		r.device.deviceDriver.DestroyPipelineLayout(r.pipelineLayout, nil)
		r.pipelineLayout = core1_0.PipelineLayout{}
	}
	if r.renderPass.Initialized() {
		r.device.deviceDriver.DestroyRenderPass(r.renderPass, nil)
		r.renderPass = core1_0.RenderPass{}
	}
	if r.descriptorSetLayout.Initialized() {
		r.device.deviceDriver.DestroyDescriptorSetLayout(r.descriptorSetLayout, nil)
		r.descriptorSetLayout = core1_0.DescriptorSetLayout{}
	}
}
