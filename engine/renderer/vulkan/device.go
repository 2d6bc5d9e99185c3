package vulkan

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

const (
	// maxDescriptorHeaps bounds the descriptor sets the shared pool can hand out.
	maxDescriptorHeaps           = 16
	defaultMaxDescriptors uint32 = 1024
)

type DeviceConfig struct {
	Name   string
	Window *glfw.Window
	Debug  bool
	// MaxDescriptors is the largest heap the device can create. Clamped to the
	// per-stage limits of the selected GPU.
	MaxDescriptors uint32
}

type VulkanSwapchainSupportInfo struct {
	Capabilities vk.SurfaceCapabilities
	Formats      []vk.SurfaceFormat
	PresentModes []vk.PresentMode
}

type VulkanPhysicalDeviceRequirements struct {
	Graphics             bool
	Present              bool
	DeviceExtensionNames []string
	SamplerAnisotropy    bool
	DiscreteGPU          bool
}

// Family indices are -1 when the device has no matching family.
type VulkanPhysicalDeviceQueueFamilyInfo struct {
	GraphicsFamilyIndex int32
	PresentFamilyIndex  int32
	ComputeFamilyIndex  int32
	TransferFamilyIndex int32
}

/**
 * @brief gpu.Device on top of Vulkan. Direct work runs on the graphics family,
 * copy and compute work on dedicated families when the GPU has them.
 */
type Device struct {
	config DeviceConfig
	locks  *VulkanLockPool

	instance       vk.Instance
	debugCallback  vk.DebugReportCallback
	surface        vk.Surface
	physicalDevice vk.PhysicalDevice
	logicalDevice  vk.Device
	deviceName     string

	properties       vk.PhysicalDeviceProperties
	features         vk.PhysicalDeviceFeatures
	memory           vk.PhysicalDeviceMemoryProperties
	swapchainSupport VulkanSwapchainSupportInfo
	families         VulkanPhysicalDeviceQueueFamilyInfo
	// Unique families resources are shared between.
	sharedFamilies []uint32
	presentQueue   vk.Queue
	queues         [gpu.QueueTypeCount]*Queue

	setLayout      vk.DescriptorSetLayout
	descriptorPool vk.DescriptorPool
	maxDescriptors uint32
	samplers       [samplerCount]vk.Sampler
	nullBuffer     *Resource
	nullImage      *Resource

	pipelineCache vk.PipelineCache
	renderPasses  map[string]vk.RenderPass
	// Engine formats replaced by what the surface actually offers.
	formatOverrides map[gpu.Format]vk.Format

	heapsMu sync.Mutex
	heaps   map[uint64]*DescriptorHeap

	nextResource atomic.Uint64
	nextHeap     atomic.Uint64
}

var _ gpu.Device = (*Device)(nil)

func NewDevice(config *DeviceConfig) (*Device, error) {
	if config.Window == nil {
		return nil, fmt.Errorf("%w: the vulkan device needs a window", core.ErrUnsupportedPlatform)
	}
	d := &Device{
		config:          *config,
		locks:           NewVulkanLockPool(),
		renderPasses:    make(map[string]vk.RenderPass),
		formatOverrides: make(map[gpu.Format]vk.Format),
		heaps:           make(map[uint64]*DescriptorHeap),
	}
	if d.config.MaxDescriptors == 0 {
		d.config.MaxDescriptors = defaultMaxDescriptors
	}

	if err := loadVulkan(); err != nil {
		return nil, err
	}
	if err := d.createInstance(config.Window); err != nil {
		d.Release()
		return nil, err
	}
	if err := d.selectPhysicalDevice(); err != nil {
		d.Release()
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		d.Release()
		return nil, err
	}
	for t := gpu.QueueType(0); t < gpu.QueueTypeCount; t++ {
		d.queues[t] = newQueue(d, t, d.queueFamily(t))
	}

	d.maxDescriptors = d.descriptorLimit(d.config.MaxDescriptors)
	if d.maxDescriptors < d.config.MaxDescriptors {
		core.LogWarn("descriptor heaps limited to %d entries by `%s`", d.maxDescriptors, d.deviceName)
	}
	if err := d.createDescriptorLayout(); err != nil {
		d.Release()
		return nil, err
	}
	if res := vk.CreatePipelineCache(d.logicalDevice, &vk.PipelineCacheCreateInfo{
		SType: vk.StructureTypePipelineCacheCreateInfo,
	}, nil, &d.pipelineCache); res != vk.Success {
		d.Release()
		return nil, vkError("vkCreatePipelineCache", res)
	}

	core.LogInfo("Vulkan device `%s` created", d.deviceName)
	return d, nil
}

func (d *Device) Name() string {
	return "vulkan: " + d.deviceName
}

func (d *Device) CreateCommittedResource(desc gpu.ResourceDesc) (gpu.Resource, error) {
	var (
		r   *Resource
		err error
	)
	switch desc.Dimension {
	case gpu.DimensionBuffer:
		r, err = d.createBuffer(desc)
	case gpu.DimensionTexture2D:
		r, err = d.createImage(desc)
	default:
		err = fmt.Errorf("%w: unknown dimension %d", gpu.ErrInvalidResource, desc.Dimension)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Device) Queue(t gpu.QueueType) gpu.CommandQueue {
	return d.queues[t]
}

// Release waits for the GPU to go idle and destroys everything the device owns.
// Heaps, resources and pipelines must have been released by their owners first.
func (d *Device) Release() {
	if d.logicalDevice != nil {
		vk.DeviceWaitIdle(d.logicalDevice)

		for t := range d.queues {
			if d.queues[t] != nil {
				d.queues[t].destroy()
				d.queues[t] = nil
			}
		}
		for key, rp := range d.renderPasses {
			vk.DestroyRenderPass(d.logicalDevice, rp, nil)
			delete(d.renderPasses, key)
		}
		if d.pipelineCache != nil {
			vk.DestroyPipelineCache(d.logicalDevice, d.pipelineCache, nil)
			d.pipelineCache = nil
		}
		d.destroyDescriptorLayout()

		core.LogDebug("destroying logical device")
		vk.DestroyDevice(d.logicalDevice, nil)
		d.logicalDevice = nil
	}
	// Physical devices are not destroyed.
	d.physicalDevice = nil
	d.destroyInstance()
}

func (d *Device) nextResourceID() uint64 {
	return d.nextResource.Add(1)
}

func (d *Device) nextHeapID() uint64 {
	return d.nextHeap.Add(1)
}

func (d *Device) registerHeap(h *DescriptorHeap) {
	d.heapsMu.Lock()
	defer d.heapsMu.Unlock()
	d.heaps[h.id] = h
}

func (d *Device) unregisterHeap(h *DescriptorHeap) {
	d.heapsMu.Lock()
	defer d.heapsMu.Unlock()
	delete(d.heaps, h.id)
}

func (d *Device) queueFamily(t gpu.QueueType) uint32 {
	switch t {
	case gpu.QueueCopy:
		return uint32(d.families.TransferFamilyIndex)
	case gpu.QueueCompute:
		return uint32(d.families.ComputeFamilyIndex)
	}
	return uint32(d.families.GraphicsFamilyIndex)
}

// descriptorLimit clamps the requested heap size to what one shader stage may bind.
func (d *Device) descriptorLimit(requested uint32) uint32 {
	limits := d.properties.Limits
	n := requested
	for _, l := range []uint32{
		limits.MaxPerStageDescriptorStorageBuffers,
		limits.MaxPerStageDescriptorSampledImages,
		limits.MaxDescriptorSetStorageBuffers,
		limits.MaxDescriptorSetSampledImages,
	} {
		if l > 0 && l < n {
			n = l
		}
	}
	return n
}

// immediate records and runs a one-shot command buffer on the direct queue and
// waits for it. Safe from any goroutine.
func (d *Device) immediate(record func(cmd vk.CommandBuffer)) error {
	q := d.queues[gpu.QueueDirect]
	cl, err := q.acquireList()
	if err != nil {
		return err
	}
	record(cl.cmd)
	cl.empty = false
	value, err := q.ExecuteCommandList(cl)
	if err != nil {
		return err
	}
	return q.WaitForFenceValue(context.Background(), value)
}

func (d *Device) selectPhysicalDevice() error {
	var physicalDeviceCount uint32
	if res := vk.EnumeratePhysicalDevices(d.instance, &physicalDeviceCount, nil); res != vk.Success {
		return vkError("vkEnumeratePhysicalDevices", res)
	}
	if physicalDeviceCount == 0 {
		return fmt.Errorf("%w: no devices which support Vulkan were found", core.ErrUnsupportedPlatform)
	}
	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if res := vk.EnumeratePhysicalDevices(d.instance, &physicalDeviceCount, physicalDevices); res != vk.Success {
		return vkError("vkEnumeratePhysicalDevices", res)
	}

	requirements := VulkanPhysicalDeviceRequirements{
		Graphics:             true,
		Present:              true,
		SamplerAnisotropy:    false,
		DiscreteGPU:          false,
		DeviceExtensionNames: []string{vk.KhrSwapchainExtensionName},
	}

	// Prefer a discrete GPU, then fall back to anything that works.
	for _, discrete := range []bool{true, false} {
		if discrete && runtime.GOOS == "darwin" {
			continue
		}
		requirements.DiscreteGPU = discrete
		for _, pd := range physicalDevices {
			var properties vk.PhysicalDeviceProperties
			vk.GetPhysicalDeviceProperties(pd, &properties)
			properties.Deref()
			properties.Limits.Deref()

			var features vk.PhysicalDeviceFeatures
			vk.GetPhysicalDeviceFeatures(pd, &features)
			features.Deref()

			var queueInfo VulkanPhysicalDeviceQueueFamilyInfo
			var support VulkanSwapchainSupportInfo
			if !PhysicalDeviceMeetsRequirements(pd, d.surface, &properties, &features, &requirements, &queueInfo, &support) {
				continue
			}

			var memory vk.PhysicalDeviceMemoryProperties
			vk.GetPhysicalDeviceMemoryProperties(pd, &memory)
			memory.Deref()

			d.physicalDevice = pd
			d.properties = properties
			d.features = features
			d.memory = memory
			d.families = queueInfo
			d.swapchainSupport = support
			d.deviceName = cString(properties.DeviceName[:])
			logDeviceInfo(d.deviceName, &properties, &memory)
			return nil
		}
	}
	return fmt.Errorf("%w: no physical device meets the requirements", core.ErrUnsupportedPlatform)
}

func logDeviceInfo(name string, properties *vk.PhysicalDeviceProperties, memory *vk.PhysicalDeviceMemoryProperties) {
	kind := "unknown"
	switch properties.DeviceType {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		kind = "integrated"
	case vk.PhysicalDeviceTypeDiscreteGpu:
		kind = "discrete"
	case vk.PhysicalDeviceTypeVirtualGpu:
		kind = "virtual"
	case vk.PhysicalDeviceTypeCpu:
		kind = "cpu"
	}
	core.LogInfo("selected device `%s` (%s)", name, kind)
	core.LogInfo(
		"GPU driver version: %d.%d.%d, Vulkan API version: %d.%d.%d",
		vk.Version(properties.DriverVersion).Major(),
		vk.Version(properties.DriverVersion).Minor(),
		vk.Version(properties.DriverVersion).Patch(),
		vk.Version(properties.ApiVersion).Major(),
		vk.Version(properties.ApiVersion).Minor(),
		vk.Version(properties.ApiVersion).Patch(),
	)
	for j := uint32(0); j < memory.MemoryHeapCount; j++ {
		memory.MemoryHeaps[j].Deref()
		memorySizeGib := float64(memory.MemoryHeaps[j].Size) / 1024.0 / 1024.0 / 1024.0
		if vk.MemoryHeapFlagBits(memory.MemoryHeaps[j].Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			core.LogInfo("local GPU memory: %.2f GiB", memorySizeGib)
		} else {
			core.LogInfo("shared system memory: %.2f GiB", memorySizeGib)
		}
	}
}

func PhysicalDeviceMeetsRequirements(device vk.PhysicalDevice, surface vk.Surface, properties *vk.PhysicalDeviceProperties, features *vk.PhysicalDeviceFeatures, requirements *VulkanPhysicalDeviceRequirements, outQueueInfo *VulkanPhysicalDeviceQueueFamilyInfo, outSwapchainSupport *VulkanSwapchainSupportInfo) bool {
	name := cString(properties.DeviceName[:])
	if requirements.DiscreteGPU && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		return false
	}
	if vk.Version(properties.ApiVersion).Minor() < 1 && vk.Version(properties.ApiVersion).Major() <= 1 {
		core.LogInfo("`%s` only supports Vulkan 1.0, skipping", name)
		return false
	}
	// Descriptor tables are arrays indexed with push constants.
	if features.ShaderStorageBufferArrayDynamicIndexing == vk.False || features.ShaderSampledImageArrayDynamicIndexing == vk.False {
		core.LogInfo("`%s` cannot index descriptor arrays dynamically, skipping", name)
		return false
	}
	if requirements.SamplerAnisotropy && features.SamplerAnisotropy == vk.False {
		core.LogInfo("`%s` does not support samplerAnisotropy, skipping", name)
		return false
	}

	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)
	*outQueueInfo = selectQueueFamilies(queueFamilies, func(index uint32) bool {
		var supportsPresent vk.Bool32
		if res := vk.GetPhysicalDeviceSurfaceSupport(device, index, surface, &supportsPresent); res != vk.Success {
			return false
		}
		return supportsPresent == vk.True
	})

	if requirements.Graphics && outQueueInfo.GraphicsFamilyIndex < 0 {
		return false
	}
	if requirements.Present && outQueueInfo.PresentFamilyIndex < 0 {
		return false
	}
	core.LogDebug("`%s` queue families: graphics %d, present %d, compute %d, transfer %d", name,
		outQueueInfo.GraphicsFamilyIndex, outQueueInfo.PresentFamilyIndex,
		outQueueInfo.ComputeFamilyIndex, outQueueInfo.TransferFamilyIndex)

	if err := DeviceQuerySwapchainSupport(device, surface, outSwapchainSupport); err != nil {
		core.LogInfo("`%s`: %s, skipping", name, err)
		return false
	}
	if len(outSwapchainSupport.Formats) < 1 || len(outSwapchainSupport.PresentModes) < 1 {
		core.LogInfo("required swapchain support not present on `%s`, skipping", name)
		return false
	}
	if !supportsExtensions(device, requirements.DeviceExtensionNames) {
		core.LogInfo("`%s` misses a required extension, skipping", name)
		return false
	}
	return true
}

/**
 * @brief Picks one family per queue type. Compute and transfer prefer families
 * without graphics support and fall back to the graphics family.
 */
func selectQueueFamilies(families []vk.QueueFamilyProperties, supportsPresent func(index uint32) bool) VulkanPhysicalDeviceQueueFamilyInfo {
	info := VulkanPhysicalDeviceQueueFamilyInfo{
		GraphicsFamilyIndex: -1,
		PresentFamilyIndex:  -1,
		ComputeFamilyIndex:  -1,
		TransferFamilyIndex: -1,
	}
	minTransferScore := 255
	for i := range families {
		families[i].Deref()
		flags := vk.QueueFlagBits(families[i].QueueFlags)
		graphics := flags&vk.QueueGraphicsBit != 0
		compute := flags&vk.QueueComputeBit != 0

		if graphics && info.GraphicsFamilyIndex < 0 {
			info.GraphicsFamilyIndex = int32(i)
			if supportsPresent(uint32(i)) {
				info.PresentFamilyIndex = int32(i)
			}
		}
		if compute && !graphics && info.ComputeFamilyIndex < 0 {
			info.ComputeFamilyIndex = int32(i)
		}
		// The family with the fewest other capabilities is most likely a dedicated DMA queue.
		if flags&vk.QueueTransferBit != 0 && !graphics {
			score := 0
			if compute {
				score++
			}
			if score < minTransferScore {
				minTransferScore = score
				info.TransferFamilyIndex = int32(i)
			}
		}
	}
	if info.PresentFamilyIndex < 0 {
		for i := range families {
			if supportsPresent(uint32(i)) {
				info.PresentFamilyIndex = int32(i)
				break
			}
		}
	}
	if info.ComputeFamilyIndex < 0 {
		info.ComputeFamilyIndex = info.GraphicsFamilyIndex
	}
	if info.TransferFamilyIndex < 0 {
		info.TransferFamilyIndex = info.GraphicsFamilyIndex
	}
	return info
}

func uniqueFamilies(info VulkanPhysicalDeviceQueueFamilyInfo) []uint32 {
	var out []uint32
	for _, f := range []int32{info.GraphicsFamilyIndex, info.PresentFamilyIndex, info.ComputeFamilyIndex, info.TransferFamilyIndex} {
		if f < 0 {
			continue
		}
		seen := false
		for _, o := range out {
			if o == uint32(f) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, uint32(f))
		}
	}
	return out
}

func supportsExtensions(device vk.PhysicalDevice, names []string) bool {
	available := deviceExtensions(device)
	for _, name := range names {
		if _, ok := available[name]; !ok {
			core.LogInfo("required extension not found: '%s'", name)
			return false
		}
	}
	return true
}

func deviceExtensions(device vk.PhysicalDevice) map[string]struct{} {
	out := make(map[string]struct{})
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, nil); res != vk.Success || count == 0 {
		return out
	}
	available := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, available); res != vk.Success {
		return out
	}
	for i := range available {
		available[i].Deref()
		out[cString(available[i].ExtensionName[:])] = struct{}{}
	}
	return out
}

func DeviceQuerySwapchainSupport(physicalDevice vk.PhysicalDevice, surface vk.Surface, supportInfo *VulkanSwapchainSupportInfo) error {
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(physicalDevice, surface, &supportInfo.Capabilities); res != vk.Success {
		return vkError("vkGetPhysicalDeviceSurfaceCapabilities", res)
	}
	supportInfo.Capabilities.Deref()
	supportInfo.Capabilities.CurrentExtent.Deref()
	supportInfo.Capabilities.MinImageExtent.Deref()
	supportInfo.Capabilities.MaxImageExtent.Deref()

	var formatCount uint32
	if res := vk.GetPhysicalDeviceSurfaceFormats(physicalDevice, surface, &formatCount, nil); res != vk.Success {
		return vkError("vkGetPhysicalDeviceSurfaceFormats", res)
	}
	supportInfo.Formats = make([]vk.SurfaceFormat, formatCount)
	if formatCount != 0 {
		if res := vk.GetPhysicalDeviceSurfaceFormats(physicalDevice, surface, &formatCount, supportInfo.Formats); res != vk.Success {
			return vkError("vkGetPhysicalDeviceSurfaceFormats", res)
		}
		for i := range supportInfo.Formats {
			supportInfo.Formats[i].Deref()
		}
	}

	var presentModeCount uint32
	if res := vk.GetPhysicalDeviceSurfacePresentModes(physicalDevice, surface, &presentModeCount, nil); res != vk.Success {
		return vkError("vkGetPhysicalDeviceSurfacePresentModes", res)
	}
	supportInfo.PresentModes = make([]vk.PresentMode, presentModeCount)
	if presentModeCount != 0 {
		if res := vk.GetPhysicalDeviceSurfacePresentModes(physicalDevice, surface, &presentModeCount, supportInfo.PresentModes); res != vk.Success {
			return vkError("vkGetPhysicalDeviceSurfacePresentModes", res)
		}
	}
	return nil
}

func (d *Device) createLogicalDevice() error {
	core.LogInfo("creating logical device...")

	// Do not create additional queues for shared indices.
	d.sharedFamilies = uniqueFamilies(d.families)
	queueCreateInfos := make([]vk.DeviceQueueCreateInfo, len(d.sharedFamilies))
	for i, family := range d.sharedFamilies {
		queueCreateInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
		d.locks.SetQueueFamily(family)
	}

	deviceFeatures := vk.PhysicalDeviceFeatures{
		SamplerAnisotropy:                       d.features.SamplerAnisotropy,
		ShaderStorageBufferArrayDynamicIndexing: vk.True,
		ShaderSampledImageArrayDynamicIndexing:  vk.True,
	}

	extensionNames := []string{vk.KhrSwapchainExtensionName}
	if _, ok := deviceExtensions(d.physicalDevice)["VK_KHR_portability_subset"]; ok {
		core.LogInfo("adding required extension 'VK_KHR_portability_subset'")
		extensionNames = append(extensionNames, "VK_KHR_portability_subset")
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{deviceFeatures},
		EnabledExtensionCount:   uint32(len(extensionNames)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensionNames),
	}
	var device vk.Device
	if res := vk.CreateDevice(d.physicalDevice, &deviceCreateInfo, nil, &device); res != vk.Success {
		return vkError("vkCreateDevice", res)
	}
	d.logicalDevice = device

	var present vk.Queue
	vk.GetDeviceQueue(d.logicalDevice, uint32(d.families.PresentFamilyIndex), 0, &present)
	d.presentQueue = present
	core.LogInfo("logical device created")
	return nil
}

// sharing returns the sharing mode for resources used across queue families.
func (d *Device) sharing() (vk.SharingMode, []uint32) {
	if len(d.sharedFamilies) > 1 {
		return vk.SharingModeConcurrent, d.sharedFamilies
	}
	return vk.SharingModeExclusive, nil
}
