package holders

// A MockProvider serves a synthetic, hand-built holder graph. Tests use it
// to exercise teardown ordering and planner re-location without touching a
// real kernel.
type MockProvider struct {
	Devices map[string]Device
	Graph   map[string][]string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Devices: map[string]Device{},
		Graph:   map[string][]string{},
	}
}

// AddDevice registers a device node in the synthetic graph.
func (p *MockProvider) AddDevice(device Device) {
	p.Devices[device.Path] = device
}

// AddHolder records that holderPath currently sits on top of devicePath.
func (p *MockProvider) AddHolder(devicePath, holderPath string) {
	p.Graph[devicePath] = append(p.Graph[devicePath], holderPath)
}

// RemoveDevice drops a device and every edge that references it, mirroring
// what the kernel does when a layer is torn down.
func (p *MockProvider) RemoveDevice(devicePath string) {
	delete(p.Devices, devicePath)
	delete(p.Graph, devicePath)

	for lower, upper := range p.Graph {
		kept := upper[:0]
		for _, holder := range upper {
			if holder != devicePath {
				kept = append(kept, holder)
			}
		}

		p.Graph[lower] = kept
	}
}

func (p *MockProvider) HoldersOf(devicePath string) ([]Device, error) {
	var devices []Device
	for _, holder := range p.Graph[devicePath] {
		devices = append(devices, p.mustClassify(holder))
	}

	return devices, nil
}

func (p *MockProvider) Classify(devicePath string) (Device, error) {
	return p.mustClassify(devicePath), nil
}

func (p *MockProvider) mustClassify(devicePath string) Device {
	if device, ok := p.Devices[devicePath]; ok {
		return device
	}

	return Device{Path: devicePath, Kind: KindUnknown}
}
