package audio

// DeviceInfo describes an audio endpoint reported by a backend.
type DeviceInfo struct {
	Backend string
	Name    string
	Input   bool
	Output  bool
	Default bool
}

// Lister enumerates the devices a backend can open.
type Lister interface {
	Devices() ([]DeviceInfo, error)
}
