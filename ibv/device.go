package ibv

import (
	"fmt"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// NodeType re-exports the adapter node type.
type NodeType = nverbs.NodeType

// Device describes one RDMA adapter. Devices are immutable snapshots taken
// at enumeration time.
type Device struct {
	Name     string
	GUID     uint64
	NodeType NodeType
}

// GUIDString formats the device GUID in the conventional colon-separated
// form.
func (d Device) GUIDString() string {
	g := d.GUID
	return fmt.Sprintf("%04x:%04x:%04x:%04x",
		g>>48&0xffff, g>>32&0xffff, g>>16&0xffff, g&0xffff)
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, guid %s)", d.Name, d.NodeType, d.GUIDString())
}

// Devices enumerates the adapters visible to the native verbs library.
func Devices() ([]Device, error) {
	return devicesWith(nverbs.Default())
}

func devicesWith(v nverbs.Verbs) ([]Device, error) {
	infos, err := v.GetDeviceList()
	if err != nil {
		return nil, err
	}
	devs := make([]Device, len(infos))
	for i, info := range infos {
		devs[i] = Device{Name: info.Name, GUID: info.GUID, NodeType: info.NodeType}
	}
	return devs, nil
}

// Open opens a context on the device, the root of the ownership graph.
func (d Device) Open() (*Context, error) {
	return openWith(nverbs.Default(), d)
}

// OpenDevice opens the named device, or the first enumerated device when
// name is empty.
func OpenDevice(name string) (*Context, error) {
	return OpenWith(nverbs.Default(), name)
}

// OpenWith opens the named device through an alternative native
// implementation. Only packages inside this module can construct a Verbs;
// everyone else uses Open or OpenDevice.
func OpenWith(v nverbs.Verbs, name string) (*Context, error) {
	if name == "" {
		devs, err := devicesWith(v)
		if err != nil {
			return nil, err
		}
		if len(devs) == 0 {
			return nil, invalidAttrs("no RDMA devices present")
		}
		return openWith(v, devs[0])
	}
	return openWith(v, Device{Name: name})
}
