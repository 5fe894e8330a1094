package ibv

import (
	"errors"
	"testing"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
	"github.com/rocketbitz/ibverbs-go/internal/nverbs/nverbstest"
)

func TestDeviceEnumeration(t *testing.T) {
	fake := nverbstest.NewWithDevices(
		nverbs.DeviceInfo{Name: "mlx5_0", GUID: 0x0002c90300fa0001, NodeType: nverbs.NodeCA},
		nverbs.DeviceInfo{Name: "mlx5_1", GUID: 0x0002c90300fa0002, NodeType: nverbs.NodeCA},
	)
	devs, err := devicesWith(fake)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(devs) != 2 || devs[0].Name != "mlx5_0" || devs[1].Name != "mlx5_1" {
		t.Fatalf("unexpected device list: %+v", devs)
	}
	if got := devs[0].GUIDString(); got != "0002:c903:00fa:0001" {
		t.Fatalf("guid formatting: %q", got)
	}
}

func TestOpenWithDefaultsToFirstDevice(t *testing.T) {
	fake := nverbstest.NewWithDevices(
		nverbs.DeviceInfo{Name: "mlx5_0", GUID: 1, NodeType: nverbs.NodeCA},
		nverbs.DeviceInfo{Name: "mlx5_1", GUID: 2, NodeType: nverbs.NodeCA},
	)
	ctx, err := OpenWith(fake, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = ctx.Close() })
	if got := ctx.Device().Name; got != "mlx5_0" {
		t.Fatalf("expected first device, got %s", got)
	}
}

func TestOpenUnknownDevice(t *testing.T) {
	fake := nverbstest.New()
	_, err := OpenWith(fake, "no-such-adapter")
	var nerr *NativeError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NativeError, got %v", err)
	}
}

func TestQueryPortAndGID(t *testing.T) {
	_, ctx := newTestContext(t)
	t.Cleanup(func() { _ = ctx.Close() })

	port, err := ctx.QueryPort(1)
	if err != nil {
		t.Fatalf("query port: %v", err)
	}
	if port.State != nverbs.PortActive || port.LID == 0 {
		t.Fatalf("unexpected port attributes: %+v", port)
	}
	if port.ActiveMTU.Size() != 1024 {
		t.Fatalf("mtu size: %d", port.ActiveMTU.Size())
	}

	gid, err := ctx.QueryGID(1, 0)
	if err != nil {
		t.Fatalf("query gid: %v", err)
	}
	if gid.IsZero() {
		t.Fatalf("expected a populated gid")
	}

	var invalid *InvalidAttributesError
	if _, err := ctx.QueryPort(0); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid attributes for port 0, got %v", err)
	}
	if _, err := ctx.QueryGID(1, -1); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid attributes for negative index, got %v", err)
	}
}
