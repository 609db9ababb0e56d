package benchmark

import (
	"fmt"
	"testing"

	"hydronet/pkg/hydro"
)

// chainNetwork строит магистраль из n бассейнов: головной затвор на
// водозаборе, перегораживающий затвор каждые пять бьефов, между ними участки
// канала.
func chainNetwork(n int) *hydro.Network {
	net := hydro.NewNetwork()
	net.AddNode(&hydro.Node{ID: "RES", Kind: hydro.NodeKindReservoir, GroundElev: 215, Level: 221})

	prev := "RES"
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("N-%d", i)
		kind := hydro.NodeKindJunction
		zone := ""
		if i == n-1 {
			kind = hydro.NodeKindDelivery
			zone = fmt.Sprintf("Z-%d", i)
		}
		net.AddNode(&hydro.Node{
			ID: id, Kind: kind, GroundElev: 219 - float64(i)*0.01,
			SurfaceArea: 1000, MinDepth: 0.3, MaxDepth: 2.0, Zone: zone,
		})
		if i%5 == 0 {
			net.AddGate(&hydro.Gate{
				ID: fmt.Sprintf("G-%d", i), Type: hydro.GateTypeRadial,
				FromNode: prev, ToNode: id,
				Width: 4, MaxOpening: 1.0, SillElev: 219 - float64(i)*0.01,
				Calibration: hydro.DefaultCalibration(hydro.GateTypeRadial),
				Mode:        hydro.ModeAuto,
				Opening:     0.5,
			})
		} else {
			net.AddSection(&hydro.CanalSection{
				ID: fmt.Sprintf("C-%d", i), FromNode: prev, ToNode: id,
				Length: 500, BedSlope: 0.0005, ManningN: 0.025,
				BottomWidth: 3, SideSlope: 1.5,
			})
		}
		prev = id
	}
	return net
}

func BenchmarkNetworkSnapshot(b *testing.B) {
	for _, size := range []int{10, 50, 200} {
		b.Run(fmt.Sprintf("nodes_%d", size), func(b *testing.B) {
			net := chainNetwork(size)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				net.Snapshot()
			}
		})
	}
}

func BenchmarkDownstreamPath(b *testing.B) {
	for _, size := range []int{10, 50, 200} {
		b.Run(fmt.Sprintf("nodes_%d", size), func(b *testing.B) {
			net := chainNetwork(size)
			target := fmt.Sprintf("N-%d", size-1)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				net.DownstreamPath("RES", target)
			}
		})
	}
}
