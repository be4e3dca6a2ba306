package mesh_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/pollmesh/pollmesh/internal/mesh"
)

// TestTwoCoordinatorsConverge runs two coordinators against one relay over a
// virtual network and expects them to negotiate a connected PeerConnection
// pair, then tear down when one side leaves.
func TestTwoCoordinatorsConverge(t *testing.T) {
	if testing.Short() {
		t.Skip("full webrtc handshake; skipped in -short")
	}

	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	ts := startRelay(t)

	type side struct {
		coord     *mesh.Coordinator
		connected chan struct{}
		removed   chan struct{}
	}
	newSide := func(userID, userName string, n *vnet.Net) *side {
		t.Helper()
		api, err := newVNetAPI(n)
		if err != nil {
			t.Fatalf("vnet api for %s: %v", userID, err)
		}
		s := &side{
			connected: make(chan struct{}),
			removed:   make(chan struct{}),
		}
		var once, onceRemoved sync.Once
		coord, err := mesh.NewCoordinator(mesh.Config{
			Client:       mesh.NewClient(ts.URL, nil),
			RoomID:       "room-vnet",
			UserID:       userID,
			UserName:     userName,
			API:          api,
			PollInterval: 50 * time.Millisecond,
			OnEvent: func(e mesh.Event) {
				switch e.Kind {
				case mesh.EventPeerConnected:
					once.Do(func() { close(s.connected) })
				case mesh.EventPeerRemoved:
					onceRemoved.Do(func() { close(s.removed) })
				}
			},
		})
		if err != nil {
			t.Fatalf("coordinator %s: %v", userID, err)
		}
		s.coord = coord
		return s
	}

	sideA := newSide("user-a", "Alice", netA)
	sideB := newSide("user-b", "Bob", netB)

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	runDone := make(chan error, 2)
	go func() { runDone <- sideA.coord.Run(ctxA) }()
	go func() { runDone <- sideB.coord.Run(ctxB) }()

	waitFor := func(ch chan struct{}, what string) {
		t.Helper()
		select {
		case <-ch:
		case <-time.After(30 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}
	waitFor(sideA.connected, "side A to connect")
	waitFor(sideB.connected, "side B to connect")

	snap := sideA.coord.Snapshot()
	if len(snap.Peers) != 1 || snap.Peers[0].UserID != "user-b" {
		t.Fatalf("side A snapshot = %+v", snap)
	}
	if !snap.Peers[0].Initiator {
		t.Errorf("user-a should be the initiator toward user-b")
	}

	// A leaving must tear down B's link on a subsequent poll.
	cancelA()
	waitFor(sideB.removed, "side B to drop the departed peer")

	cancelB()
	for i := 0; i < 2; i++ {
		if err := <-runDone; err != nil {
			t.Fatalf("run: %v", err)
		}
	}
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}
