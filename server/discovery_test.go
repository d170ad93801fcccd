package server

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"
)

func TestMergeBeacon_DedupesByHostAndPort(t *testing.T) {
	found := make(map[string]LobbyBeacon)
	mergeBeacon(found, LobbyBeacon{HostName: "old", HostIP: "192.168.1.5", Port: 35555, Timestamp: 100})
	mergeBeacon(found, LobbyBeacon{HostName: "new", HostIP: "192.168.1.5", Port: 35555, Timestamp: 200})
	mergeBeacon(found, LobbyBeacon{HostName: "stale", HostIP: "192.168.1.5", Port: 35555, Timestamp: 150})

	if len(found) != 1 {
		t.Fatalf("entries = %d, want 1", len(found))
	}
	got := found["192.168.1.5:35555"]
	if got.HostName != "new" || got.Timestamp != 200 {
		t.Errorf("kept %+v, want the most recent beacon", got)
	}
}

func TestMergeBeacon_DifferentPortsAreDistinct(t *testing.T) {
	found := make(map[string]LobbyBeacon)
	mergeBeacon(found, LobbyBeacon{HostIP: "192.168.1.5", Port: 35555, Timestamp: 1})
	mergeBeacon(found, LobbyBeacon{HostIP: "192.168.1.5", Port: 40001, Timestamp: 1})
	if len(found) != 2 {
		t.Errorf("entries = %d, want 2 (same host, different ports)", len(found))
	}
}

func TestSortBeacons_StableOrder(t *testing.T) {
	found := map[string]LobbyBeacon{
		"b": {HostIP: "192.168.1.9", Port: 35555},
		"a": {HostIP: "192.168.1.2", Port: 40000},
		"c": {HostIP: "192.168.1.2", Port: 35555},
	}
	out := sortBeacons(found)
	if out[0].HostIP != "192.168.1.2" || out[0].Port != 35555 {
		t.Errorf("first = %+v", out[0])
	}
	if out[1].HostIP != "192.168.1.2" || out[1].Port != 40000 {
		t.Errorf("second = %+v", out[1])
	}
	if out[2].HostIP != "192.168.1.9" {
		t.Errorf("third = %+v", out[2])
	}
}

func TestBeaconTargets_IncludesGlobalBroadcast(t *testing.T) {
	targets := beaconTargets(DefaultDiscoveryPort)
	if len(targets) == 0 {
		t.Fatal("no beacon targets")
	}
	if !targets[0].IP.Equal([]byte{255, 255, 255, 255}) {
		t.Errorf("first target = %v, want 255.255.255.255", targets[0].IP)
	}
	for _, a := range targets {
		if a.Port != DefaultDiscoveryPort {
			t.Errorf("target %v has port %d, want %d", a.IP, a.Port, DefaultDiscoveryPort)
		}
	}
}

func TestLobbyBeaconRoundTrip(t *testing.T) {
	orig := LobbyBeacon{
		HostName:    "den's lobby",
		HostIP:      "192.168.1.10",
		Port:        35555,
		PlayerCount: 2,
		MaxPlayers:  4,
		Timestamp:   1700000000000,
	}
	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got LobbyBeacon
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != orig {
		t.Errorf("round trip: got %+v, want %+v", got, orig)
	}
}

func TestProbeSubnet_FindsListeningHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	got := ProbeSubnet([]string{"127.0.0.1"}, port)
	want := []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("reachable = %v, want %v", got, want)
	}
}

func TestProbeSubnet_SkipsClosedPort(t *testing.T) {
	// 先占用再释放一个端口，探测时它大概率无人监听
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if got := ProbeSubnet([]string{"127.0.0.1"}, port); len(got) != 0 {
		t.Errorf("reachable = %v, want none", got)
	}
}
