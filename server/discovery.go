package server

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultGamePort 游戏端口（TCP/WebSocket）
	DefaultGamePort = 35555
	// DefaultDiscoveryPort 发现广播端口（UDP）
	DefaultDiscoveryPort = 35556
	// BeaconInterval 主机广播周期
	BeaconInterval = 2 * time.Second
	// DefaultSearchWindow 客户端搜索窗口
	DefaultSearchWindow = 3 * time.Second

	maxBeaconSize = 4096
)

// LobbyBeacon 发现数据报内容：可加入大厅的摘要
type LobbyBeacon struct {
	HostName    string `json:"hostName"`
	HostIP      string `json:"hostIp"`
	Port        int    `json:"port"`
	PlayerCount int    `json:"playerCount"`
	MaxPlayers  int    `json:"maxPlayers"`
	Timestamp   int64  `json:"timestamp"`
}

// Beacon 主机侧的周期广播器
type Beacon struct {
	conn     *net.UDPConn
	info     func() LobbyBeacon // 每次广播前取一份大厅摘要
	interval time.Duration
	port     int
	metrics  *Metrics

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// StartBeacon 启动广播：每个周期向全网广播地址与各网卡子网广播地址各发一份
func StartBeacon(info func() LobbyBeacon, discoveryPort int, m *Metrics) (*Beacon, error) {
	laddr, err := net.ResolveUDPAddr("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("beacon: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("beacon: open socket: %w", err)
	}
	b := &Beacon{
		conn:     conn,
		info:     info,
		interval: BeaconInterval,
		port:     discoveryPort,
		metrics:  m,
		stop:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b, nil
}

// Stop 幂等停止广播并释放套接字
func (b *Beacon) Stop() {
	b.closeOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()
		_ = b.conn.Close()
	})
}

func (b *Beacon) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.emit()
		}
	}
}

func (b *Beacon) emit() {
	beacon := b.info()
	beacon.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(beacon)
	if err != nil {
		Log.Errorf("beacon: marshal: %v", err)
		return
	}
	for _, addr := range beaconTargets(b.port) {
		_, _ = b.conn.WriteToUDP(data, addr)
	}
	if b.metrics != nil {
		b.metrics.IncBeacons()
	}
}

// beaconTargets 全网广播地址加上每块在用网卡的子网广播地址，
// 防御部分路由器吞掉 255.255.255.255
func beaconTargets(port int) []*net.UDPAddr {
	targets := []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}
	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			bcast := make(net.IP, 4)
			for i := 0; i < 4; i++ {
				bcast[i] = ip[i] | ^ipNet.Mask[i]
			}
			targets = append(targets, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	return targets
}

// Discover 在固定搜索窗口内收听发现端口，按 (主机IP, 端口) 去重，
// 同一大厅保留最新一条，窗口结束后返回结果
func Discover(discoveryPort int, window time.Duration) ([]LobbyBeacon, error) {
	if window <= 0 {
		window = DefaultSearchWindow
	}
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: discoveryPort}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("discover: bind port %d: %w", discoveryPort, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(window)
	found := make(map[string]LobbyBeacon)
	buf := make([]byte, maxBeaconSize)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			continue
		}
		var beacon LobbyBeacon
		if err := json.Unmarshal(buf[:n], &beacon); err != nil {
			Log.Debugf("discover: bad beacon from %s: %v", raddr, err)
			continue
		}
		if beacon.HostIP == "" {
			beacon.HostIP = raddr.IP.String()
		}
		mergeBeacon(found, beacon)
	}
	return sortBeacons(found), nil
}

// mergeBeacon 以 (主机IP, 端口) 为键，保留时间戳更新的一条
func mergeBeacon(found map[string]LobbyBeacon, b LobbyBeacon) {
	key := fmt.Sprintf("%s:%d", b.HostIP, b.Port)
	if prev, ok := found[key]; ok && prev.Timestamp >= b.Timestamp {
		return
	}
	found[key] = b
}

func sortBeacons(found map[string]LobbyBeacon) []LobbyBeacon {
	out := make([]LobbyBeacon, 0, len(found))
	for _, b := range found {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HostIP != out[j].HostIP {
			return out[i].HostIP < out[j].HostIP
		}
		return out[i].Port < out[j].Port
	})
	return out
}

const (
	probeTimeout     = 500 * time.Millisecond
	probeConcurrency = 16
)

// ProbeSubnet 主动探测回退路径：逐个目标限时拨号，返回可连通的地址。
// 仅作为手动兜底，广播发现才是首选机制。
func ProbeSubnet(targets []string, gamePort int) []string {
	sem := make(chan struct{}, probeConcurrency)
	var mu sync.Mutex
	var reachable []string
	var wg sync.WaitGroup
	for _, host := range targets {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			addr := net.JoinHostPort(host, fmt.Sprintf("%d", gamePort))
			conn, err := net.DialTimeout("tcp", addr, probeTimeout)
			if err != nil {
				return
			}
			_ = conn.Close()
			mu.Lock()
			reachable = append(reachable, addr)
			mu.Unlock()
		}(host)
	}
	wg.Wait()
	sort.Strings(reachable)
	return reachable
}

// LocalIPv4 返回首块在用非回环网卡的 IPv4 地址，找不到时返回空串
func LocalIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				if ip := ipNet.IP.To4(); ip != nil {
					return ip.String()
				}
			}
		}
	}
	return ""
}
