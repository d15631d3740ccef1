package frps

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

const adminTimeout = 2 * time.Second

// AdminClient talks to the frps admin HTTP API with Basic auth. All calls
// carry a short per-call deadline; the admin endpoint is local and either
// answers immediately or is down.
type AdminClient struct {
	base string
	user string
	pass string
	http *http.Client
}

// NewAdminClient builds a client for the admin endpoint at addr:port.
func NewAdminClient(addr string, port int, user, pass string) *AdminClient {
	return &AdminClient{
		base: "http://" + net.JoinHostPort(addr, strconv.Itoa(port)),
		user: user,
		pass: pass,
		http: &http.Client{Timeout: adminTimeout},
	}
}

// ServerInfo is the summary frps reports at /api/serverinfo.
type ServerInfo struct {
	Version         string         `json:"version"`
	BindPort        int            `json:"bindPort"`
	CurConns        int64          `json:"curConns"`
	ClientCounts    int64          `json:"clientCounts"`
	ProxyTypeCounts map[string]int `json:"proxyTypeCount"`
	TotalTrafficIn  int64          `json:"totalTrafficIn"`
	TotalTrafficOut int64          `json:"totalTrafficOut"`
}

// ProxyStatus is one entry from /api/proxy/tcp.
type ProxyStatus struct {
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	CurConns        int64     `json:"curConns"`
	TodayTrafficIn  int64     `json:"todayTrafficIn"`
	TodayTrafficOut int64     `json:"todayTrafficOut"`
	Conf            ProxyConf `json:"conf"`
}

// ProxyConf carries the proxy settings frps echoes back; only the remote
// port matters here.
type ProxyConf struct {
	RemotePort int `json:"remotePort"`
}

// ServerInfo fetches the daemon summary. It doubles as the readiness probe.
func (c *AdminClient) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var out ServerInfo
	if err := c.get(ctx, "/api/serverinfo", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TCPProxies lists every TCP proxy the daemon knows about, online or not.
func (c *AdminClient) TCPProxies(ctx context.Context) ([]ProxyStatus, error) {
	var out struct {
		Proxies []ProxyStatus `json:"proxies"`
	}
	if err := c.get(ctx, "/api/proxy/tcp", &out); err != nil {
		return nil, err
	}
	return out.Proxies, nil
}

// TCPProxy fetches one proxy by name.
func (c *AdminClient) TCPProxy(ctx context.Context, name string) (*ProxyStatus, error) {
	var out ProxyStatus
	if err := c.get(ctx, "/api/proxy/tcp/"+name, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProxyTraffic is the per-day byte history frps keeps for one proxy, most
// recent day first.
type ProxyTraffic struct {
	Name       string  `json:"name"`
	TrafficIn  []int64 `json:"trafficIn"`
	TrafficOut []int64 `json:"trafficOut"`
}

// Traffic fetches the daily traffic history for one proxy.
func (c *AdminClient) Traffic(ctx context.Context, name string) (*ProxyTraffic, error) {
	var out ProxyTraffic
	if err := c.get(ctx, "/api/traffic/"+name, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AdminClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("frps admin: build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("frps admin: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("frps admin: %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("frps admin: decode %s: %w", path, err)
	}
	return nil
}
