package frps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminFromServer(t *testing.T, srv *httptest.Server) *AdminClient {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewAdminClient(u.Hostname(), port, "admin", "pass")
}

func TestServerInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "pass", pass)
		assert.Equal(t, "/api/serverinfo", r.URL.Path)
		w.Write([]byte(`{"version":"0.53.2","bindPort":7000,"curConns":3,"clientCounts":2,"proxyTypeCount":{"tcp":2}}`))
	}))
	defer srv.Close()

	info, err := adminFromServer(t, srv).ServerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.53.2", info.Version)
	assert.Equal(t, int64(3), info.CurConns)
	assert.Equal(t, int64(2), info.ClientCounts)
	assert.Equal(t, 2, info.ProxyTypeCounts["tcp"])
}

func TestTCPProxies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/proxy/tcp", r.URL.Path)
		w.Write([]byte(`{"proxies":[
			{"name":"ff-1-mine","status":"online","curConns":1,"todayTrafficIn":1024,"todayTrafficOut":2048,"conf":{"remotePort":10000}},
			{"name":"ff-2-terr","status":"offline","conf":{"remotePort":10001}}
		]}`))
	}))
	defer srv.Close()

	proxies, err := adminFromServer(t, srv).TCPProxies(context.Background())
	require.NoError(t, err)
	require.Len(t, proxies, 2)
	assert.Equal(t, "ff-1-mine", proxies[0].Name)
	assert.Equal(t, "online", proxies[0].Status)
	assert.Equal(t, int64(1024), proxies[0].TodayTrafficIn)
	assert.Equal(t, 10000, proxies[0].Conf.RemotePort)
	assert.Equal(t, "offline", proxies[1].Status)
}

func TestTraffic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/traffic/ff-1-mine", r.URL.Path)
		w.Write([]byte(`{"name":"ff-1-mine","trafficIn":[4096,0,128],"trafficOut":[8192,0,0]}`))
	}))
	defer srv.Close()

	tr, err := adminFromServer(t, srv).Traffic(context.Background(), "ff-1-mine")
	require.NoError(t, err)
	assert.Equal(t, "ff-1-mine", tr.Name)
	require.Len(t, tr.TrafficIn, 3)
	assert.Equal(t, int64(4096), tr.TrafficIn[0])
	assert.Equal(t, int64(8192), tr.TrafficOut[0])
}

func TestAdminErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := adminFromServer(t, srv).ServerInfo(context.Background())
	assert.ErrorContains(t, err, "401")
}
