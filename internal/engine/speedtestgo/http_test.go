package speedtestgo

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type withSetter struct{ got *http.Client }

func (w *withSetter) SetHTTPClient(c *http.Client) { w.got = c }

type withField struct{ Client *http.Client }

type withValueField struct{ HTTPClient http.Client }

func TestApplyHTTPClient(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}

	s := &withSetter{}
	require.True(t, applyHTTPClient(s, hc))
	require.Same(t, hc, s.got)

	f := &withField{}
	require.True(t, applyHTTPClient(f, hc))
	require.Same(t, hc, f.Client)

	vf := &withValueField{}
	require.True(t, applyHTTPClient(vf, hc))
	require.Equal(t, time.Second, vf.HTTPClient.Timeout)

	require.False(t, applyHTTPClient(struct{}{}, hc))
	require.False(t, applyHTTPClient(nil, hc))
}

func TestNewHTTPClientKeepAlives(t *testing.T) {
	_, tr := newHTTPClient(Config{MaxConnections: 8})
	require.Equal(t, 8, tr.MaxIdleConnsPerHost)
	require.False(t, tr.DisableKeepAlives)

	_, tr = newHTTPClient(Config{DisableKeepAlives: true})
	require.True(t, tr.DisableKeepAlives)
	require.Zero(t, tr.MaxIdleConns)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	require.Equal(t, 5, c.ServerCount)
	require.Equal(t, 4, c.PingConcurrency)
	require.Equal(t, 4, c.MaxConnections)
	require.Equal(t, 4*time.Second, c.TransferTimeout)
	require.Equal(t, 10*time.Second, c.DiscoveryTimeout)
}
