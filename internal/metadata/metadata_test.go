package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "netgauge/pkg/logx"
)

func TestFetchObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "netgauge-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"clientIp":"203.0.113.7","asn":64500,"colo":"AMS"}`))
	}))
	defer srv.Close()

	f := New(Config{URL: srv.URL, UserAgent: "netgauge-test"}, logx.Nop())
	m := f.Fetch(context.Background())
	require.Equal(t, "203.0.113.7", m["clientIp"])
	require.Equal(t, float64(64500), m["asn"])
}

func TestFetchFailuresYieldEmptyMap(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		"array":  func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`[1,2]`)) },
		"broken": func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"a":`)) },
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			var failures int
			f := New(Config{URL: srv.URL}, logx.Nop())
			f.OnFailure = func(error) { failures++ }
			m := f.Fetch(context.Background())
			require.NotNil(t, m)
			require.Empty(t, m)
			require.Equal(t, 1, failures)
		})
	}
}

func TestFetchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := New(Config{URL: url, Timeout: time.Second}, logx.Nop()).Fetch(context.Background())
	require.Empty(t, m)
}

func TestPendingIsNonBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"city":"Lisbon"}`))
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL}, logx.Nop()).Start(context.Background())
	m, ok := p.Value()
	require.False(t, ok)
	require.Empty(t, m)

	close(release)
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not resolve")
	}
	m, ok = p.Value()
	require.True(t, ok)
	require.Equal(t, "Lisbon", m["city"])

	// Copies are independent.
	m["city"] = "Porto"
	again, _ := p.Value()
	require.Equal(t, "Lisbon", again["city"])
}

func TestNilPending(t *testing.T) {
	var p *Pending
	m, ok := p.Value()
	require.False(t, ok)
	require.Empty(t, m)
}
