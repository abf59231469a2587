package speedtestgo

import (
	"net"
	"net/http"
	"reflect"
	"time"
)

// newHTTPClient builds a dedicated transport per run so its connections can
// be closed as soon as the run ends.
func newHTTPClient(cfg Config) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if cfg.TransferTimeout > 0 && cfg.TransferTimeout < dialTimeout {
		dialTimeout = cfg.TransferTimeout
	}
	if dialTimeout < 2*time.Second {
		dialTimeout = 2 * time.Second
	}

	perHost := cfg.MaxConnections
	if perHost < 2 {
		perHost = 2
	}

	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     true,
	}
	if cfg.DisableKeepAlives {
		tr.MaxIdleConns = 0
		tr.MaxIdleConnsPerHost = 0
		tr.IdleConnTimeout = 2 * time.Second
	}
	return &http.Client{Transport: tr}, tr
}

// applyHTTPClient installs hc on the speedtest client. speedtest-go has
// changed how the client is exposed across versions, so try setters first
// and fall back to an exported field.
func applyHTTPClient(stc any, hc *http.Client) bool {
	if stc == nil || hc == nil {
		return false
	}

	if s, ok := stc.(interface{ SetHTTPClient(*http.Client) }); ok {
		s.SetHTTPClient(hc)
		return true
	}
	if s, ok := stc.(interface{ SetClient(*http.Client) }); ok {
		s.SetClient(hc)
		return true
	}

	v := reflect.ValueOf(stc)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return false
	}
	e := v.Elem()
	if !e.IsValid() || e.Kind() != reflect.Struct {
		return false
	}
	for _, name := range []string{"HTTPClient", "HttpClient", "Client"} {
		f := e.FieldByName(name)
		if !f.IsValid() || !f.CanSet() {
			continue
		}
		if f.Type().AssignableTo(reflect.TypeOf((*http.Client)(nil))) {
			f.Set(reflect.ValueOf(hc))
			return true
		}
		if f.Type() == reflect.TypeOf(http.Client{}) {
			f.Set(reflect.ValueOf(*hc))
			return true
		}
	}
	return false
}
