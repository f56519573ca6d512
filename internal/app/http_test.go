package app

import (
	"net/http"
	"reflect"
	"testing"
	"time"
)

func TestNewOutgoingHTTPClient_Config(t *testing.T) {
	c := newOutgoingHTTPClient(OutgoingConfig{VerifySSL: true})
	if c.Timeout != 10*time.Second {
		t.Fatalf("expected default timeout 10s, got %v", c.Timeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected http.Transport")
	}
	if tr.MaxIdleConnsPerHost < 100 {
		t.Fatalf("expected large MaxIdleConnsPerHost, got %d", tr.MaxIdleConnsPerHost)
	}
	if reflect.ValueOf(http.DefaultTransport).Pointer() == reflect.ValueOf(tr).Pointer() {
		t.Fatalf("transport should not be default")
	}
	if tr.TLSClientConfig != nil && tr.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("expected certificate verification to be on")
	}
}

func TestNewOutgoingHTTPClient_SkipVerify(t *testing.T) {
	c := newOutgoingHTTPClient(OutgoingConfig{VerifySSL: false, Timeout: 3 * time.Second})
	tr := c.Transport.(*http.Transport)
	if tr.TLSClientConfig == nil || !tr.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("expected InsecureSkipVerify when verify is off")
	}
	if c.Timeout != 3*time.Second {
		t.Fatalf("timeout=%v, want 3s", c.Timeout)
	}
}
