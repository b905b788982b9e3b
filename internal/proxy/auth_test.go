package proxy

import (
	"net/http"
	"testing"
)

func TestCredentialMatches(t *testing.T) {
	tests := []struct {
		name   string
		header string
		token  string
		want   bool
	}{
		{name: "raw", header: "user:pass", token: "user:pass", want: true},
		{name: "basic", header: "Basic dXNlcjpwYXNz", token: "user:pass", want: true},
		{name: "basic_lowercase_scheme", header: "basic dXNlcjpwYXNz", token: "user:pass", want: true},
		{name: "basic_wrong", header: "Basic d3Jvbmc6cGFzcw==", token: "user:pass", want: false},
		{name: "raw_wrong", header: "user:wrong", token: "user:pass", want: false},
		{name: "prefix", header: "user:pas", token: "user:pass", want: false},
		{name: "basic_not_base64", header: "Basic !!!", token: "user:pass", want: false},
		{name: "empty", header: "", token: "user:pass", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := credentialMatches(tt.header, tt.token); got != tt.want {
				t.Fatalf("credentialMatches(%q, %q) = %v, want %v", tt.header, tt.token, got, tt.want)
			}
		})
	}
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Session")
	h.Set("X-Session", "abc")
	h.Set("Proxy-Connection", "keep-alive")
	h.Set("Proxy-Authorization", "user:pass")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Te", "trailers")
	h.Set("Upgrade", "websocket")
	h.Set("Accept", "*/*")
	h.Set("X-Forwarded-For", "10.0.0.1")

	removeHopByHopHeaders(h)

	for _, k := range []string{"Connection", "X-Session", "Proxy-Connection", "Proxy-Authorization", "Keep-Alive", "Te", "Upgrade"} {
		if _, ok := h[k]; ok {
			t.Errorf("expected %s to be removed", k)
		}
	}
	for _, k := range []string{"Accept", "X-Forwarded-For"} {
		if h.Get(k) == "" {
			t.Errorf("expected %s to be kept", k)
		}
	}
}
