package endpoint

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadConnectRequestParsesTarget(t *testing.T) {
	raw := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\nProxy-Connection: Keep-Alive\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	target, err := readConnectRequest(r)
	if err != nil {
		t.Fatalf("readConnectRequest() error = %v", err)
	}
	if target != "example.com:443" {
		t.Fatalf("target = %q, want %q", target, "example.com:443")
	}
}

func TestReadConnectRequestRejectsOtherMethods(t *testing.T) {
	raw := "GET / HTTP/1.1\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	if _, err := readConnectRequest(r); err == nil {
		t.Fatal("readConnectRequest() accepted a non-CONNECT request")
	}
}

func TestReadConnectRequestErrorsOnTruncatedHeaders(t *testing.T) {
	raw := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com"
	r := bufio.NewReader(strings.NewReader(raw))

	if _, err := readConnectRequest(r); err == nil {
		t.Fatal("readConnectRequest() accepted headers with no terminating blank line")
	}
}

func TestMatchDenyList(t *testing.T) {
	denyList := []string{"mozilla", "telemetry"}

	cases := []struct {
		host string
		want bool
	}{
		{"www.mozilla.org", true},
		{"TELEMETRY.example.com", true},
		{"incoming.telemetry.mozilla.org", true},
		{"example.com", false},
	}

	for _, c := range cases {
		if got := matchDenyList(c.host, denyList); got != c.want {
			t.Errorf("matchDenyList(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}
