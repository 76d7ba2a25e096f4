package endpoint

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/go-errors/errors"
)

// ErrHostnameDenied is the reject reason surfaced to the log when a
// CONNECT target matches the deny list (submarine.py's LIMIT_LIST raised
// with the offending hostname).
var ErrHostnameDenied = errors.New("endpoint: hostname denied")

// readConnectRequest reads an HTTP CONNECT request line and its headers
// (terminated by a blank line) off r, returning the "host:port" target
// from the request line (spec §6). Headers are read and discarded — this
// tunnel only needs the CONNECT target, not any header value.
func readConnectRequest(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}

	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "CONNECT" {
		return "", fmt.Errorf("endpoint: not a CONNECT request: %q", strings.TrimSpace(line))
	}
	target := fields[1]

	for {
		h, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if strings.TrimRight(h, "\r\n") == "" {
			break
		}
	}

	return target, nil
}

// matchDenyList reports whether host contains any deny-list substring,
// case-insensitively (spec §6: "hostname substrings").
func matchDenyList(host string, denyList []string) bool {
	lower := strings.ToLower(host)
	for _, entry := range denyList {
		if strings.Contains(lower, strings.ToLower(entry)) {
			return true
		}
	}
	return false
}
