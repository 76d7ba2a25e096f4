// Package config loads the command-line options and the credential file
// shared by both endpoints, the way lnd.go's loadConfig loads lnd.conf plus
// its TLS/macaroon paths, but scoped to what a tunnel endpoint needs.
package config

import (
	"time"

	flags "github.com/jessevdk/go-flags"
)

// Options are the flags of both the Submarine and the Periscope binaries.
// Neither cmd/ main declares flags of its own; the Submarine listen
// address is the fixed localhost:8742 constant in cmd/submarine.
type Options struct {
	CredsPath string `long:"creds" description:"path to the credential file (name,cert_path,macaroon_path,public_key,port per line)" default:"creds.txt"`

	Node string `long:"node" description:"name of the target peer's record in the credential file (used by Submarine)" required:"true"`

	ThrottleInterval time.Duration `long:"throttle" description:"fixed send cadence of the payment pacer" default:"50ms"`

	CoverTraffic bool `long:"cover" description:"emit dummy cover-traffic packets when the send queue is idle"`

	QueueDepth int `long:"queue-depth" description:"bound on the outbound throttle queue" default:"64"`

	LatencyLog string `long:"latency-log" description:"path the periodic dummy-packet latency CSV is appended to" default:"latencies.txt"`

	DenyList []string `long:"deny" description:"hostname substring refused at CONNECT time; repeatable, adds to the built-in list"`
}

// Parse parses os.Args into opts, following the same flags.NewParser(...,
// flags.Default) pattern cmd/lncli/main.go uses.
func Parse(opts *Options) error {
	parser := flags.NewParser(opts, flags.Default)
	_, err := parser.Parse()
	return err
}
