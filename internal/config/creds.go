package config

import (
	"encoding/csv"
	"fmt"
	"os"
)

// Node is one parsed record from the credential file described in spec §6:
// name,cert_path,macaroon_path,public_key,port.
type Node struct {
	Name         string
	CertPath     string
	MacaroonPath string
	PubKey       string
	Port         string
}

// LoadCredentials parses the comma-separated credential file into a
// name-keyed map. encoding/csv is the standard library's direct equivalent
// of the Python original's csv.reader pass over the same file; no
// third-party CSV reader appears anywhere in the retrieved pack, so this
// one stays on the standard library (see SPEC_FULL.md's Open Questions).
func LoadCredentials(path string) (map[string]Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open credential file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 5
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("unable to parse credential file: %w", err)
	}

	nodes := make(map[string]Node, len(records))
	for _, rec := range records {
		nodes[rec[0]] = Node{
			Name:         rec[0],
			CertPath:     rec[1],
			MacaroonPath: rec[2],
			PubKey:       rec[3],
			Port:         rec[4],
		}
	}

	return nodes, nil
}
