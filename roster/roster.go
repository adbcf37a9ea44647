// Package roster loads the relay population the scanner measures. It
// is the thin edge of the ingestion subsystem: a JSON file with one
// record per relay, validated into relay.Relay values. Descriptor and
// consensus parsing happen upstream of this file.
package roster

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/overlaybw/bwscan/relay"
)

type rosterEntry struct {
	ID                  string `json:"id"`
	Nickname            string `json:"nickname"`
	Authority           bool   `json:"authority"`
	Exit                bool   `json:"exit"`
	DescriptorBandwidth int64  `json:"descriptor_bw"`
	AdvertisedBandwidth int64  `json:"advertised_bw"`
}

// Load reads and validates a roster file.
func Load(fsys afero.Fs, path string) ([]*relay.Relay, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("reading roster: %w", err)
	}

	var entries []rosterEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing roster %s: %w", path, err)
	}

	seen := map[string]bool{}
	relays := make([]*relay.Relay, 0, len(entries))

	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("roster entry %d: missing id", i)
		}
		// identities compare case-insensitively everywhere else, so
		// duplicates do too
		key := strings.ToLower(e.ID)
		if seen[key] {
			return nil, fmt.Errorf("roster entry %d: duplicate id %s", i, e.ID)
		}
		seen[key] = true

		if e.DescriptorBandwidth < 0 || e.AdvertisedBandwidth < 0 {
			return nil, fmt.Errorf("roster entry %d (%s): negative bandwidth", i, e.ID)
		}

		relays = append(relays, &relay.Relay{
			ID:                  e.ID,
			Nickname:            e.Nickname,
			IsAuthority:         e.Authority,
			IsExit:              e.Exit,
			DescriptorBandwidth: e.DescriptorBandwidth,
			AdvertisedBandwidth: e.AdvertisedBandwidth,
		})
	}

	return relays, nil
}
