package externalrouter

import (
	"time"

	"github.com/schollz/peerdiscovery"
	"github.com/sirupsen/logrus"
)

// DiscoveryPayload is broadcast on the multicast discovery interface
// spec.md §4.7 allows as an alternative to a configured TCP address; peers
// exchange it to find each other's external-router listening port without
// static configuration.
type DiscoveryPayload struct {
	NodeID string
	Port   string
}

// Discover runs one multicast discovery round for timeLimit and reports
// every other external-router listener it saw. It is a one-shot call, not
// a long-running service. cmd/bpagentd does not call it: its multicast
// option starts a MulticastBroadcaster instead.
func Discover(nodeID, port, multicastAddress string, timeLimit time.Duration, log logrus.FieldLogger) ([]DiscoveryPayload, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	settings := peerdiscovery.Settings{
		Limit:            -1,
		Payload:          []byte(nodeID + "|" + port),
		Delay:            200 * time.Millisecond,
		TimeLimit:        timeLimit,
		MulticastAddress: multicastAddress,
	}

	discovered, err := peerdiscovery.Discover(settings)
	if err != nil {
		return nil, err
	}

	out := make([]DiscoveryPayload, 0, len(discovered))
	for _, d := range discovered {
		payload, ok := splitDiscoveryPayload(string(d.Payload))
		if !ok {
			log.WithField("address", d.Address).Debug("ignoring peer with malformed discovery payload")
			continue
		}
		out = append(out, payload)
	}
	return out, nil
}

func splitDiscoveryPayload(raw string) (DiscoveryPayload, bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '|' {
			return DiscoveryPayload{NodeID: raw[:i], Port: raw[i+1:]}, true
		}
	}
	return DiscoveryPayload{}, false
}
