// discovery.go — Well-known endpoint probing and candidate ranking.
// Candidates are probed with a plain HTTP GET so no WebSocket is opened until
// a live, healthy front-end has been chosen. When several answer, the newest
// serverStartedAtMs wins; stale instances are never connected to.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// WellKnownPath is the read-only discovery endpoint served by every bridge
// instance and by the extension front-end.
const WellKnownPath = "/.well-known/automation-bridge"

// Discovery probe bounds. Probes per cycle are capped so an empty port range
// fails quietly instead of scanning forever.
const (
	maxProbesPerCycle   = 8
	defaultProbeTimeout = 250 * time.Millisecond
)

// Announcement is the discovery document: enough to rank candidates by
// freshness without opening a full connection.
type Announcement struct {
	Type               string `json:"type"`
	ProtocolVersion    string `json:"protocolVersion"`
	ServerStartedAtMs  int64  `json:"serverStartedAtMs"`
	EndpointPort       int    `json:"endpointPort"`
	PID                int    `json:"pid,omitempty"`
	ExtensionConnected bool   `json:"extensionConnected,omitempty"`
	PeerCount          int    `json:"peerCount,omitempty"`
}

// AnnouncementType is the expected discriminator in discovery documents.
const AnnouncementType = "automationBridge"

// Candidate is one ranked discovery result.
type Candidate struct {
	Host string
	Port int
	Ann  Announcement
}

// CandidatePorts expands a base port and span into the bounded probe set.
func CandidatePorts(base, span int) []int {
	if base < 1 || base > 65535 {
		return nil
	}
	if span < 0 {
		span = 0
	}
	if span > maxProbesPerCycle-1 {
		span = maxProbesPerCycle - 1
	}
	ports := make([]int, 0, span+1)
	for p := base; p <= base+span && p <= 65535; p++ {
		ports = append(ports, p)
	}
	return ports
}

// Probe fetches and validates the discovery document at host:port.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) (*Announcement, error) {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d%s", host, port, WellKnownPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if err != nil {
		return nil, err
	}
	var ann Announcement
	if err := json.Unmarshal(body, &ann); err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	if ann.Type != AnnouncementType {
		return nil, fmt.Errorf("probe %s: not a bridge endpoint", url)
	}
	if ann.EndpointPort == 0 {
		ann.EndpointPort = port
	}
	return &ann, nil
}

// DiscoverBest probes all candidate ports in parallel and returns the
// freshest live endpoint whose protocol version matches. Returns nil when
// nothing answered.
func DiscoverBest(ctx context.Context, host string, ports []int, protocolVersion string, timeout time.Duration) *Candidate {
	if len(ports) > maxProbesPerCycle {
		ports = ports[:maxProbesPerCycle]
	}

	var mu sync.Mutex
	var found []Candidate
	var wg sync.WaitGroup
	for _, port := range ports {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			ann, err := Probe(ctx, host, p, timeout)
			if err != nil || ann == nil {
				return
			}
			if ann.ProtocolVersion != "" && ann.ProtocolVersion != protocolVersion {
				return
			}
			mu.Lock()
			found = append(found, Candidate{Host: host, Port: ann.EndpointPort, Ann: *ann})
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	if len(found) == 0 {
		return nil
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].Ann.ServerStartedAtMs > found[j].Ann.ServerStartedAtMs
	})
	best := found[0]
	return &best
}
