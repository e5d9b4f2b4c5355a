package network

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultOrdererName = "orderer"

// Topology describes the organizations of the simulated network
type Topology struct {
	Organizations []Organization `yaml:"Organizations"`
	Orderer       Orderer        `yaml:"Orderer"`

	index map[string]int
}

// Organization is one participant and its endorsing peers
type Organization struct {
	Name        string       `yaml:"Name"`
	ID          string       `yaml:"ID"`
	Peers       []string     `yaml:"Peers"`
	AnchorPeers []AnchorPeer `yaml:"AnchorPeers,omitempty"`
}

// AnchorPeer represents an anchor peer configuration
type AnchorPeer struct {
	Host string `yaml:"Host"`
	Port int    `yaml:"Port"`
}

// Orderer is the ordering service node
type Orderer struct {
	Name        string `yaml:"Name"`
	OrdererType string `yaml:"OrdererType"`
}

// Default returns a two-organization network with two peers each
func Default() *Topology {
	t := &Topology{
		Organizations: []Organization{
			{Name: "org1", ID: "Org1MSP", Peers: []string{"org1-peer0", "org1-peer1"}},
			{Name: "org2", ID: "Org2MSP", Peers: []string{"org2-peer0", "org2-peer1"}},
		},
		Orderer: Orderer{Name: DefaultOrdererName, OrdererType: "solo"},
	}
	t.buildIndex()
	return t
}

// Load parses a topology file
func Load(filePath string) (*Topology, error) {
	if filePath == "" {
		return nil, errors.New("file path cannot be empty")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read topology file %s", filePath)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML topology
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "failed to parse topology YAML")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.buildIndex()
	return &t, nil
}

// Validate rejects duplicate organizations and blank names
func (t *Topology) Validate() error {
	seen := make(map[string]bool, len(t.Organizations))
	for i, org := range t.Organizations {
		name := strings.TrimSpace(org.Name)
		if name == "" {
			return errors.Errorf("organization %d has no name", i)
		}
		if seen[name] {
			return errors.Errorf("duplicate organization %s", name)
		}
		seen[name] = true
		for j, p := range org.Peers {
			if strings.TrimSpace(p) == "" {
				return errors.Errorf("organization %s: peer %d has no name", name, j)
			}
		}
	}
	return nil
}

func (t *Topology) buildIndex() {
	t.index = make(map[string]int, len(t.Organizations))
	for i, org := range t.Organizations {
		t.index[org.Name] = i
	}
}

// PeersOf returns the peers of an organization. Organizations the topology
// does not know get a single synthesized peer so every flow has endpoints.
func (t *Topology) PeersOf(org string) []string {
	if t != nil {
		if t.index == nil {
			t.buildIndex()
		}
		if i, ok := t.index[org]; ok && len(t.Organizations[i].Peers) > 0 {
			return append([]string(nil), t.Organizations[i].Peers...)
		}
	}
	return []string{org + "-peer0"}
}

// OrdererName returns the node id of the ordering service
func (t *Topology) OrdererName() string {
	if t == nil || t.Orderer.Name == "" {
		return DefaultOrdererName
	}
	return t.Orderer.Name
}

// OrganizationNames lists the configured organizations in file order
func (t *Topology) OrganizationNames() []string {
	names := make([]string, 0, len(t.Organizations))
	for _, org := range t.Organizations {
		names = append(names, org.Name)
	}
	return names
}

// GetAnchorPeerOrganizations returns organizations that declare anchor peers
func (t *Topology) GetAnchorPeerOrganizations() []Organization {
	var orgs []Organization
	for _, org := range t.Organizations {
		if len(org.AnchorPeers) > 0 {
			orgs = append(orgs, org)
		}
	}
	return orgs
}
