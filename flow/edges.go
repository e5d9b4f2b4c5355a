package flow

import (
	"github.com/ddr4869/flowsim/common/types"
	"github.com/ddr4869/flowsim/network"
)

// Planner computes which nodes exchange messages in each phase. The edges are
// descriptive output for the diagram and never touch ledger state.
type Planner struct {
	Topology      *network.Topology
	ShowChaincode bool
	ShowLedger    bool
}

// NewPlanner creates a planner over the given topology
func NewPlanner(topology *network.Topology, showChaincode, showLedger bool) *Planner {
	if topology == nil {
		topology = network.Default()
	}
	return &Planner{
		Topology:      topology,
		ShowChaincode: showChaincode,
		ShowLedger:    showLedger,
	}
}

// ChaincodeNode is the diagram node of a peer's chaincode container
func ChaincodeNode(peer string) string { return peer + "-chaincode" }

// LedgerNode is the diagram node of a peer's ledger copy
func LedgerNode(peer string) string { return peer + "-ledger" }

// Edges returns the directed edges active during phase for tx
func (p *Planner) Edges(phase types.Phase, tx types.Transaction) []types.Edge {
	var edges []types.Edge

	switch phase {
	case types.PhaseProposal:
		for _, peer := range p.Topology.PeersOf(tx.Sender) {
			edges = append(edges, types.Edge{From: tx.Sender, To: peer, Label: "proposal"})
		}

	case types.PhaseEndorsement:
		for _, peer := range p.Topology.PeersOf(tx.Sender) {
			if p.ShowChaincode {
				edges = append(edges, types.Edge{From: peer, To: ChaincodeNode(peer), Label: "simulate"})
			}
			edges = append(edges, types.Edge{From: peer, To: tx.Sender, Label: "endorsement"})
		}

	case types.PhaseOrdering:
		edges = append(edges, types.Edge{From: tx.Sender, To: p.Topology.OrdererName(), Label: "submit"})

	case types.PhaseDistribution:
		orderer := p.Topology.OrdererName()
		for _, peer := range p.deliveryPeers(tx) {
			edges = append(edges, types.Edge{From: orderer, To: peer, Label: "deliver"})
		}

	case types.PhaseCommit:
		if p.ShowLedger {
			for _, peer := range p.deliveryPeers(tx) {
				edges = append(edges, types.Edge{From: peer, To: LedgerNode(peer), Label: "commit"})
			}
		}

	case types.PhaseCompleted:
		edges = append(edges, types.Edge{From: tx.Sender, To: tx.Receiver, Label: "complete"})
	}

	return edges
}

// deliveryPeers lists the peers of sender then receiver, without repeats
func (p *Planner) deliveryPeers(tx types.Transaction) []string {
	seen := make(map[string]bool)
	var peers []string
	for _, org := range []string{tx.Sender, tx.Receiver} {
		for _, peer := range p.Topology.PeersOf(org) {
			if seen[peer] {
				continue
			}
			seen[peer] = true
			peers = append(peers, peer)
		}
	}
	return peers
}
