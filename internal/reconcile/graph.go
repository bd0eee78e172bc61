package reconcile

import (
	"sandboxsweep.io/internal/checkpoint"
	"sandboxsweep.io/internal/sector"
)

// Graph holds the three reference sets a pass decides liveness from.
type Graph struct {
	AllIdentities   *IDSet
	CubeBlockOwners *IDSet
	FactionMembers  *IDSet
}

// BuildGraph reads the reference sets from the current state of both documents. It does not
// mutate either of them.
func BuildGraph(cp *checkpoint.Checkpoint, sec *sector.Sector) Graph {
	return Graph{
		AllIdentities:   NewIDSet(cp.IdentityIDs()...),
		CubeBlockOwners: NewIDSet(sec.BlockOwners()...),
		FactionMembers:  NewIDSet(cp.FactionMemberIDs()...),
	}
}

// Live reports whether id has a claim on the world under the given faction policy.
func (g Graph) Live(id string, ignoreFactionMembership bool) bool {
	if g.CubeBlockOwners.Has(id) {
		return true
	}
	return !ignoreFactionMembership && g.FactionMembers.Has(id)
}
