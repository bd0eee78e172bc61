package reconcile

// Orphans returns the identities of g that hold no claim on the world, in the order they appear
// in AllIdentities. Owning a cube block always makes an identity live. Confirmed faction
// membership does too unless ignoreFactionMembership is set.
func Orphans(g Graph, ignoreFactionMembership bool) []string {
	ids := g.AllIdentities.Minus(g.CubeBlockOwners)
	if !ignoreFactionMembership {
		ids = ids.Minus(g.FactionMembers)
	}
	return ids.IDs()
}
