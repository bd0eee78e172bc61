package reconcile

import (
	"sandboxsweep.io/internal/checkpoint"
	"sandboxsweep.io/internal/sector"
)

const DefaultNPCDisplayName = "Neutral NPC"

type PurgedEntity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	OwnedBlocks int    `json:"owned_blocks"`
}

type PurgeResult struct {
	NPCIDs   []string       `json:"npc_ids,omitempty"`
	Entities []PurgedEntity `json:"entities,omitempty"`
}

// PurgeNPCShips removes from sec every entity whose owned cube blocks all belong to identities
// named npcName. Entities without any owned block are kept, as are entities with at least one
// block owned by someone else.
func PurgeNPCShips(cp *checkpoint.Checkpoint, sec *sector.Sector, npcName string) PurgeResult {
	if npcName == "" {
		npcName = DefaultNPCDisplayName
	}
	npc := NewIDSet(cp.IdentitiesNamed(npcName)...)
	res := PurgeResult{NPCIDs: npc.IDs()}
	if npc.Len() == 0 {
		return res
	}
	for _, e := range sec.Entities() {
		if !npcOnly(e, npc) {
			continue
		}
		if sec.RemoveEntity(e) {
			res.Entities = append(res.Entities, PurgedEntity{
				ID:          e.ID,
				DisplayName: e.DisplayName,
				OwnedBlocks: e.OwnedBlocks(),
			})
		}
	}
	return res
}

func npcOnly(e sector.Entity, npc *IDSet) bool {
	if e.OwnedBlocks() == 0 {
		return false
	}
	for _, owner := range e.Owners {
		if !npc.Has(owner) {
			return false
		}
	}
	return true
}
