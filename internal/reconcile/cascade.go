package reconcile

import "sandboxsweep.io/internal/checkpoint"

// Removal describes what the cascade deleted for one identity. Name and client id are captured
// before the records are removed.
type Removal struct {
	IdentityID  string            `json:"identity_id"`
	DisplayName string            `json:"display_name,omitempty"`
	ClientID    string            `json:"client_id,omitempty"`
	Counts      checkpoint.Counts `json:"counts"`
}

// Cascade deletes each id from cp together with every record that references it. Dependents go
// first and the identity record last. Ids that are already gone produce a zero Removal.
func Cascade(cp *checkpoint.Checkpoint, ids []string) []Removal {
	out := make([]Removal, 0, len(ids))
	for _, id := range ids {
		r := Removal{IdentityID: id}
		if ident, ok := cp.Identity(id); ok {
			r.DisplayName = ident.DisplayName
		}
		if p, ok := cp.Player(id); ok {
			r.ClientID = p.ClientID
			if r.DisplayName == "" {
				r.DisplayName = p.DisplayName
			}
		}

		r.Counts.PlayerData = cp.RemovePlayerData(id)
		r.Counts.FactionMembers, r.Counts.JoinRequests = cp.RemoveFactionMembers(id)
		r.Counts.FactionPlayers = cp.RemoveFactionPlayers(id)
		r.Counts.ChatReceived = cp.RemoveChatReceived(id)
		r.Counts.ChatSent = cp.RemoveChatSent(id)
		r.Counts.Gps = cp.RemoveGps(id)
		r.Counts.Identity = cp.RemoveIdentity(id)
		out = append(out, r)
	}
	return out
}
