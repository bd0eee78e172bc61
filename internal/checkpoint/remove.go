package checkpoint

import "github.com/beevik/etree"

// Counts is the number of records per category that reference one identity.
type Counts struct {
	PlayerData     int `json:"player_data"`
	FactionMembers int `json:"faction_members"`
	JoinRequests   int `json:"join_requests"`
	FactionPlayers int `json:"faction_players"`
	ChatReceived   int `json:"chat_received"`
	ChatSent       int `json:"chat_sent"`
	Gps            int `json:"gps"`
	Identity       int `json:"identity"`
}

func (n Counts) Total() int {
	return n.PlayerData + n.FactionMembers + n.JoinRequests + n.FactionPlayers +
		n.ChatReceived + n.ChatSent + n.Gps + n.Identity
}

// RemovePlayerData drops the AllPlayersData entries (toolbar, settings) of id.
func (c *Checkpoint) RemovePlayerData(id string) int {
	refs := c.players[id]
	delete(c.players, id)
	n := 0
	for _, r := range refs {
		if c.remove(r.el) {
			n++
		}
	}
	return n
}

// RemoveFactionMembers drops id from every faction, including pending join requests.
// It returns confirmed memberships and join requests separately.
func (c *Checkpoint) RemoveFactionMembers(id string) (members, requests int) {
	refs := c.members[id]
	delete(c.members, id)
	for _, r := range refs {
		if !c.remove(r.el) {
			continue
		}
		if r.Pending {
			requests++
		} else {
			members++
		}
	}
	return members, requests
}

func (c *Checkpoint) RemoveFactionPlayers(id string) int {
	return c.removeAll(c.factionPlay, id)
}

// RemoveChatReceived drops the per-conversation entries addressed to id inside other players' histories.
func (c *Checkpoint) RemoveChatReceived(id string) int {
	return c.removeAll(c.chatReceived, id)
}

// RemoveChatSent drops the chat history containers owned by id.
func (c *Checkpoint) RemoveChatSent(id string) int {
	return c.removeAll(c.chatSent, id)
}

func (c *Checkpoint) RemoveGps(id string) int {
	return c.removeAll(c.gps, id)
}

func (c *Checkpoint) RemoveIdentity(id string) int {
	refs := c.identities[id]
	delete(c.identities, id)
	n := 0
	for _, r := range refs {
		if c.remove(r.el) {
			n++
		}
	}
	return n
}

func (c *Checkpoint) removeAll(m map[string][]*etree.Element, id string) int {
	els := m[id]
	delete(m, id)
	n := 0
	for _, el := range els {
		if c.remove(el) {
			n++
		}
	}
	return n
}

// remove only counts elements that were still part of the document.
func (c *Checkpoint) remove(el *etree.Element) bool {
	if !c.inTree(el) {
		return false
	}
	return c.doc.Remove(el)
}
