// Package checkpoint indexes the world checkpoint document (Sandbox.sbc) by identity id.
//
// The index is built in one scan when the document is opened. Every record kind that can
// reference an identity is kept in an id -> elements map, so deleting an identity touches
// exactly the elements that reference it without re-querying the tree.
package checkpoint

import (
	"github.com/beevik/etree"

	"sandboxsweep.io/internal/document"
)

const (
	FileName = "Sandbox.sbc"
	RootTag  = "MyObjectBuilder_Checkpoint"
)

type Identity struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	CharacterEntityID string `json:"character_entity_id,omitempty"`
}

// Player is an AllPlayersData entry: the account side of an identity.
type Player struct {
	ClientID    string `json:"client_id"`
	SerialID    string `json:"serial_id,omitempty"`
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type Member struct {
	FactionID string `json:"faction_id"`
	PlayerID  string `json:"player_id"`
	Leader    bool   `json:"leader,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
}

type Faction struct {
	ID      string   `json:"id"`
	Tag     string   `json:"tag"`
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

type memberRef struct {
	Member
	el *etree.Element
}

type identityRef struct {
	Identity
	el *etree.Element
}

type playerRef struct {
	Player
	el *etree.Element
}

type Checkpoint struct {
	doc *document.Document

	identityOrder []string
	identities    map[string][]identityRef
	players       map[string][]playerRef
	members       map[string][]memberRef
	factions      []Faction
	factionPlay   map[string][]*etree.Element
	chatReceived  map[string][]*etree.Element
	chatSent      map[string][]*etree.Element
	gps           map[string][]*etree.Element
}

func Load(path string) (*Checkpoint, error) {
	doc, err := document.Load(path)
	if err != nil {
		return nil, err
	}
	return Open(doc)
}

// Open indexes an already parsed document.
func Open(doc *document.Document) (*Checkpoint, error) {
	if err := doc.ExpectRoot(RootTag); err != nil {
		return nil, err
	}
	c := &Checkpoint{
		doc:          doc,
		identities:   map[string][]identityRef{},
		players:      map[string][]playerRef{},
		members:      map[string][]memberRef{},
		factionPlay:  map[string][]*etree.Element{},
		chatReceived: map[string][]*etree.Element{},
		chatSent:     map[string][]*etree.Element{},
		gps:          map[string][]*etree.Element{},
	}
	c.index()
	return c, nil
}

func (c *Checkpoint) index() {
	root := c.doc.Root()

	for _, el := range document.Elements(root, "Identities/MyObjectBuilder_Identity") {
		id := document.ChildText(el, "IdentityId")
		if id == "" {
			continue
		}
		if _, seen := c.identities[id]; !seen {
			c.identityOrder = append(c.identityOrder, id)
		}
		c.identities[id] = append(c.identities[id], identityRef{
			Identity: Identity{
				ID:                id,
				DisplayName:       document.ChildText(el, "DisplayName"),
				CharacterEntityID: document.ChildText(el, "CharacterEntityId"),
			},
			el: el,
		})
	}

	for _, item := range document.Elements(root, "AllPlayersData/dictionary/item") {
		value := item.SelectElement("Value")
		id := document.ChildText(value, "IdentityId")
		if id == "" {
			continue
		}
		key := item.SelectElement("Key")
		c.players[id] = append(c.players[id], playerRef{
			Player: Player{
				ClientID:    document.ChildText(key, "ClientId"),
				SerialID:    document.ChildText(key, "SerialId"),
				IdentityID:  id,
				DisplayName: document.ChildText(value, "DisplayName"),
			},
			el: item,
		})
	}

	for _, fel := range document.Elements(root, "Factions/Factions/MyObjectBuilder_Faction") {
		f := Faction{
			ID:   document.ChildText(fel, "FactionId"),
			Tag:  document.ChildText(fel, "Tag"),
			Name: document.ChildText(fel, "Name"),
		}
		add := func(chain string, pending bool) {
			for _, mel := range document.Elements(fel, chain) {
				id := document.ChildText(mel, "PlayerId")
				if id == "" {
					continue
				}
				m := Member{
					FactionID: f.ID,
					PlayerID:  id,
					Leader:    document.ChildText(mel, "IsLeader") == "true",
					Pending:   pending,
				}
				f.Members = append(f.Members, m)
				c.members[id] = append(c.members[id], memberRef{Member: m, el: mel})
			}
		}
		add("Members/MyObjectBuilder_FactionMember", false)
		add("JoinRequests/MyObjectBuilder_FactionMember", true)
		c.factions = append(c.factions, f)
	}

	for _, item := range document.Elements(root, "Factions/Players/dictionary/item") {
		if id := document.ChildText(item, "Key"); id != "" {
			c.factionPlay[id] = append(c.factionPlay[id], item)
		}
	}

	for _, hist := range document.Elements(root, "ChatHistory/MyObjectBuilder_ChatHistory") {
		if id := document.ChildText(hist, "IdentityId"); id != "" {
			c.chatSent[id] = append(c.chatSent[id], hist)
		}
		for _, rec := range document.Elements(hist, "PlayerChatHistory/MyObjectBuilder_PlayerChatHistory") {
			if id := document.ChildText(rec, "ID"); id != "" {
				c.chatReceived[id] = append(c.chatReceived[id], rec)
			}
		}
	}

	for _, item := range document.Elements(root, "Gps/dictionary/item") {
		if id := document.ChildText(item, "Key"); id != "" {
			c.gps[id] = append(c.gps[id], item)
		}
	}
}

func (c *Checkpoint) Document() *document.Document { return c.doc }

// IdentityIDs returns every identity id in document order, without duplicates.
func (c *Checkpoint) IdentityIDs() []string {
	out := make([]string, 0, len(c.identityOrder))
	for _, id := range c.identityOrder {
		if len(c.identities[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}

func (c *Checkpoint) Identity(id string) (Identity, bool) {
	refs := c.identities[id]
	if len(refs) == 0 {
		return Identity{}, false
	}
	return refs[0].Identity, true
}

// IdentitiesNamed returns the ids of identities whose display name equals name exactly.
func (c *Checkpoint) IdentitiesNamed(name string) []string {
	var out []string
	for _, id := range c.identityOrder {
		for _, ref := range c.identities[id] {
			if ref.DisplayName == name {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// Player returns the first AllPlayersData entry for the identity.
func (c *Checkpoint) Player(id string) (Player, bool) {
	refs := c.players[id]
	if len(refs) == 0 {
		return Player{}, false
	}
	return refs[0].Player, true
}

// FactionMemberIDs returns the ids of confirmed faction members. Join requests do not count.
func (c *Checkpoint) FactionMemberIDs() []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range c.factions {
		for _, m := range f.Members {
			if m.Pending || seen[m.PlayerID] {
				continue
			}
			if !c.hasLiveMember(m.PlayerID) {
				continue
			}
			seen[m.PlayerID] = true
			out = append(out, m.PlayerID)
		}
	}
	return out
}

func (c *Checkpoint) hasLiveMember(id string) bool {
	for _, ref := range c.members[id] {
		if !ref.Pending && c.inTree(ref.el) {
			return true
		}
	}
	return false
}

// inTree reports whether el is still reachable from the document root.
func (c *Checkpoint) inTree(el *etree.Element) bool {
	root := c.doc.Root()
	for cur := el; cur != nil; cur = cur.Parent() {
		if cur == root {
			return true
		}
	}
	return false
}

// Factions is the faction list as it was indexed.
func (c *Checkpoint) Factions() []Faction {
	return append([]Faction(nil), c.factions...)
}

// Counts reports how many records of each kind reference id.
func (c *Checkpoint) Counts(id string) Counts {
	var n Counts
	n.PlayerData = c.attached(playerEls(c.players[id]))
	for _, ref := range c.members[id] {
		if !c.inTree(ref.el) {
			continue
		}
		if ref.Pending {
			n.JoinRequests++
		} else {
			n.FactionMembers++
		}
	}
	n.FactionPlayers = c.attached(c.factionPlay[id])
	n.ChatReceived = c.attached(c.chatReceived[id])
	n.ChatSent = c.attached(c.chatSent[id])
	n.Gps = c.attached(c.gps[id])
	n.Identity = c.attached(identityEls(c.identities[id]))
	return n
}

func (c *Checkpoint) Save() error { return c.doc.Save() }

func (c *Checkpoint) Changed() bool { return c.doc.Changed() }

func (c *Checkpoint) attached(els []*etree.Element) int {
	n := 0
	for _, el := range els {
		if c.inTree(el) {
			n++
		}
	}
	return n
}

func playerEls(refs []playerRef) []*etree.Element {
	out := make([]*etree.Element, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.el)
	}
	return out
}

func identityEls(refs []identityRef) []*etree.Element {
	out := make([]*etree.Element, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.el)
	}
	return out
}
