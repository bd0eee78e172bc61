// Package worldtest builds small checkpoint/sector world saves for tests.
//
// Fixtures are described with plain structs and rendered as the same XML shape the game
// writes (two-space indentation, xsi:type attributes) so the reconciler is exercised against
// realistic files rather than hand-trimmed snippets.
package worldtest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	CheckpointFile = "Sandbox.sbc"
	SectorFile     = "SANDBOX_0_0_0_.sbs"
	NPCName        = "Neutral NPC"
)

type Identity struct {
	ID   string
	Name string
}

// Player is an AllPlayersData entry.
type Player struct {
	ClientID   string
	IdentityID string
	Name       string
}

type Faction struct {
	ID           string
	Tag          string
	Members      []string
	JoinRequests []string
}

type FactionPlayer struct {
	PlayerID  string
	FactionID string
}

// Chat is a sent-history container owned by Owner holding one received entry per With id.
type Chat struct {
	Owner string
	With  []string
}

type Gps struct {
	IdentityID string
	Markers    []string
}

type Checkpoint struct {
	Identities     []Identity
	Players        []Player
	Factions       []Faction
	FactionPlayers []FactionPlayer
	Chats          []Chat
	Gps            []Gps
}

// Entity is a sector object. Each Owners element is one cube block; "" renders a block without
// an Owner element. Character renders an entity without any CubeBlocks.
type Entity struct {
	ID        string
	Name      string
	Owners    []string
	Character bool
}

type Sector struct {
	Entities []Entity
}

type xmlWriter struct {
	b strings.Builder
}

func (w *xmlWriter) line(depth int, format string, args ...any) {
	w.b.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

func (w *xmlWriter) leaf(depth int, tag, value string) {
	w.line(depth, "<%s>%s</%s>", tag, value, tag)
}

const xmlns = `xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`

func (c Checkpoint) XML() string {
	w := &xmlWriter{}
	w.line(0, `<?xml version="1.0"?>`)
	w.line(0, `<MyObjectBuilder_Checkpoint %s>`, xmlns)
	w.leaf(1, "SessionName", "Test World")

	w.line(1, "<AllPlayersData>")
	w.line(2, "<dictionary>")
	for _, p := range c.Players {
		w.line(3, "<item>")
		w.line(4, "<Key>")
		w.leaf(5, "ClientId", p.ClientID)
		w.leaf(5, "SerialId", "0")
		w.line(4, "</Key>")
		w.line(4, "<Value>")
		w.leaf(5, "DisplayName", p.Name)
		w.leaf(5, "IdentityId", p.IdentityID)
		w.leaf(5, "Connected", "false")
		w.line(5, "<Toolbar>")
		w.leaf(6, "ToolbarType", "Character")
		w.line(5, "</Toolbar>")
		w.line(4, "</Value>")
		w.line(3, "</item>")
	}
	w.line(2, "</dictionary>")
	w.line(1, "</AllPlayersData>")

	w.line(1, "<Identities>")
	for _, id := range c.Identities {
		w.line(2, "<MyObjectBuilder_Identity>")
		w.leaf(3, "IdentityId", id.ID)
		w.leaf(3, "DisplayName", id.Name)
		w.leaf(3, "CharacterEntityId", "0")
		w.line(2, "</MyObjectBuilder_Identity>")
	}
	w.line(1, "</Identities>")

	w.line(1, "<Factions>")
	w.line(2, "<Factions>")
	for _, f := range c.Factions {
		w.line(3, "<MyObjectBuilder_Faction>")
		w.leaf(4, "FactionId", f.ID)
		w.leaf(4, "Tag", f.Tag)
		w.leaf(4, "Name", f.Tag+" Corp")
		w.line(4, "<Members>")
		for i, m := range f.Members {
			w.line(5, "<MyObjectBuilder_FactionMember>")
			w.leaf(6, "PlayerId", m)
			w.leaf(6, "IsLeader", fmt.Sprint(i == 0))
			w.leaf(6, "IsFounder", fmt.Sprint(i == 0))
			w.line(5, "</MyObjectBuilder_FactionMember>")
		}
		w.line(4, "</Members>")
		w.line(4, "<JoinRequests>")
		for _, m := range f.JoinRequests {
			w.line(5, "<MyObjectBuilder_FactionMember>")
			w.leaf(6, "PlayerId", m)
			w.leaf(6, "IsLeader", "false")
			w.leaf(6, "IsFounder", "false")
			w.line(5, "</MyObjectBuilder_FactionMember>")
		}
		w.line(4, "</JoinRequests>")
		w.line(3, "</MyObjectBuilder_Faction>")
	}
	w.line(2, "</Factions>")
	w.line(2, "<Players>")
	w.line(3, "<dictionary>")
	for _, fp := range c.FactionPlayers {
		w.line(4, "<item>")
		w.leaf(5, "Key", fp.PlayerID)
		w.leaf(5, "Value", fp.FactionID)
		w.line(4, "</item>")
	}
	w.line(3, "</dictionary>")
	w.line(2, "</Players>")
	w.line(2, "<Relations />")
	w.line(2, "<Requests />")
	w.line(1, "</Factions>")

	w.line(1, "<Gps>")
	w.line(2, "<dictionary>")
	for _, g := range c.Gps {
		w.line(3, "<item>")
		w.leaf(4, "Key", g.IdentityID)
		w.line(4, "<Value>")
		w.line(5, "<Entries>")
		for _, m := range g.Markers {
			w.line(6, "<Entry>")
			w.leaf(7, "name", m)
			w.leaf(7, "coords", "<X>0</X><Y>0</Y><Z>0</Z>")
			w.line(6, "</Entry>")
		}
		w.line(5, "</Entries>")
		w.line(4, "</Value>")
		w.line(3, "</item>")
	}
	w.line(2, "</dictionary>")
	w.line(1, "</Gps>")

	w.line(1, "<ChatHistory>")
	for _, ch := range c.Chats {
		w.line(2, "<MyObjectBuilder_ChatHistory>")
		w.leaf(3, "IdentityId", ch.Owner)
		w.line(3, "<PlayerChatHistory>")
		for _, with := range ch.With {
			w.line(4, "<MyObjectBuilder_PlayerChatHistory>")
			w.line(5, "<Chat>")
			w.line(6, "<MyObjectBuilder_PlayerChatItem>")
			w.leaf(7, "t", "hello")
			w.leaf(7, "s", ch.Owner)
			w.line(6, "</MyObjectBuilder_PlayerChatItem>")
			w.line(5, "</Chat>")
			w.leaf(5, "ID", with)
			w.line(4, "</MyObjectBuilder_PlayerChatHistory>")
		}
		w.line(3, "</PlayerChatHistory>")
		w.line(3, "<FactionChatHistory />")
		w.line(2, "</MyObjectBuilder_ChatHistory>")
	}
	w.line(1, "</ChatHistory>")
	w.line(0, "</MyObjectBuilder_Checkpoint>")
	return w.b.String()
}

func (s Sector) XML() string {
	w := &xmlWriter{}
	w.line(0, `<?xml version="1.0"?>`)
	w.line(0, `<MyObjectBuilder_Sector %s>`, xmlns)
	w.line(1, "<Position>")
	w.leaf(2, "X", "0")
	w.leaf(2, "Y", "0")
	w.leaf(2, "Z", "0")
	w.line(1, "</Position>")
	w.line(1, "<SectorObjects>")
	for _, e := range s.Entities {
		if e.Character {
			w.line(2, `<MyObjectBuilder_EntityBase xsi:type="MyObjectBuilder_Character">`)
			w.leaf(3, "EntityId", e.ID)
			w.leaf(3, "PersistentFlags", "Enabled InScene")
			w.leaf(3, "DisplayName", e.Name)
			w.line(2, "</MyObjectBuilder_EntityBase>")
			continue
		}
		w.line(2, `<MyObjectBuilder_EntityBase xsi:type="MyObjectBuilder_CubeGrid">`)
		w.leaf(3, "EntityId", e.ID)
		w.leaf(3, "PersistentFlags", "CastShadows InScene")
		w.leaf(3, "GridSizeEnum", "Large")
		w.line(3, "<CubeBlocks>")
		for i, owner := range e.Owners {
			w.line(4, `<MyObjectBuilder_CubeBlock xsi:type="MyObjectBuilder_Reactor">`)
			w.leaf(5, "SubtypeName", "LargeBlockSmallGenerator")
			w.leaf(5, "EntityId", fmt.Sprintf("%s%03d", e.ID, i))
			if owner != "" {
				w.leaf(5, "Owner", owner)
				w.leaf(5, "ShareMode", "None")
			}
			w.line(4, "</MyObjectBuilder_CubeBlock>")
		}
		w.line(3, "</CubeBlocks>")
		w.leaf(3, "DisplayName", e.Name)
		w.line(2, "</MyObjectBuilder_EntityBase>")
	}
	w.line(1, "</SectorObjects>")
	w.line(0, "</MyObjectBuilder_Sector>")
	return w.b.String()
}

// World is a save directory on disk.
type World struct {
	Dir        string
	Checkpoint string
	Sector     string
}

// WriteWorld renders both documents into a fresh temp directory.
func WriteWorld(t *testing.T, cp Checkpoint, sec Sector) World {
	t.Helper()
	dir := t.TempDir()
	w := World{
		Dir:        dir,
		Checkpoint: filepath.Join(dir, CheckpointFile),
		Sector:     filepath.Join(dir, SectorFile),
	}
	if err := os.WriteFile(w.Checkpoint, []byte(cp.XML()), 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	if err := os.WriteFile(w.Sector, []byte(sec.XML()), 0o644); err != nil {
		t.Fatalf("write sector: %v", err)
	}
	return w
}

func (w World) ReadCheckpoint(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(w.Checkpoint)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	return string(b)
}

func (w World) ReadSector(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(w.Sector)
	if err != nil {
		t.Fatalf("read sector: %v", err)
	}
	return string(b)
}

// Sample is a small world covering every record category:
//   - Alice owns blocks and leads faction ALI.
//   - Bob owns nothing but is a member of faction BOB.
//   - Carol owns nothing and only has a pending join request, stale faction bookkeeping,
//     chat history and GPS markers.
//   - The NPC identity owns an NPC-only wreck and one block on a grid shared with Alice.
func Sample() (Checkpoint, Sector) {
	cp := Checkpoint{
		Identities: []Identity{
			{ID: "144115188075855873", Name: "Alice"},
			{ID: "144115188075855874", Name: "Bob"},
			{ID: "144115188075855875", Name: "Carol"},
			{ID: "144115188075855876", Name: NPCName},
		},
		Players: []Player{
			{ClientID: "76561198000000001", IdentityID: "144115188075855873", Name: "Alice"},
			{ClientID: "76561198000000002", IdentityID: "144115188075855874", Name: "Bob"},
			{ClientID: "76561198000000003", IdentityID: "144115188075855875", Name: "Carol"},
		},
		Factions: []Faction{
			{ID: "200", Tag: "BOB", Members: []string{"144115188075855874"}, JoinRequests: []string{"144115188075855875"}},
			{ID: "201", Tag: "ALI", Members: []string{"144115188075855873"}},
		},
		FactionPlayers: []FactionPlayer{
			{PlayerID: "144115188075855873", FactionID: "201"},
			{PlayerID: "144115188075855874", FactionID: "200"},
			{PlayerID: "144115188075855875", FactionID: "201"},
		},
		Chats: []Chat{
			{Owner: "144115188075855873", With: []string{"144115188075855874", "144115188075855875"}},
			{Owner: "144115188075855875", With: []string{"144115188075855873"}},
		},
		Gps: []Gps{
			{IdentityID: "144115188075855873", Markers: []string{"Home"}},
			{IdentityID: "144115188075855875", Markers: []string{"Ore", "Base"}},
		},
	}
	sec := Sector{
		Entities: []Entity{
			{ID: "9001", Name: "Alice Base", Owners: []string{"144115188075855873", "", "144115188075855873"}},
			{ID: "9002", Name: "Pirate Wreck", Owners: []string{"144115188075855876", "144115188075855876"}},
			{ID: "9003", Name: "Shared Hauler", Owners: []string{"144115188075855876", "144115188075855873"}},
			{ID: "9004", Name: "Debris", Owners: []string{"", ""}},
			{ID: "9005", Name: "Carol", Character: true},
		},
	}
	return cp, sec
}

// Sample identity ids.
const (
	Alice = "144115188075855873"
	Bob   = "144115188075855874"
	Carol = "144115188075855875"
	NPC   = "144115188075855876"
)
