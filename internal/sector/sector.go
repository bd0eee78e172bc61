// Package sector indexes the spatial entities of a sector document (SANDBOX_0_0_0_.sbs).
package sector

import (
	"github.com/beevik/etree"

	"sandboxsweep.io/internal/document"
)

const (
	FileName = "SANDBOX_0_0_0_.sbs"
	RootTag  = "MyObjectBuilder_Sector"
)

// Entity is one sector object with the owners of its cube blocks.
type Entity struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	Blocks      int      `json:"blocks"`
	Owners      []string `json:"owners,omitempty"` // one entry per owned block, document order

	el *etree.Element
}

// OwnedBlocks is the number of cube blocks that carry a non-empty owner.
func (e Entity) OwnedBlocks() int { return len(e.Owners) }

type Sector struct {
	doc      *document.Document
	entities []*Entity
}

func Load(path string) (*Sector, error) {
	doc, err := document.Load(path)
	if err != nil {
		return nil, err
	}
	return Open(doc)
}

func Open(doc *document.Document) (*Sector, error) {
	if err := doc.ExpectRoot(RootTag); err != nil {
		return nil, err
	}
	s := &Sector{doc: doc}
	for _, el := range document.Elements(doc.Root(), "SectorObjects/MyObjectBuilder_EntityBase") {
		e := &Entity{
			ID:          document.ChildText(el, "EntityId"),
			DisplayName: document.ChildText(el, "DisplayName"),
			el:          el,
		}
		for _, block := range document.Elements(el, "CubeBlocks/MyObjectBuilder_CubeBlock") {
			e.Blocks++
			if owner := document.ChildText(block, "Owner"); owner != "" {
				e.Owners = append(e.Owners, owner)
			}
		}
		s.entities = append(s.entities, e)
	}
	return s, nil
}

func (s *Sector) Document() *document.Document { return s.doc }

// Entities returns the entities still present in the document.
func (s *Sector) Entities() []Entity {
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, *e)
	}
	return out
}

// BlockOwners returns every distinct non-empty cube block owner of the entities still present,
// in document order. It reads the same blocks as Entity.Owners, so the NPC purge and the orphan
// check always agree on who owns what.
func (s *Sector) BlockOwners() []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range s.entities {
		for _, owner := range e.Owners {
			if seen[owner] {
				continue
			}
			seen[owner] = true
			out = append(out, owner)
		}
	}
	return out
}

// RemoveEntity drops e from the document. It reports false when e is no longer present.
func (s *Sector) RemoveEntity(e Entity) bool {
	for i, cur := range s.entities {
		if cur.el != e.el {
			continue
		}
		if !s.doc.Remove(cur.el) {
			return false
		}
		s.entities = append(s.entities[:i], s.entities[i+1:]...)
		return true
	}
	return false
}

func (s *Sector) Save() error { return s.doc.Save() }

func (s *Sector) Changed() bool { return s.doc.Changed() }
