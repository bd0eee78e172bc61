package sector

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"sandboxsweep.io/internal/worldtest"
)

func TestOpen_IndexesEntitiesAndOwners(t *testing.T) {
	cp, sec := worldtest.Sample()
	w := worldtest.WriteWorld(t, cp, sec)

	s, err := Load(w.Sector)
	if err != nil {
		t.Fatalf("load sector: %v", err)
	}
	ents := s.Entities()
	if len(ents) != 5 {
		t.Fatalf("entities=%d want 5", len(ents))
	}
	if ents[0].ID != "9001" || ents[0].Blocks != 3 || ents[0].OwnedBlocks() != 2 {
		t.Fatalf("alice base=%+v", ents[0])
	}
	if ents[3].OwnedBlocks() != 0 || ents[3].Blocks != 2 {
		t.Fatalf("debris=%+v", ents[3])
	}
	if ents[4].Blocks != 0 {
		t.Fatalf("character should have no blocks: %+v", ents[4])
	}

	want := []string{worldtest.Alice, worldtest.NPC}
	if got := s.BlockOwners(); !slices.Equal(got, want) {
		t.Fatalf("owners=%v want %v", got, want)
	}
}

func TestRemoveEntity_UpdatesOwners(t *testing.T) {
	cp, sec := worldtest.Sample()
	sec.Entities = []worldtest.Entity{
		{ID: "1", Name: "Wreck", Owners: []string{worldtest.NPC}},
		{ID: "2", Name: "Base", Owners: []string{worldtest.Alice}},
	}
	w := worldtest.WriteWorld(t, cp, sec)

	s, err := Load(w.Sector)
	if err != nil {
		t.Fatalf("load sector: %v", err)
	}
	wreck := s.Entities()[0]
	if !s.RemoveEntity(wreck) {
		t.Fatalf("remove wreck failed")
	}
	if s.RemoveEntity(wreck) {
		t.Fatalf("second remove should report false")
	}
	if got := s.BlockOwners(); !slices.Equal(got, []string{worldtest.Alice}) {
		t.Fatalf("owners after remove=%v", got)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	out := w.ReadSector(t)
	if strings.Contains(out, "Wreck") || !strings.Contains(out, "Base") {
		t.Fatalf("unexpected sector after save:\n%s", out)
	}
	if !strings.Contains(out, `xsi:type="MyObjectBuilder_CubeGrid"`) {
		t.Fatalf("xsi:type attribute lost:\n%s", out)
	}
}

func TestBlockOwners_MatchesEntityScan(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<MyObjectBuilder_Sector>
  <SectorObjects>
    <MyObjectBuilder_EntityBase>
      <EntityId>1</EntityId>
      <CubeBlocks>
        <MyObjectBuilder_CubeBlock>
          <Owner>100</Owner>
          <Subparts>
            <MyObjectBuilder_CubeBlock>
              <Owner>200</Owner>
            </MyObjectBuilder_CubeBlock>
          </Subparts>
        </MyObjectBuilder_CubeBlock>
      </CubeBlocks>
    </MyObjectBuilder_EntityBase>
  </SectorObjects>
  <Elsewhere>
    <MyObjectBuilder_CubeBlock>
      <Owner>300</Owner>
    </MyObjectBuilder_CubeBlock>
  </Elsewhere>
</MyObjectBuilder_Sector>
`
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load sector: %v", err)
	}
	ents := s.Entities()
	if len(ents) != 1 || !slices.Equal(ents[0].Owners, []string{"100"}) {
		t.Fatalf("entities=%+v", ents)
	}
	if got := s.BlockOwners(); !slices.Equal(got, []string{"100"}) {
		t.Fatalf("owners=%v want [100]", got)
	}
	if !s.RemoveEntity(ents[0]) {
		t.Fatalf("remove failed")
	}
	if got := s.BlockOwners(); len(got) != 0 {
		t.Fatalf("owners after remove=%v", got)
	}
}
