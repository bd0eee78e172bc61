package document

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `<?xml version="1.0"?>
<Root xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <List>
    <Item>
      <Key>1</Key>
    </Item>
    <Item>
      <Key>2</Key>
    </Item>
  </List>
  <Other xsi:type="Kept">value</Other>
</Root>
`

func writeSample(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.xml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.sbc"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	for name, body := range map[string]string{
		"empty":     "  \n",
		"malformed": "<Root><Open></Root>",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeSample(t, body))
			if !errors.Is(err, ErrParse) {
				t.Fatalf("err=%v want ErrParse", err)
			}
			var pe *ParseError
			if !errors.As(err, &pe) || pe.Path == "" {
				t.Fatalf("expected *ParseError with path, got %T", err)
			}
		})
	}
}

func TestRemove_DropsElementAndIndent(t *testing.T) {
	path := writeSample(t, sample)
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Changed() {
		t.Fatalf("fresh document should be unchanged")
	}
	items := Elements(d.Root(), "List/Item")
	if len(items) != 2 {
		t.Fatalf("items=%d want 2", len(items))
	}
	if ChildText(items[1], "Key") != "2" {
		t.Fatalf("unexpected key %q", ChildText(items[1], "Key"))
	}
	if !d.Remove(items[0]) {
		t.Fatalf("remove failed")
	}
	if d.Remove(items[0]) {
		t.Fatalf("second remove should be a no-op")
	}

	before := d.Digest()
	if err := d.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if d.Digest() == before {
		t.Fatalf("digest should change after save")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(b)
	want := strings.Replace(sample, "    <Item>\n      <Key>1</Key>\n    </Item>\n", "", 1)
	if got != want {
		t.Fatalf("saved document mismatch:\n got=%q\nwant=%q", got, want)
	}
	if d.Digest() != Digest(b) {
		t.Fatalf("digest does not match written bytes")
	}
}

func TestSave_WriteErrorKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.xml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d.Remove(Elements(d.Root(), "List/Item")[0])

	// Replacing the directory entry with a directory makes the rename fail.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "keep"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write keep: %v", err)
	}

	err = d.Save()
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("err=%v want ErrWrite", err)
	}
	if !d.Changed() {
		t.Fatalf("failed save must leave the document dirty")
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".doc.xml.*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestParse_PreservesBOM(t *testing.T) {
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte(sample)...)
	d, err := Parse("mem.xml", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := d.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if string(b) != string(raw) {
		t.Fatalf("round trip changed bytes")
	}
}

func TestSave_PreservesUntouchedBytes(t *testing.T) {
	const lf = "<?xml version=\"1.0\"?>\n" +
		"<Root>\n" +
		"  <Keep>a</Keep>\n" +
		"  <Drop>\n" +
		"    <Key>1</Key>\n" +
		"  </Drop>\n" +
		"  <Keep>b</Keep>\n" +
		"</Root>\n"

	cases := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "lf",
			src:  lf,
			want: strings.Replace(lf, "  <Drop>\n    <Key>1</Key>\n  </Drop>\n", "", 1),
		},
		{
			name: "crlf",
			src:  strings.ReplaceAll(lf, "\n", "\r\n"),
			want: strings.ReplaceAll(strings.Replace(lf, "  <Drop>\n    <Key>1</Key>\n  </Drop>\n", "", 1), "\n", "\r\n"),
		},
		{
			name: "empty element forms",
			src:  "<Root>\r\n  <A/>\r\n  <B />\r\n  <C></C>\r\n  <Drop />\r\n  <D xsi:nil=\"true\" xmlns:xsi=\"x\" />\r\n</Root>",
			want: "<Root>\r\n  <A/>\r\n  <B />\r\n  <C></C>\r\n  <D xsi:nil=\"true\" xmlns:xsi=\"x\" />\r\n</Root>",
		},
		{
			name: "entities and quoting",
			src:  "<Root>\n  <T a='1'>it&apos;s &quot;x&quot; &#xD; &gt;</T>\n  <Drop>&amp;</Drop>\n</Root>\n",
			want: "<Root>\n  <T a='1'>it&apos;s &quot;x&quot; &#xD; &gt;</T>\n</Root>\n",
		},
		{
			name: "comments and cdata",
			src:  "<Root>\n  <!-- a/> b -->\n  <Drop>x</Drop>\n  <T><![CDATA[<x/>]]></T>\n</Root>\n",
			want: "<Root>\n  <!-- a/> b -->\n  <T><![CDATA[<x/>]]></T>\n</Root>\n",
		},
		{
			name: "bom crlf",
			src:  "\uFEFF<?xml version=\"1.0\"?>\r\n<Root>\r\n  <Drop/>\r\n  <Keep/>\r\n</Root>",
			want: "\uFEFF<?xml version=\"1.0\"?>\r\n<Root>\r\n  <Keep/>\r\n</Root>",
		},
		{
			name: "text before element is kept",
			src:  "<Root>text <Drop/> tail</Root>",
			want: "<Root>text  tail</Root>",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeSample(t, tc.src)
			d, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			drop := d.Root().SelectElement("Drop")
			if drop == nil || !d.Remove(drop) {
				t.Fatalf("remove Drop failed")
			}
			if err := d.Save(); err != nil {
				t.Fatalf("save: %v", err)
			}
			b, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(b) != tc.want {
				t.Fatalf("saved bytes mismatch:\n got=%q\nwant=%q", b, tc.want)
			}
		})
	}
}

func TestSave_SecondRemovalAfterSave(t *testing.T) {
	src := strings.ReplaceAll(sample, "\n", "\r\n")
	path := writeSample(t, src)
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	items := Elements(d.Root(), "List/Item")
	d.Remove(items[0])
	if err := d.Save(); err != nil {
		t.Fatalf("first save: %v", err)
	}
	d.Remove(items[1])
	d.Remove(d.Root().SelectElement("Other"))
	if err := d.Save(); err != nil {
		t.Fatalf("second save: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "<?xml version=\"1.0\"?>\r\n" +
		"<Root xmlns:xsi=\"http://www.w3.org/2001/XMLSchema-instance\">\r\n" +
		"  <List>\r\n" +
		"  </List>\r\n" +
		"</Root>\r\n"
	if string(b) != want {
		t.Fatalf("saved bytes mismatch:\n got=%q\nwant=%q", b, want)
	}
}

func TestRemove_NestedInsideRemovedParent(t *testing.T) {
	d, err := Parse("mem.xml", []byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	list := d.Root().SelectElement("List")
	item := Elements(d.Root(), "List/Item")[0]
	d.Remove(list)
	d.Remove(item)
	b, err := d.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	want := "<?xml version=\"1.0\"?>\n" +
		"<Root xmlns:xsi=\"http://www.w3.org/2001/XMLSchema-instance\">\n" +
		"  <Other xsi:type=\"Kept\">value</Other>\n" +
		"</Root>\n"
	if string(b) != want {
		t.Fatalf("bytes mismatch:\n got=%q\nwant=%q", b, want)
	}
}
