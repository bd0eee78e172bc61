package document

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/zeebo/blake3"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Document is one world file held fully in memory. The etree tree is used for queries; saving
// cuts the byte ranges of removed elements out of the source, so everything else is written back
// exactly as it was read.
type Document struct {
	path   string
	doc    *etree.Document
	raw    []byte
	digest string
	dirty  bool

	spans map[*etree.Element]span
	cuts  []span
}

// span is a half-open byte range of raw.
type span struct{ start, end int }

func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(path, raw)
}

// Parse builds a Document from bytes already read from path.
func Parse(path string, raw []byte) (*Document, error) {
	body := raw
	bom := bytes.HasPrefix(body, utf8BOM)
	if bom {
		body = body[len(utf8BOM):]
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Path: path, Err: errors.New("empty document")}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if doc.Root() == nil {
		return nil, &ParseError{Path: path, Err: errors.New("no root element")}
	}
	spans, err := indexSpans(doc, raw)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &Document{
		path:   path,
		doc:    doc,
		raw:    raw,
		digest: Digest(raw),
		spans:  spans,
	}, nil
}

// indexSpans maps every element of doc to the bytes it was parsed from. Elements are paired with
// start tags in document order.
func indexSpans(doc *etree.Document, raw []byte) (map[*etree.Element]span, error) {
	base := 0
	if bytes.HasPrefix(raw, utf8BOM) {
		base = len(utf8BOM)
	}

	var order []*etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		order = append(order, e)
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	for _, e := range doc.ChildElements() {
		walk(e)
	}

	spans := make(map[*etree.Element]span, len(order))
	dec := xml.NewDecoder(bytes.NewReader(raw[base:]))
	var open []*etree.Element
	next := 0
	for {
		off := base + int(dec.InputOffset())
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch tok.(type) {
		case xml.StartElement:
			if next >= len(order) {
				return nil, errors.New("element index out of step with tree")
			}
			spans[order[next]] = span{start: off}
			open = append(open, order[next])
			next++
		case xml.EndElement:
			if len(open) == 0 {
				return nil, errors.New("unbalanced end element")
			}
			e := open[len(open)-1]
			open = open[:len(open)-1]
			sp := spans[e]
			sp.end = base + int(dec.InputOffset())
			spans[e] = sp
		}
	}
	if next != len(order) || len(open) != 0 {
		return nil, errors.New("element index out of step with tree")
	}
	return spans, nil
}

func (d *Document) Path() string         { return d.path }
func (d *Document) Name() string         { return filepath.Base(d.path) }
func (d *Document) Root() *etree.Element { return d.doc.Root() }
func (d *Document) Raw() []byte          { return d.raw }
func (d *Document) Digest() string       { return d.digest }
func (d *Document) Changed() bool        { return d.dirty }

// ExpectRoot fails with a ParseError when the root element is not tag.
func (d *Document) ExpectRoot(tag string) error {
	root := d.doc.Root()
	if root.Tag != tag {
		return &ParseError{Path: d.path, Err: fmt.Errorf("root element is <%s>, want <%s>", root.FullTag(), tag)}
	}
	return nil
}

// Remove detaches el from its parent together with the indentation in front of it.
// It returns false when el is already detached.
func (d *Document) Remove(el *etree.Element) bool {
	if el == nil {
		return false
	}
	parent := el.Parent()
	if parent == nil {
		return false
	}
	i := el.Index()
	if i < 0 {
		return false
	}
	sp, ok := d.spans[el]
	if !ok {
		return false
	}
	// Whitespace in front of el goes with it unless it trails text content.
	j := sp.start
	for j > 0 && isSpace(d.raw[j-1]) {
		j--
	}
	if j == 0 || d.raw[j-1] == '>' {
		sp.start = j
	}
	d.cuts = append(d.cuts, sp)
	delete(d.spans, el)

	parent.RemoveChildAt(i)
	if i > 0 && i-1 < len(parent.Child) {
		if cd, ok := parent.Child[i-1].(*etree.CharData); ok && cd.IsWhitespace() {
			parent.RemoveChildAt(i - 1)
		}
	}
	d.dirty = true
	return true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// Bytes returns the source with every removed element cut out.
func (d *Document) Bytes() ([]byte, error) {
	cuts := append([]span(nil), d.cuts...)
	sort.Slice(cuts, func(i, j int) bool { return cuts[i].start < cuts[j].start })

	b := make([]byte, 0, len(d.raw))
	pos := 0
	for _, c := range cuts {
		if c.end <= pos {
			continue // inside an earlier cut
		}
		if c.start > pos {
			b = append(b, d.raw[pos:c.start]...)
		}
		pos = c.end
	}
	b = append(b, d.raw[pos:]...)
	return b, nil
}

// Save writes the document back over its source file. The write goes to a temp file in the
// same directory first, so a failure leaves the previous content in place.
func (d *Document) Save() error {
	b, err := d.Bytes()
	if err != nil {
		return &WriteError{Path: d.path, Err: fmt.Errorf("serialize: %w", err)}
	}
	spans, err := indexSpans(d.doc, b)
	if err != nil {
		return &WriteError{Path: d.path, Err: fmt.Errorf("reindex: %w", err)}
	}
	if err := WriteFileAtomic(d.path, b); err != nil {
		return &WriteError{Path: d.path, Err: err}
	}
	d.spans = spans
	d.cuts = nil
	d.raw = b
	d.digest = Digest(b)
	d.dirty = false
	return nil
}

func WriteFileAtomic(path string, b []byte) error {
	mode := os.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Digest is the hex blake3-256 of b.
func Digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChildText returns the trimmed text of the first child element named tag, or "".
func ChildText(el *etree.Element, tag string) string {
	if el == nil {
		return ""
	}
	c := el.SelectElement(tag)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text())
}

// Elements walks a slash-separated chain of child tags below el and returns every match at the end
// of the chain. Unlike etree paths it never matches descendants at arbitrary depth.
func Elements(el *etree.Element, chain string) []*etree.Element {
	if el == nil {
		return nil
	}
	cur := []*etree.Element{el}
	for _, tag := range strings.Split(chain, "/") {
		if tag == "" {
			continue
		}
		var next []*etree.Element
		for _, c := range cur {
			next = append(next, c.SelectElements(tag)...)
		}
		if len(next) == 0 {
			return nil
		}
		cur = next
	}
	return cur
}
