// Package provider bridges the volume layer to a host file browser:
// documents are addressed by stable string ids, listings go through the
// listing cache, and mutations commit through a navigator.
package provider

import (
	"fmt"
	"strings"
)

// Separator divides the three parts of a document id. It is long enough not
// to collide with identity keys, prefixes or file paths.
const Separator = "::::"

// DocumentID addresses one document: the identity that owns the tree, the
// identity's prefix in the block store, and the slash-separated path of the
// document inside the tree. The root directory's path is "/".
type DocumentID struct {
	IdentityKey string
	Prefix      string
	FilePath    string
}

// ParseDocumentID splits and validates a rendered document id.
func ParseDocumentID(s string) (DocumentID, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != 3 {
		return DocumentID{}, fmt.Errorf("document id %q: expected 3 parts, got %d", s, len(parts))
	}
	id := DocumentID{IdentityKey: parts[0], Prefix: parts[1], FilePath: parts[2]}
	if id.IdentityKey == "" {
		return DocumentID{}, fmt.Errorf("document id %q: empty identity key", s)
	}
	if id.Prefix == "" {
		return DocumentID{}, fmt.Errorf("document id %q: empty prefix", s)
	}
	if !strings.HasPrefix(id.FilePath, "/") {
		return DocumentID{}, fmt.Errorf("document id %q: path must start with /", s)
	}
	return id, nil
}

// String renders the id in its wire form.
func (d DocumentID) String() string {
	return d.IdentityKey + Separator + d.Prefix + Separator + d.FilePath
}

// IsRoot reports whether the id addresses the tree's root directory.
func (d DocumentID) IsRoot() bool { return d.FilePath == "/" }

// Child returns the id of a named entry inside this directory.
func (d DocumentID) Child(name string) DocumentID {
	child := d
	if strings.HasSuffix(child.FilePath, "/") {
		child.FilePath += name
	} else {
		child.FilePath += "/" + name
	}
	return child
}

// Parent returns the id of the directory containing this document. The
// root's parent is the root itself.
func (d DocumentID) Parent() DocumentID {
	parent := d
	idx := strings.LastIndex(d.FilePath, "/")
	if idx <= 0 {
		parent.FilePath = "/"
	} else {
		parent.FilePath = d.FilePath[:idx]
	}
	return parent
}

// Name returns the document's entry name, "" for the root.
func (d DocumentID) Name() string {
	if d.IsRoot() {
		return ""
	}
	return d.FilePath[strings.LastIndex(d.FilePath, "/")+1:]
}
