package box

import "time"

// Kind identifies which of the three child tables owns a name.
type Kind int

const (
	KindNone Kind = iota
	KindFile
	KindFolder
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	case KindExternal:
		return "external"
	default:
		return "none"
	}
}

// Object is a directory child of any kind. The three concrete types share a
// single namespace within one directory: a file, a folder and an external
// reference may never carry the same name.
type Object interface {
	// EntryName returns the name of the entry within its directory.
	EntryName() string
}

// File is a file entry in a directory. The payload lives encrypted in the
// remote block store under Prefix + "/blocks/" + Block.
type File struct {
	Prefix  string
	Block   string
	Name    string
	Size    int64
	Mtime   time.Time
	Key     []byte
	Meta    string // locator of an optional metadata blob, empty if none
	MetaKey []byte
}

func (f *File) EntryName() string { return f.Name }

// Folder is a subdirectory entry. Ref is the locator of the child directory's
// encrypted metadata blob; Key decrypts it.
type Folder struct {
	Ref  string
	Name string
	Key  []byte
}

func (f *Folder) EntryName() string { return f.Name }

// External is a named mount point into another identity's shared subtree.
type External struct {
	IsFolder bool
	Owner    []byte // owning identity's public key
	Name     string
	Key      []byte
	URL      string // locator in the owner's tree
}

func (e *External) EntryName() string { return e.Name }
