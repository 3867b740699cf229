// Package dirmeta implements the per-directory metadata store: a standalone
// SQLite database holding one directory's children (files, folders, external
// references), a hash-chained version history and bookkeeping notes. The
// database file itself is the plaintext blob that gets encrypted and pushed
// to the remote block store.
package dirmeta

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"boxd/internal/box"
	"boxd/internal/dirmeta/migrations"
)

// Version-hash domain separation tags. The first record hashes
// tagInit || deviceID; every later record hashes tagCommit || prev || deviceID.
var (
	tagInit   = []byte{0x00, 0x00}
	tagCommit = []byte{0x00, 0x01}
)

// Store is one directory's metadata database. A Store is owned by a single
// navigator at a time and is not safe for concurrent use.
type Store struct {
	db       *sql.DB
	path     string
	tempDir  string
	deviceID []byte
	clock    box.Clock
}

// New creates a fresh metadata store backed by a new temp file under tempDir.
// root is the published root locator and is only set for the index directory;
// pass "" for ordinary directories. The clock stamps version records.
func New(root string, deviceID []byte, tempDir string, clock box.Clock) (*Store, error) {
	f, err := os.CreateTemp(tempDir, "dir*.db")
	if err != nil {
		return nil, fmt.Errorf("creating metadata database file: %w", err)
	}
	path := f.Name()
	f.Close()

	db, err := openConnection(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	s := &Store{db: db, path: path, tempDir: tempDir, deviceID: deviceID, clock: clock}
	if err := s.init(root); err != nil {
		s.Close()
		os.Remove(path)
		return nil, err
	}
	return s, nil
}

// Open opens an existing metadata database file, verifying its schema version.
func Open(path string, deviceID []byte, tempDir string, clock box.Clock) (*Store, error) {
	db, err := openConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.Check(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("checking metadata schema: %w", err)
	}

	return &Store{db: db, path: path, tempDir: tempDir, deviceID: deviceID, clock: clock}, nil
}

// FromBytes writes a serialized metadata database to a temp file under
// tempDir and opens it. The inverse of Bytes.
func FromBytes(data []byte, deviceID []byte, tempDir string, clock box.Clock) (*Store, error) {
	f, err := os.CreateTemp(tempDir, "dir*.db")
	if err != nil {
		return nil, fmt.Errorf("creating metadata database file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing metadata database file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("closing metadata database file: %w", err)
	}

	s, err := Open(path, deviceID, tempDir, clock)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return s, nil
}

// openConnection opens and configures a SQLite connection for a metadata file.
func openConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	// A Store is single-owner; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return db, nil
}

// init applies the schema and seeds the version chain and bookkeeping rows.
func (s *Store) init(root string) error {
	if err := migrations.Up(s.db); err != nil {
		return fmt.Errorf("applying metadata schema: %w", err)
	}

	head := initVersion(s.deviceID)
	if _, err := s.db.Exec("INSERT INTO version (version, time) VALUES (?, ?)",
		head, s.clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("seeding version chain: %w", err)
	}

	if err := s.setLastChangedBy(s.db); err != nil {
		return err
	}

	// Only the index metadata store carries a root locator.
	if root != "" {
		if _, err := s.db.Exec(
			"INSERT OR REPLACE INTO meta (name, value) VALUES ('root', ?)", root); err != nil {
			return fmt.Errorf("setting root locator: %w", err)
		}
	}

	return nil
}

// Path returns the backing database file path.
func (s *Store) Path() string { return s.path }

// DeviceID returns the id of the device this store was opened by.
func (s *Store) DeviceID() []byte { return s.deviceID }

// Bytes serializes the store into a standalone database image using
// VACUUM INTO, which produces a compact snapshot of the committed state.
func (s *Store) Bytes() ([]byte, error) {
	f, err := os.CreateTemp(s.tempDir, "dm*.db")
	if err != nil {
		return nil, fmt.Errorf("creating snapshot file: %w", err)
	}
	snapshot := f.Name()
	f.Close()
	// VACUUM INTO refuses to write over an existing file.
	os.Remove(snapshot)
	defer os.Remove(snapshot)

	if _, err := s.db.Exec("VACUUM INTO ?", snapshot); err != nil {
		return nil, fmt.Errorf("serializing metadata database: %w", err)
	}

	data, err := os.ReadFile(snapshot)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}
	return data, nil
}

// Close closes the database connection. The backing file stays on disk until
// the owning session's temp dir is cleaned up.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// Classify reports which entry kind currently owns name within this
// directory, or KindNone.
func (s *Store) Classify(name string) (box.Kind, error) {
	return classify(s.db, name)
}

func classify(q querier, name string) (box.Kind, error) {
	tables := []struct {
		table string
		kind  box.Kind
	}{
		{"files", box.KindFile},
		{"folders", box.KindFolder},
		{"externals", box.KindExternal},
	}
	for _, t := range tables {
		var found string
		err := q.QueryRow("SELECT name FROM "+t.table+" WHERE name = ?", name).Scan(&found)
		if err == nil {
			return t.kind, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return box.KindNone, fmt.Errorf("classifying %q: %w", name, err)
		}
	}
	return box.KindNone, nil
}

// insertChecked runs the name-uniqueness check and the insert in one
// transaction so two concurrent inserts of the same name cannot both pass
// the check.
func (s *Store) insertChecked(name string, kind box.Kind, query string, args ...any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := classify(tx, name)
	if err != nil {
		return err
	}
	if existing != box.KindNone && existing != kind {
		return fmt.Errorf("%q already names a %s: %w", name, existing, box.ErrNameConflict)
	}

	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("inserting %s %q: %w", kind, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting %s %q: %w", kind, name, err)
	}
	if n != 1 {
		return fmt.Errorf("inserting %s %q affected %d rows: %w", kind, name, n, box.ErrStorageFault)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert of %q: %w", name, err)
	}
	return nil
}

// InsertFile adds a file entry. Fails with ErrNameConflict if the name is
// taken by a folder or external reference, and with a constraint error if a
// file of that name already exists (use UpdateFile to overwrite).
func (s *Store) InsertFile(f *box.File) error {
	return s.insertChecked(f.Name, box.KindFile,
		"INSERT INTO files (prefix, block, name, size, mtime, key, meta, metakey) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		f.Prefix, f.Block, f.Name, f.Size, f.Mtime.UnixMilli(), f.Key, f.Meta, f.MetaKey)
}

// UpdateFile inserts or replaces a file entry. The cross-kind uniqueness
// check still applies.
func (s *Store) UpdateFile(f *box.File) error {
	return s.insertChecked(f.Name, box.KindFile,
		"INSERT OR REPLACE INTO files (prefix, block, name, size, mtime, key, meta, metakey) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		f.Prefix, f.Block, f.Name, f.Size, f.Mtime.UnixMilli(), f.Key, f.Meta, f.MetaKey)
}

// InsertFolder adds a folder entry.
func (s *Store) InsertFolder(f *box.Folder) error {
	return s.insertChecked(f.Name, box.KindFolder,
		"INSERT INTO folders (ref, name, key) VALUES (?, ?, ?)",
		f.Ref, f.Name, f.Key)
}

// UpdateFolder inserts or replaces a folder entry.
func (s *Store) UpdateFolder(f *box.Folder) error {
	return s.insertChecked(f.Name, box.KindFolder,
		"INSERT OR REPLACE INTO folders (ref, name, key) VALUES (?, ?, ?)",
		f.Ref, f.Name, f.Key)
}

// InsertExternal adds an external reference entry.
func (s *Store) InsertExternal(e *box.External) error {
	return s.insertChecked(e.Name, box.KindExternal,
		"INSERT INTO externals (is_folder, owner, name, key, url) VALUES (?, ?, ?, ?, ?)",
		e.IsFolder, e.Owner, e.Name, e.Key, e.URL)
}

// UpdateExternal inserts or replaces an external reference entry.
func (s *Store) UpdateExternal(e *box.External) error {
	return s.insertChecked(e.Name, box.KindExternal,
		"INSERT OR REPLACE INTO externals (is_folder, owner, name, key, url) VALUES (?, ?, ?, ?, ?)",
		e.IsFolder, e.Owner, e.Name, e.Key, e.URL)
}

func (s *Store) deleteChecked(table, name string) error {
	res, err := s.db.Exec("DELETE FROM "+table+" WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting %q from %s: %w", name, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting %q from %s: %w", name, table, err)
	}
	if n == 0 {
		return fmt.Errorf("deleting %q from %s: %w", name, table, box.ErrNotFound)
	}
	return nil
}

// DeleteFile removes a file entry. Fails with ErrNotFound if absent.
func (s *Store) DeleteFile(name string) error { return s.deleteChecked("files", name) }

// DeleteFolder removes a folder entry. Fails with ErrNotFound if absent.
func (s *Store) DeleteFolder(name string) error { return s.deleteChecked("folders", name) }

// DeleteExternal removes an external reference entry. Fails with ErrNotFound
// if absent.
func (s *Store) DeleteExternal(name string) error { return s.deleteChecked("externals", name) }

// ListFiles returns all file entries of this directory, in no particular order.
func (s *Store) ListFiles() ([]*box.File, error) {
	rows, err := s.db.Query("SELECT prefix, block, name, size, mtime, key, meta, metakey FROM files")
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var files []*box.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

// ListFolders returns all folder entries of this directory.
func (s *Store) ListFolders() ([]*box.Folder, error) {
	rows, err := s.db.Query("SELECT ref, name, key FROM folders")
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	defer rows.Close()

	var folders []*box.Folder
	for rows.Next() {
		f := &box.Folder{}
		if err := rows.Scan(&f.Ref, &f.Name, &f.Key); err != nil {
			return nil, fmt.Errorf("scanning folder: %w", err)
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return folders, nil
}

// ListExternals returns all external reference entries of this directory.
func (s *Store) ListExternals() ([]*box.External, error) {
	rows, err := s.db.Query("SELECT is_folder, owner, name, key, url FROM externals")
	if err != nil {
		return nil, fmt.Errorf("listing externals: %w", err)
	}
	defer rows.Close()

	var externals []*box.External
	for rows.Next() {
		e := &box.External{}
		if err := rows.Scan(&e.IsFolder, &e.Owner, &e.Name, &e.Key, &e.URL); err != nil {
			return nil, fmt.Errorf("scanning external: %w", err)
		}
		externals = append(externals, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing externals: %w", err)
	}
	return externals, nil
}

// GetFile returns the file entry with the given name, or nil if there is
// none. Lookup by name is expected to miss routinely, so a miss is not
// an error.
func (s *Store) GetFile(name string) (*box.File, error) {
	row := s.db.QueryRow(
		"SELECT prefix, block, name, size, mtime, key, meta, metakey FROM files WHERE name = ?", name)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetFolder returns the folder entry with the given name, or nil.
func (s *Store) GetFolder(name string) (*box.Folder, error) {
	f := &box.Folder{}
	err := s.db.QueryRow("SELECT ref, name, key FROM folders WHERE name = ?", name).
		Scan(&f.Ref, &f.Name, &f.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up folder %q: %w", name, err)
	}
	return f, nil
}

// GetExternal returns the external reference with the given name, or nil.
func (s *Store) GetExternal(name string) (*box.External, error) {
	e := &box.External{}
	err := s.db.QueryRow("SELECT is_folder, owner, name, key, url FROM externals WHERE name = ?", name).
		Scan(&e.IsFolder, &e.Owner, &e.Name, &e.Key, &e.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up external %q: %w", name, err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*box.File, error) {
	f := &box.File{}
	var mtime int64
	var meta sql.NullString
	if err := row.Scan(&f.Prefix, &f.Block, &f.Name, &f.Size, &mtime, &f.Key, &meta, &f.MetaKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning file: %w", err)
	}
	f.Mtime = time.UnixMilli(mtime)
	f.Meta = meta.String
	return f, nil
}

// Version returns the current head of the version chain. An empty chain is
// corruption, since init always seeds the first record.
func (s *Store) Version() ([]byte, error) {
	var v []byte
	err := s.db.QueryRow("SELECT version FROM version ORDER BY id DESC LIMIT 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version chain is empty: %w", box.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading version head: %w", err)
	}
	return v, nil
}

// LastModified returns the timestamp of the most recent version record.
func (s *Store) LastModified() (time.Time, error) {
	var ms int64
	err := s.db.QueryRow("SELECT time FROM version ORDER BY id DESC LIMIT 1").Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("version chain is empty: %w", box.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading version timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Commit appends exactly one record to the version chain, derived from the
// previous head and this device's id, and records this device as the last
// writer. Commit is the only writer of the version table.
func (s *Store) Commit() error {
	head, err := s.Version()
	if err != nil {
		return fmt.Errorf("commit: %v: %w", err, box.ErrStorageFault)
	}

	res, err := s.db.Exec("INSERT INTO version (version, time) VALUES (?, ?)",
		nextVersion(head, s.deviceID), s.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("commit: appending version record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit: appending version record: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("commit: version append affected %d rows: %w", n, box.ErrStorageFault)
	}

	return s.setLastChangedBy(s.db)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) setLastChangedBy(e execer) error {
	_, err := e.Exec("INSERT OR REPLACE INTO meta (name, value) VALUES ('last_change_by', ?)",
		hex.EncodeToString(s.deviceID))
	if err != nil {
		return fmt.Errorf("recording last writer: %w", err)
	}
	return nil
}

// LastChangedBy returns the id of the device that performed the most recent
// commit (or created the store, if never committed).
func (s *Store) LastChangedBy() ([]byte, error) {
	var encoded string
	err := s.db.QueryRow("SELECT value FROM meta WHERE name = 'last_change_by'").Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no last writer recorded: %w", box.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading last writer: %w", err)
	}
	id, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding last writer id: %w", err)
	}
	return id, nil
}

// Root returns the published root locator. Only the index metadata store has
// one; everywhere else this fails with ErrNotFound.
func (s *Store) Root() (string, error) {
	var root string
	err := s.db.QueryRow("SELECT value FROM meta WHERE name = 'root'").Scan(&root)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no root locator recorded: %w", box.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading root locator: %w", err)
	}
	return root, nil
}

// SpecVersion returns the metadata format version this store was created with.
func (s *Store) SpecVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT value FROM meta WHERE name = 'spec_version'").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no spec version recorded: %w", box.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading spec version: %w", err)
	}
	return v, nil
}

func initVersion(deviceID []byte) []byte {
	h := sha256.New()
	h.Write(tagInit)
	h.Write(deviceID)
	return h.Sum(nil)
}

func nextVersion(prev, deviceID []byte) []byte {
	h := sha256.New()
	h.Write(tagCommit)
	h.Write(prev)
	h.Write(deviceID)
	return h.Sum(nil)
}
