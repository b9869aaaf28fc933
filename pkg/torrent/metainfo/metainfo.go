// Package metainfo reads .torrent files and turns their file list into a
// storage.FileSpace.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	bencode "github.com/jackpal/bencode-go"
	"github.com/spf13/afero"

	"github.com/NamanBalaji/leech/internal/errors"
	"github.com/NamanBalaji/leech/pkg/torrent/storage"
)

const hashSize = sha1.Size

// MetaInfo is the top-level dictionary of a torrent file. InfoHash is
// filled in by Parse.
type MetaInfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	CreationDate int64      `bencode:"creation date"`
	Encoding     string     `bencode:"encoding"`
	Info         Info       `bencode:"info"`
	InfoHash     [20]byte
}

// Info describes either a single file (Length) or a directory of Files.
type Info struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int64  `bencode:"length"`
	Files       []File `bencode:"files"`
	Private     int64  `bencode:"private"`
}

// File is one entry of a multi-file torrent.
type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// ParseFile reads and parses the torrent at path.
func ParseFile(fs afero.Fs, path string) (*MetaInfo, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.NewStorageError("read torrent", path, err)
	}

	return ParseBytes(data)
}

// Parse reads a bencoded torrent from r.
func Parse(r io.Reader) (*MetaInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return ParseBytes(data)
}

// ParseBytes decodes a bencoded torrent, computes its info hash and
// validates the layout.
func ParseBytes(data []byte) (*MetaInfo, error) {
	decoded, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewConfigError("parse torrent", err)
	}

	top, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, errors.NewConfigError("parse torrent", fmt.Errorf("top level is not a dictionary"))
	}

	info, ok := top["info"].(map[string]interface{})
	if !ok {
		return nil, errors.NewConfigError("parse torrent", fmt.Errorf("missing info dictionary"))
	}

	var infoBencode bytes.Buffer
	if err := bencode.Marshal(&infoBencode, info); err != nil {
		return nil, errors.NewConfigError("parse torrent", err)
	}

	mi := &MetaInfo{}
	if err := bencode.Unmarshal(bytes.NewReader(data), mi); err != nil {
		return nil, errors.NewConfigError("parse torrent", err)
	}
	mi.InfoHash = sha1.Sum(infoBencode.Bytes())

	if err := mi.validate(); err != nil {
		return nil, err
	}

	return mi, nil
}

func (m *MetaInfo) validate() error {
	invalid := func(format string, args ...any) error {
		return errors.NewConfigError("validate torrent", fmt.Errorf(format, args...))
	}

	if err := checkComponent(m.Info.Name); err != nil {
		return invalid("name: %v", err)
	}

	if m.Info.PieceLength <= 0 {
		return invalid("invalid piece length %d", m.Info.PieceLength)
	}

	if len(m.Info.Pieces)%hashSize != 0 {
		return invalid("pieces string length %d not a multiple of %d", len(m.Info.Pieces), hashSize)
	}

	// Exactly one of single-file length or multi-file list must be present.
	if (m.Info.Length == 0) == (len(m.Info.Files) == 0) {
		return invalid("exactly one of length or files must be present")
	}

	var total int64
	for i, f := range m.Files() {
		if f.Length < 0 {
			return invalid("file %d has negative length", i)
		}
		if len(f.Path) == 0 {
			return invalid("file %d has an empty path", i)
		}
		for j, c := range f.Path {
			// An empty last component marks an empty directory.
			if c == "" && j > 0 && j == len(f.Path)-1 && f.Length == 0 {
				continue
			}
			if err := checkComponent(c); err != nil {
				return invalid("file %d: %v", i, err)
			}
		}
		total += f.Length
	}

	want := (total + m.Info.PieceLength - 1) / m.Info.PieceLength
	if int64(m.PieceCount()) != want {
		return invalid("%d piece hashes for %d bytes of %d byte pieces", m.PieceCount(), total, m.Info.PieceLength)
	}

	return nil
}

// checkComponent rejects path components that would escape the download
// directory.
func checkComponent(c string) error {
	switch {
	case c == "", c == ".", c == "..":
		return fmt.Errorf("invalid path component %q", c)
	case strings.ContainsAny(c, `/\`) || strings.ContainsRune(c, 0):
		return fmt.Errorf("path component %q contains a separator", c)
	}
	return nil
}

// IsMultiFile reports whether the torrent describes a directory.
func (m *MetaInfo) IsMultiFile() bool { return len(m.Info.Files) > 0 }

// Files returns the file list. A single-file torrent yields one file named
// after the torrent.
func (m *MetaInfo) Files() []File {
	if !m.IsMultiFile() {
		return []File{{Length: m.Info.Length, Path: []string{m.Info.Name}}}
	}
	return m.Info.Files
}

// TotalSize returns the summed length of all files.
func (m *MetaInfo) TotalSize() int64 {
	var total int64
	for _, f := range m.Files() {
		total += f.Length
	}
	return total
}

func (m *MetaInfo) PieceCount() int { return len(m.Info.Pieces) / hashSize }

// PieceHash returns the expected SHA-1 of piece.
func (m *MetaInfo) PieceHash(piece int) []byte {
	return []byte(m.Info.Pieces[piece*hashSize : (piece+1)*hashSize])
}

// PieceHashes returns the expected digest of every piece.
func (m *MetaInfo) PieceHashes() [][]byte {
	hashes := make([][]byte, m.PieceCount())
	for i := range hashes {
		hashes[i] = m.PieceHash(i)
	}
	return hashes
}

func (m *MetaInfo) InfoHashHex() string { return hex.EncodeToString(m.InfoHash[:]) }

// Root returns the directory the torrent's files live under when it is
// downloaded into dir.
func (m *MetaInfo) Root(dir string) string {
	if m.IsMultiFile() {
		return filepath.Join(dir, m.Info.Name)
	}
	return dir
}

// AddFiles registers every file of the torrent with space, in order.
func (m *MetaInfo) AddFiles(space *storage.FileSpace) error {
	for _, f := range m.Files() {
		if err := space.AddFile(f.Path, f.Length); err != nil {
			return err
		}
	}
	return nil
}

// NewFileSpace builds a file space for downloading the torrent into dir.
func (m *MetaInfo) NewFileSpace(fs afero.Fs, dir string) (*storage.FileSpace, error) {
	space := storage.NewFileSpace(fs, m.Root(dir))
	if err := m.AddFiles(space); err != nil {
		return nil, err
	}
	return space, nil
}
