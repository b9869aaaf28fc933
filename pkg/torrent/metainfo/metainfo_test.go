package metainfo_test

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/leech/internal/errors"
	"github.com/NamanBalaji/leech/pkg/torrent/metainfo"
)

func encode(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, v))
	return buf.Bytes()
}

func pieces(n int) string {
	var sb strings.Builder
	for i := range n {
		sum := sha1.Sum([]byte{byte(i)})
		sb.Write(sum[:])
	}
	return sb.String()
}

func singleFile() map[string]any {
	return map[string]any{
		"name":         "test.txt",
		"piece length": 32768,
		"pieces":       pieces(2),
		"length":       65536,
	}
}

func multiFile() map[string]any {
	return map[string]any{
		"name":         "album",
		"piece length": 1024,
		"pieces":       pieces(3),
		"files": []any{
			map[string]any{"length": 1024, "path": []any{"cd1", "a.flac"}},
			map[string]any{"length": 0, "path": []any{"empty"}},
			map[string]any{"length": 2000, "path": []any{"cd2", "b.flac"}},
		},
	}
}

func torrent(info map[string]any) map[string]any {
	return map[string]any{
		"announce":      "http://tracker.example.com/announce",
		"announce-list": []any{[]any{"http://backup.example.com/announce"}},
		"comment":       "Test torrent",
		"created by":    "test-suite",
		"creation date": 1234567890,
		"info":          info,
	}
}

func TestParseSingleFile(t *testing.T) {
	info := singleFile()
	mi, err := metainfo.ParseBytes(encode(t, torrent(info)))
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.example.com/announce", mi.Announce)
	assert.Equal(t, [][]string{{"http://backup.example.com/announce"}}, mi.AnnounceList)
	assert.Equal(t, "test-suite", mi.CreatedBy)
	assert.Equal(t, int64(1234567890), mi.CreationDate)

	assert.False(t, mi.IsMultiFile())
	assert.Equal(t, int64(65536), mi.TotalSize())
	assert.Equal(t, 2, mi.PieceCount())
	assert.Equal(t, []metainfo.File{{Length: 65536, Path: []string{"test.txt"}}}, mi.Files())
	assert.Equal(t, "/dl", mi.Root("/dl"))

	want := sha1.Sum(encode(t, info))
	assert.Equal(t, want, mi.InfoHash)
	assert.Len(t, mi.InfoHashHex(), 40)

	second := sha1.Sum([]byte{1})
	assert.Equal(t, second[:], mi.PieceHash(1))
	assert.Len(t, mi.PieceHashes(), 2)
}

func TestInfoHashCoversUnknownKeys(t *testing.T) {
	plain, err := metainfo.ParseBytes(encode(t, torrent(singleFile())))
	require.NoError(t, err)

	info := singleFile()
	info["source"] = "private-tracker"
	tagged, err := metainfo.ParseBytes(encode(t, torrent(info)))
	require.NoError(t, err)

	assert.NotEqual(t, plain.InfoHash, tagged.InfoHash)
}

func TestParseMultiFile(t *testing.T) {
	mi, err := metainfo.Parse(bytes.NewReader(encode(t, torrent(multiFile()))))
	require.NoError(t, err)

	assert.True(t, mi.IsMultiFile())
	assert.Equal(t, int64(3024), mi.TotalSize())
	assert.Equal(t, 3, mi.PieceCount())
	assert.Equal(t, "/dl/album", mi.Root("/dl"))

	fs := afero.NewMemMapFs()
	space, err := mi.NewFileSpace(fs, "/dl")
	require.NoError(t, err)

	assert.Equal(t, "/dl/album", space.Root())
	assert.Equal(t, 3, space.Len())
	assert.Equal(t, int64(3024), space.Size())
	assert.Equal(t, []string{"cd2", "b.flac"}, space.Entry(2).Path())
	assert.Equal(t, int64(1024), space.Entry(2).Position())

	require.NoError(t, space.Open())
	defer space.Close()

	fi, err := fs.Stat("/dl/album/cd2/b.flac")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), fi.Size())
}

func TestParseEmptyDirectory(t *testing.T) {
	info := multiFile()
	info["files"] = []any{
		map[string]any{"length": 1024, "path": []any{"cd1", "a.flac"}},
		map[string]any{"length": 0, "path": []any{"scans", ""}},
		map[string]any{"length": 2000, "path": []any{"cd2", "b.flac"}},
	}

	mi, err := metainfo.ParseBytes(encode(t, torrent(info)))
	require.NoError(t, err)
	assert.Equal(t, []string{"scans", ""}, mi.Files()[1].Path)

	fs := afero.NewMemMapFs()
	space, err := mi.NewFileSpace(fs, "/dl")
	require.NoError(t, err)
	assert.True(t, space.Entry(1).IsPlaceholder())

	require.NoError(t, space.Open())
	defer space.Close()

	fi, err := fs.Stat("/dl/album/scans")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestParseFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/t/a.torrent", encode(t, torrent(singleFile())), 0o644))

	mi, err := metainfo.ParseFile(fs, "/t/a.torrent")
	require.NoError(t, err)
	assert.Equal(t, "test.txt", mi.Info.Name)

	_, err = metainfo.ParseFile(fs, "/t/missing.torrent")
	assert.True(t, errors.IsStorageError(err))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   func(t *testing.T) []byte
		errMsg string
	}{
		{
			name:   "not bencode",
			data:   func(*testing.T) []byte { return []byte("garbage") },
			errMsg: "parse torrent",
		},
		{
			name:   "not a dictionary",
			data:   func(t *testing.T) []byte { return encode(t, []any{"a"}) },
			errMsg: "not a dictionary",
		},
		{
			name:   "missing info",
			data:   func(t *testing.T) []byte { return encode(t, map[string]any{"announce": "x"}) },
			errMsg: "missing info",
		},
		{
			name: "bad piece length",
			data: func(t *testing.T) []byte {
				info := singleFile()
				info["piece length"] = 0
				return encode(t, torrent(info))
			},
			errMsg: "piece length",
		},
		{
			name: "truncated pieces",
			data: func(t *testing.T) []byte {
				info := singleFile()
				info["pieces"] = pieces(2)[:30]
				return encode(t, torrent(info))
			},
			errMsg: "not a multiple",
		},
		{
			name: "both length and files",
			data: func(t *testing.T) []byte {
				info := multiFile()
				info["length"] = 10
				return encode(t, torrent(info))
			},
			errMsg: "exactly one",
		},
		{
			name: "piece count mismatch",
			data: func(t *testing.T) []byte {
				info := singleFile()
				info["pieces"] = pieces(3)
				return encode(t, torrent(info))
			},
			errMsg: "3 piece hashes",
		},
		{
			name: "path escapes",
			data: func(t *testing.T) []byte {
				info := multiFile()
				info["files"] = []any{map[string]any{"length": 3024, "path": []any{"..", "etc"}}}
				return encode(t, torrent(info))
			},
			errMsg: "invalid path component",
		},
		{
			name: "empty directory with data",
			data: func(t *testing.T) []byte {
				info := multiFile()
				info["files"] = []any{
					map[string]any{"length": 3024, "path": []any{"docs", ""}},
				}
				return encode(t, torrent(info))
			},
			errMsg: "invalid path component",
		},
		{
			name: "empty inner component",
			data: func(t *testing.T) []byte {
				info := multiFile()
				info["files"] = []any{
					map[string]any{"length": 0, "path": []any{"", "x"}},
					map[string]any{"length": 3024, "path": []any{"y"}},
				}
				return encode(t, torrent(info))
			},
			errMsg: "invalid path component",
		},
		{
			name: "separator in name",
			data: func(t *testing.T) []byte {
				info := singleFile()
				info["name"] = "a/b"
				return encode(t, torrent(info))
			},
			errMsg: "separator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := metainfo.ParseBytes(tt.data(t))
			require.Error(t, err)
			assert.True(t, errors.IsConfigError(err))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
