package cmd

import (
	"bytes"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/leech/internal/progress"
	"github.com/NamanBalaji/leech/internal/repository"
	"github.com/NamanBalaji/leech/pkg/torrent/metainfo"
	"github.com/NamanBalaji/leech/pkg/torrent/peer"
)

type workspace struct {
	dir     string
	config  string
	torrent string
	data    string
}

// newWorkspace writes a config file, a 40 byte payload and a torrent with
// 16 byte pieces describing it.
func newWorkspace(t *testing.T) *workspace {
	t.Helper()

	tmp := t.TempDir()
	ws := &workspace{
		dir:     filepath.Join(tmp, "dl"),
		config:  filepath.Join(tmp, "leech.yaml"),
		torrent: filepath.Join(tmp, "data.torrent"),
	}
	ws.data = filepath.Join(ws.dir, "data.bin")

	cfg := "dir: " + ws.dir + "\n" +
		"resumeDb: " + filepath.Join(tmp, "db", "resume.db") + "\n" +
		"logFile: " + filepath.Join(tmp, "log", "leech.log") + "\n"
	require.NoError(t, os.WriteFile(ws.config, []byte(cfg), 0o644))

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.NoError(t, os.MkdirAll(ws.dir, 0o755))
	require.NoError(t, os.WriteFile(ws.data, payload, 0o644))

	var hashes strings.Builder
	for off := 0; off < len(payload); off += 16 {
		sum := sha1.Sum(payload[off:min(off+16, len(payload))])
		hashes.Write(sum[:])
	}

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, map[string]any{
		"announce": "http://tracker.example.com/announce",
		"info": map[string]any{
			"name":         "data.bin",
			"piece length": 16,
			"pieces":       hashes.String(),
			"length":       40,
		},
	}))
	require.NoError(t, os.WriteFile(ws.torrent, buf.Bytes(), 0o644))

	return ws
}

func (ws *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", ws.config}, args...))

	err := root.Execute()

	return out.String(), err
}

func TestRenderBar(t *testing.T) {
	tests := []struct {
		percentage float64
		want       string
	}{
		{0, "[          ]"},
		{50, "[=====     ]"},
		{100, "[==========]"},
		{150, "[==========]"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, renderBar(tt.percentage, 10))
	}
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	bar := newProgressBar(&buf, 4)

	bar.Update(2)
	bar.Update(1)
	bar.Done()

	out := buf.String()
	assert.Contains(t, out, "50.0% (2/4 pieces)")
	assert.NotContains(t, out, "1/4")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestProgressBarTransfer(t *testing.T) {
	var buf bytes.Buffer
	bar := newProgressBar(&buf, 4)

	bar.Transfer(1, progress.Snapshot{TotalSize: 2048, Downloaded: 1024, Percentage: 50, SpeedBPS: 512, ETA: 2 * time.Second})
	bar.Done()

	assert.Contains(t, buf.String(), " 50.0% 1.0 KiB/2.0 KiB 512 B/s ETA 2s (1/4 pieces)\n")
}

func TestInspect(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.run(t, "inspect", ws.torrent)
	require.NoError(t, err)

	assert.Contains(t, out, "Name:       data.bin")
	assert.Contains(t, out, "Info hash:")
	assert.Contains(t, out, "Pieces:     3 x 16 B")
	assert.Contains(t, out, "Location:   "+ws.dir)
	assert.Contains(t, out, "0-2")
	assert.Contains(t, out, "http://tracker.example.com/announce")

	_, err = ws.run(t, "inspect", filepath.Join(ws.dir, "missing.torrent"))
	assert.Error(t, err)
}

func TestCheckStatusForget(t *testing.T) {
	ws := newWorkspace(t)

	out, err := ws.run(t, "check", ws.torrent)
	require.NoError(t, err)
	assert.Contains(t, out, "data.bin: 3/3 pieces valid, 40 B of 40 B")

	f, err := os.OpenFile(ws.data, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff, 0xff}, 20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err = ws.run(t, "check", "-q", ws.torrent)
	require.NoError(t, err)
	assert.Contains(t, out, "data.bin: 2/3 pieces valid, 24 B of 40 B")

	out, err = ws.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "data.bin")
	assert.Contains(t, out, "2/3")
	assert.Contains(t, out, "24 B")

	repo, err := repository.NewBboltRepository(filepath.Join(filepath.Dir(ws.config), "db", "resume.db"))
	require.NoError(t, err)
	records, err := repo.FindAll()
	require.NoError(t, err)
	require.NoError(t, repo.Close())
	require.Len(t, records, 1)
	assert.Equal(t, ws.dir, records[0].Dir)
	assert.Equal(t, []int64{24}, records[0].State.FileCompleted)

	out, err = ws.run(t, "forget", records[0].InfoHash)
	require.NoError(t, err)
	assert.Contains(t, out, "Forgot")

	out, err = ws.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No resume data stored")

	_, err = ws.run(t, "forget", records[0].InfoHash)
	assert.ErrorIs(t, err, repository.ErrRecordNotFound)
}

// seed serves payload to the first peer that connects.
func seed(t *testing.T, ln net.Listener, infoHash [20]byte, payload []byte, pieceLen int) {
	nc, err := ln.Accept()
	if err != nil {
		return
	}

	conn, err := peer.NewConn(nc, infoHash, peer.NewPeerID(), 5*time.Second)
	if err != nil {
		t.Errorf("seed handshake: %v", err)
		return
	}
	defer conn.Close()

	if conn.Write(peer.Bitfield([]byte{0xe0})) != nil || conn.Write(peer.Message{ID: peer.MsgUnchoke}) != nil {
		return
	}

	for {
		m, err := conn.Read()
		if err != nil {
			return
		}
		if m.KeepAlive || m.ID != peer.MsgRequest {
			continue
		}

		start := int(m.Index)*pieceLen + int(m.Begin)
		if conn.Write(peer.Piece(int(m.Index), int64(m.Begin), payload[start:start+int(m.Length)])) != nil {
			return
		}
	}
}

func TestGet(t *testing.T) {
	ws := newWorkspace(t)

	payload, err := os.ReadFile(ws.data)
	require.NoError(t, err)
	mi, err := metainfo.ParseFile(afero.NewOsFs(), ws.torrent)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go seed(t, ln, mi.InfoHash, payload, 16)

	target := filepath.Join(t.TempDir(), "fresh")

	out, err := ws.run(t, "get", "-q", "-d", target, "--peer", ln.Addr().String(), ws.torrent)
	require.NoError(t, err)
	assert.Contains(t, out, "data.bin: 3/3 pieces, 40 B of 40 B")

	got, err := os.ReadFile(filepath.Join(target, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	out, err = ws.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "3/3")

	_, err = ws.run(t, "get", ws.torrent)
	assert.ErrorContains(t, err, "no peers")
}
