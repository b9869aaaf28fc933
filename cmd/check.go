package cmd

import (
	"cmp"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/NamanBalaji/leech/internal/logger"
	"github.com/NamanBalaji/leech/internal/repository"
	"github.com/NamanBalaji/leech/pkg/torrent"
	"github.com/NamanBalaji/leech/pkg/torrent/metainfo"
	"github.com/NamanBalaji/leech/pkg/torrent/storage"
	"github.com/NamanBalaji/leech/pkg/torrent/verify"
)

// detached stands in for the peer layer when no peers are attached.
type detached struct{}

func (detached) IssueRequest(torrent.Request) {}
func (detached) CancelRequest(torrent.Request) {}
func (detached) Disconnect(torrent.PeerID, error) {}
func (detached) BroadcastHave(int) {}

func newCheckCommand(root *rootOptions) *cobra.Command {
	var (
		dir   string
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "check <file.torrent>",
		Short: "Hash every piece on disk and store the result as resume data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mi, err := metainfo.ParseFile(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}

			return runCheck(cmd, root, mi, cmp.Or(dir, root.cfg.DownloadDir), quiet)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "download directory (default from the configuration)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")

	return cmd
}

func runCheck(cmd *cobra.Command, root *rootOptions, mi *metainfo.MetaInfo, dir string, quiet bool) (err error) {
	engine := root.cfg.Engine

	opts, err := torrent.OptionsFromConfig(engine)
	if err != nil {
		return err
	}

	hasher, err := verify.NewHasher(engine.HashAlgorithm)
	if err != nil {
		return err
	}

	space, err := mi.NewFileSpace(afero.NewOsFs(), dir)
	if err != nil {
		return err
	}

	store := storage.NewChunkStore(space, mi.Info.PieceLength)
	coord := torrent.NewCoordinator(store, opts, detached{})

	if err := coord.Open(); err != nil {
		return err
	}
	defer func() {
		if cerr := coord.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var progress func(int)
	bar := newProgressBar(cmd.ErrOrStderr(), mi.PieceCount())
	if !quiet {
		progress = bar.Update
	}

	logger.Infof("Checking %s (%s) in %s", mi.Info.Name, mi.InfoHashHex(), space.Root())

	bf, err := verify.Recheck(cmd.Context(), store, hasher, mi.PieceHashes(), engine.HashWorkers, progress)
	bar.Done()
	if err != nil {
		return err
	}

	if err := coord.ApplyRecheck(bf); err != nil {
		return err
	}

	repo, err := root.openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	record := &repository.Record{
		InfoHash: mi.InfoHashHex(),
		Name:     mi.Info.Name,
		Dir:      dir,
		State:    coord.Snapshot(),
	}
	if err := repo.Save(record); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d pieces valid, %s of %s\n",
		mi.Info.Name, coord.ChunksDone(), coord.ChunksTotal(),
		humanize.IBytes(uint64(space.BytesCompleted())), humanize.IBytes(uint64(coord.BytesTotal())))

	return nil
}
