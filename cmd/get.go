package cmd

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/leech/internal/errors"
	"github.com/NamanBalaji/leech/internal/logger"
	"github.com/NamanBalaji/leech/internal/progress"
	"github.com/NamanBalaji/leech/internal/repository"
	"github.com/NamanBalaji/leech/pkg/torrent"
	"github.com/NamanBalaji/leech/pkg/torrent/metainfo"
	"github.com/NamanBalaji/leech/pkg/torrent/peer"
	"github.com/NamanBalaji/leech/pkg/torrent/storage"
	"github.com/NamanBalaji/leech/pkg/torrent/verify"
)

type getOptions struct {
	dir      string
	peers    []string
	listen   string
	maxPeers int
	quiet    bool
}

func newGetCommand(root *rootOptions) *cobra.Command {
	var opts getOptions

	cmd := &cobra.Command{
		Use:   "get <file.torrent>",
		Short: "Download a torrent from the given peers, resuming stored progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.peers) == 0 && opts.listen == "" {
				return fmt.Errorf("no peers: pass --peer or --listen")
			}

			mi, err := metainfo.ParseFile(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}

			opts.dir = cmp.Or(opts.dir, root.cfg.DownloadDir)

			return runGet(cmd, root, mi, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.dir, "dir", "d", "", "download directory (default from the configuration)")
	flags.StringArrayVarP(&opts.peers, "peer", "p", nil, "peer address to connect to (repeatable)")
	flags.StringVar(&opts.listen, "listen", "", "address to accept incoming peers on")
	flags.IntVar(&opts.maxPeers, "max-peers", peer.DefaultMaxPeers, "maximum number of connected peers")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print progress")

	return cmd
}

func runGet(cmd *cobra.Command, root *rootOptions, mi *metainfo.MetaInfo, opts getOptions) (err error) {
	engine := root.cfg.Engine

	coordOpts, err := torrent.OptionsFromConfig(engine)
	if err != nil {
		return err
	}

	hasher, err := verify.NewHasher(engine.HashAlgorithm)
	if err != nil {
		return err
	}

	space, err := mi.NewFileSpace(afero.NewOsFs(), opts.dir)
	if err != nil {
		return err
	}
	store := storage.NewChunkStore(space, mi.Info.PieceLength)

	swarm := peer.NewSwarm(peer.Config{
		InfoHash:  mi.InfoHash,
		PeerID:    peer.NewPeerID(),
		NumPieces: mi.PieceCount(),
		BlockSize: coordOpts.BlockSize,
		MaxPeers:  opts.maxPeers,
	})

	coord := torrent.NewCoordinator(store, coordOpts, swarm)
	swarm.Attach(coord)

	queue, err := verify.NewQueue(store, hasher, mi.PieceHashes(), engine.HashWorkers)
	if err != nil {
		return err
	}
	coord.SetVerifier(queue)

	repo, err := root.openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	restore(repo, coord, mi)

	if err := coord.Open(); err != nil {
		return err
	}
	defer func() {
		if serr := saveProgress(repo, coord, mi, opts.dir); serr != nil && err == nil {
			err = serr
		}
		if cerr := coord.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := coord.Start(); err != nil {
		return err
	}

	var ln net.Listener
	if opts.listen != "" {
		if ln, err = net.Listen("tcp", opts.listen); err != nil {
			return err
		}
		logger.Infof("Accepting peers on %s", ln.Addr())
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	bar := newProgressBar(cmd.ErrOrStderr(), coord.ChunksTotal())
	if opts.quiet {
		bar = nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(ctx, verify.Report(coord)) })
	g.Go(func() error {
		defer cancel()
		return swarm.Run(ctx, opts.peers, ln)
	})
	g.Go(func() error {
		defer cancel()
		return waitComplete(ctx, coord, bar)
	})

	err = g.Wait()
	if bar != nil {
		bar.Done()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d pieces, %s of %s\n",
		mi.Info.Name, coord.ChunksDone(), coord.ChunksTotal(),
		humanize.IBytes(uint64(coord.BytesDone())), humanize.IBytes(uint64(coord.BytesTotal())))

	return nil
}

// waitComplete reports progress until every piece is verified. A nil bar
// prints nothing.
func waitComplete(ctx context.Context, coord *torrent.Coordinator, bar *progressBar) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	meter := progress.NewMeter(coord.BytesTotal(), progress.DefaultWindow)

	for {
		done := coord.ChunksDone()
		if bar != nil {
			bar.Transfer(done, meter.Record(time.Now(), coord.BytesDone()))
		}
		if done == coord.ChunksTotal() {
			logger.Infof("Download of %s complete", coord.ID)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func restore(repo repository.Repository, coord *torrent.Coordinator, mi *metainfo.MetaInfo) {
	rec, err := repo.Find(mi.InfoHashHex())
	if err != nil {
		if !errors.Is(err, repository.ErrRecordNotFound) {
			logger.Warnf("Could not load resume data for %s: %v", mi.Info.Name, err)
		}
		return
	}
	if rec.State == nil {
		return
	}

	if err := coord.Restore(rec.State); err != nil {
		logger.Warnf("Ignoring resume data for %s: %v", mi.Info.Name, err)
		return
	}

	logger.Infof("Resuming %s with %d/%d pieces", mi.Info.Name, coord.ChunksDone(), coord.ChunksTotal())
}

func saveProgress(repo repository.Repository, coord *torrent.Coordinator, mi *metainfo.MetaInfo, dir string) error {
	return repo.Save(&repository.Record{
		InfoHash: mi.InfoHashHex(),
		Name:     mi.Info.Name,
		Dir:      dir,
		State:    coord.Snapshot(),
	})
}
