package cmd

import (
	"cmp"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/NamanBalaji/leech/internal/logger"
	"github.com/NamanBalaji/leech/pkg/torrent/metainfo"
	"github.com/NamanBalaji/leech/pkg/torrent/storage"
)

func newInspectCommand(root *rootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "inspect <file.torrent>",
		Short: "Print the file layout and piece geometry of a torrent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mi, err := metainfo.ParseFile(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}

			return printLayout(cmd.OutOrStdout(), mi, cmp.Or(dir, root.cfg.DownloadDir))
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "download directory (default from the configuration)")

	return cmd
}

func printLayout(out io.Writer, mi *metainfo.MetaInfo, dir string) error {
	space, err := mi.NewFileSpace(afero.NewOsFs(), dir)
	if err != nil {
		return err
	}

	pieceLength := mi.Info.PieceLength

	fmt.Fprintf(out, "Name:       %s\n", mi.Info.Name)
	fmt.Fprintf(out, "Info hash:  %s\n", mi.InfoHashHex())
	fmt.Fprintf(out, "Size:       %s (%d bytes)\n", humanize.IBytes(uint64(space.Size())), space.Size())
	fmt.Fprintf(out, "Pieces:     %d x %s\n", mi.PieceCount(), humanize.IBytes(uint64(pieceLength)))
	fmt.Fprintf(out, "Location:   %s\n", space.Root())

	if free, err := storage.DiskFree(space.Root()); err == nil {
		fmt.Fprintf(out, "Free space: %s\n", humanize.IBytes(free))
		if free < uint64(space.Size()) {
			fmt.Fprintln(out, "Warning:    not enough free space for the whole torrent")
		}
	} else {
		logger.Debugf("Could not query free space of %s: %v", space.Root(), err)
	}

	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tOFFSET\tSIZE\tPIECES\tPATH")

	for i, e := range space.Entries() {
		pieces := "-"
		if e.Size() > 0 {
			first := e.Position() / pieceLength
			last := (e.Position() + e.Size() - 1) / pieceLength
			pieces = fmt.Sprintf("%d-%d", first, last)
		}

		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", i, e.Position(), humanize.IBytes(uint64(e.Size())),
			pieces, filepath.Join(e.Path()...))
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	if urls := trackers(mi); len(urls) > 0 {
		fmt.Fprintf(out, "\nTrackers:   %s\n", strings.Join(urls, ", "))
	}

	return nil
}

func trackers(mi *metainfo.MetaInfo) []string {
	var urls []string
	seen := make(map[string]bool)

	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}

	add(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}

	return urls
}
