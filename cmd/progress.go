package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/NamanBalaji/leech/internal/progress"
)

// progressBar prints hashing progress on a single terminal line. Update
// may be called from several goroutines.
type progressBar struct {
	mu    sync.Mutex
	w     io.Writer
	total int
	width int
	last  int
}

func newProgressBar(w io.Writer, total int) *progressBar {
	return &progressBar{w: w, total: total, width: 30}
}

func (p *progressBar) Update(done int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if done <= p.last {
		return
	}
	p.last = done

	percentage := 100.0
	if p.total > 0 {
		percentage = float64(done) * 100 / float64(p.total)
	}

	// Clear the current line
	fmt.Fprintf(p.w, "\r\033[K%s %5.1f%% (%d/%d pieces)", renderBar(percentage, p.width), percentage, done, p.total)
}

// Transfer repaints the line with byte progress, speed and remaining time.
func (p *progressBar) Transfer(done int, st progress.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = max(p.last, done, 1)

	fmt.Fprintf(p.w, "\r\033[K%s %5.1f%% %s/%s %s/s ETA %s (%d/%d pieces)",
		renderBar(st.GetPercentage(), p.width), st.GetPercentage(),
		humanize.IBytes(uint64(st.GetDownloaded())), humanize.IBytes(uint64(st.GetTotalSize())),
		humanize.IBytes(uint64(st.GetSpeedBPS())), st.GetETA(), done, p.total)
}

// Done ends the progress line.
func (p *progressBar) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last > 0 {
		fmt.Fprintln(p.w)
	}
}

func renderBar(percentage float64, width int) string {
	completed := min(width, max(0, int(percentage*float64(width)/100)))
	return "[" + strings.Repeat("=", completed) + strings.Repeat(" ", width-completed) + "]"
}
