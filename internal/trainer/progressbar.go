package trainer

import (
	"io"

	"github.com/schollz/progressbar/v3"

	"loratune/pkg/types"
)

// BarSink renders progress as a terminal bar, typically on stderr.
type BarSink struct {
	bar *progressbar.ProgressBar
}

func NewBarSink(w io.Writer) *BarSink {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("training"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &BarSink{bar: bar}
}

func (b *BarSink) Publish(e types.ProgressEvent) {
	b.bar.Describe(e.Status)
	_ = b.bar.Set(e.Progress)
	if e.Progress >= 100 {
		_ = b.bar.Finish()
	}
}
