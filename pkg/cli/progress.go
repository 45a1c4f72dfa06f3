package cli

import (
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progressBar wraps a *mpb.Bar the way tools/uploader/s3.go's UploadObject
// builds one for a single named transfer: a byte counter prefix, an EWMA
// ETA, and an EWMA speed, trimmed/padded to a fixed prefix width.
type progressBar struct {
	bar *mpb.Bar
}

const prefixLen = 24

func fixedWidthPrefix(name string) string {
	if len(name) > prefixLen {
		return name[:prefixLen]
	}
	padded := name
	for len(padded) < prefixLen {
		padded += " "
	}
	return padded
}

func newProgressBar(p *mpb.Progress, name string, total int64) *progressBar {
	bar := p.New(total,
		mpb.BarStyle().Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(fixedWidthPrefix(name)+" "),
			decor.Counters(decor.SizeB1024(0), "% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
			decor.Name(" ] "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 30),
		),
	)
	return &progressBar{bar: bar}
}

// setLoaded moves the bar to an absolute cumulative byte count, the shape
// the resolve API's OnProgress and downloader.Options.OnProgress callbacks
// report in (cumulative loaded, total), not incremental deltas.
func (b *progressBar) setLoaded(loaded int64) {
	b.bar.SetCurrent(loaded)
}
