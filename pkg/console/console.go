// Package console prints colored status lines and progress bars for the
// command line tools.
//
// Format strings use colorstring tags such as "[light_blue]"; with color
// disabled the tags are stripped.
package console

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
)

// Printer writes colorized output.
type Printer struct {
	out, errOut io.Writer
	colorize    colorstring.Colorize
}

// New returns a Printer on the process's stdout and stderr.
func New(noColor bool) *Printer {
	return NewWriter(colorable.NewColorableStdout(), colorable.NewColorableStderr(), noColor)
}

// NewWriter returns a Printer on the given writers.
func NewWriter(out, errOut io.Writer, noColor bool) *Printer {
	return &Printer{
		out:    out,
		errOut: errOut,
		colorize: colorstring.Colorize{
			Colors:  colorstring.DefaultColors,
			Disable: noColor,
			Reset:   true,
		},
	}
}

// Printf formats to stdout.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, p.colorize.Color(format), args...)
}

// Errorf formats to stderr.
func (p *Printer) Errorf(format string, args ...any) {
	fmt.Fprintf(p.errOut, p.colorize.Color(format), args...)
}

// Fatalf reports err on stderr and exits with status 1.
func (p *Printer) Fatalf(format string, args ...any) {
	p.Errorf("[red]error:[reset] "+format+"\n", args...)
	os.Exit(1)
}

// Progress returns a bar counting to n on stdout.
func (p *Printer) Progress(n int, description string) *progressbar.ProgressBar {
	if p.colorize.Disable {
		description = p.colorize.Color(description)
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionEnableColorCodes(!p.colorize.Disable),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
