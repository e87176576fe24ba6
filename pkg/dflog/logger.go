// Package dflog provides the Logger and Progress interfaces used to report
// diagnostics and long-running streaming progress without tying the core
// packages to a concrete terminal implementation.
package dflog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// HumanBytes renders a byte count the way warnings and progress messages
// report sizes to a terminal (e.g. "512 B", "1.0 MB").
func HumanBytes(n uint64) string {
	return humanize.Bytes(n)
}

// Logger is an interface that has the ability to hide debug/info output.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress reports incremental completion of a streaming operation, such as
// exporting a large non-resident attribute or walking a big volume.
type Progress interface {
	Finish(success bool)
	Increment(n int64)
	ProxyReader(r io.Reader) io.ReadCloser
}

// ProgressReporter creates Progress trackers for labelled operations.
type ProgressReporter interface {
	NewProgress(label string, units string, total int64) Progress
}

// View bundles a Logger with the ability to create Progress objects.
type View interface {
	Logger
	ProgressReporter
}

// CLI is a Logger/View implementation for terminal output, wired to logrus
// for leveled logging, fatih/color for ANSI formatting, and mpb for
// progress bars.
type CLI struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool
	IsVerbose     bool

	lock               sync.Mutex
	isTrackingProgress bool
	bars               map[*mpb.Bar]bool
	buffer             *bytes.Buffer
	progressContainer  *mpb.Progress
}

var _ View = (*CLI)(nil)

// Debugf executes logrus.Tracef if debug is enabled.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf executes logrus.Errorf.
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof executes logrus.Debugf if verbose output is enabled.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Warnf executes logrus.Warnf.
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsInfoEnabled reports whether InfoLevel logging is enabled.
func (log *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled reports whether DebugLevel logging is enabled.
func (log *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// NewProgress creates a Progress object for a labelled streaming operation.
func (log *CLI) NewProgress(label string, units string, total int64) Progress {

	if log.DisableTTY {
		return &nilProgress{total: total}
	}

	log.lock.Lock()
	defer log.lock.Unlock()

	if !log.isTrackingProgress {
		log.isTrackingProgress = true
		log.buffer = new(bytes.Buffer)
		logrus.SetOutput(log.buffer)
		log.progressContainer = mpb.New(mpb.WithWidth(80))
		log.bars = make(map[*mpb.Bar]bool)
	}

	var decorators []decor.Decorator
	switch units {
	default:
		fallthrough
	case "%":
		decorators = append(decorators, decor.Percentage())
	case "MiB":
		decorators = append(decorators, decor.Counters(decor.UnitKiB, "% .1f / % .1f"))
	}

	var p *mpb.Bar
	if total == 0 {
		p = log.progressContainer.AddSpinner(0, mpb.SpinnerOnLeft,
			mpb.PrependDecorators(
				decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
			),
		)
	} else {
		p = log.progressContainer.AddBar(total,
			mpb.PrependDecorators(
				decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
				decor.OnComplete(
					decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done",
				),
			),
			mpb.AppendDecorators(decorators...),
		)
	}

	log.bars[p] = true

	pb := &pb{
		log:      log,
		p:        p,
		total:    total,
		interval: time.Millisecond * 100,
	}
	pb.nextUpdate = time.Now().Add(pb.interval)

	return pb
}

// Format renders a logrus.Entry for terminal output, colorizing by level.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {

	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	x := entry.Message
	if log.DisableColors {
		x = fmt.Sprintf("%s\n", x)
	} else {
		switch entry.Level {
		case logrus.TraceLevel:
			x = fmt.Sprintf("%s\n", faint(x))
		case logrus.DebugLevel:
			x = fmt.Sprintf("%s\n", blue(x))
		case logrus.InfoLevel:
			x = fmt.Sprintf("%s\n", x)
		case logrus.WarnLevel:
			x = fmt.Sprintf("%s\n", yellow(x))
		case logrus.ErrorLevel:
			x = fmt.Sprintf("%s\n", red(x))
		default:
		}
	}

	return []byte(x), nil
}

type nilProgress struct {
	cursor int64
	total  int64
}

func (np *nilProgress) Increment(n int64) {
	np.cursor += n
}

func (np *nilProgress) Finish(success bool) {}

func (np *nilProgress) ProxyReader(r io.Reader) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}
	return io.NopCloser(r)
}

type pb struct {
	log    *CLI
	p      *mpb.Bar
	closed bool
	total  int64
	bar    int64

	buffered   int64
	interval   time.Duration
	nextUpdate time.Time
}

// Increment advances the progress bar by n units.
func (pb *pb) Increment(n int64) {
	pb.buffered += n
	pb.bar += n
	if !time.Now().Before(pb.nextUpdate) {
		pb.flush()
	}
}

func (pb *pb) flush() {
	pb.nextUpdate = time.Now().Add(pb.interval)
	pb.p.IncrInt64(pb.buffered)
	pb.buffered = 0
}

// Finish closes the progress bar, tearing down the shared container once
// the last bar owned by this logger completes.
func (pb *pb) Finish(success bool) {
	if pb.closed {
		return
	}
	pb.flush()
	pb.closed = true
	if pb.bar != pb.total || pb.total == 0 || !success {
		pb.p.Abort(false)
	}

	pb.log.lock.Lock()
	defer pb.log.lock.Unlock()
	delete(pb.log.bars, pb.p)

	if len(pb.log.bars) == 0 {
		pb.log.bars = nil
		pb.log.isTrackingProgress = false
		pb.log.progressContainer.Wait()
		pb.log.progressContainer = nil
		logrus.SetOutput(os.Stdout)
		_, _ = pb.log.buffer.WriteTo(os.Stdout)
		pb.log.buffer = nil
	}
}

// ProxyReader wraps r so that every byte read through it increments the bar,
// and closing the returned reader finishes the bar.
func (pb *pb) ProxyReader(r io.Reader) io.ReadCloser {
	pr := pb.p.ProxyReader(r)
	return &proxyReadCloser{pr: pr, pb: pb}
}

type proxyReadCloser struct {
	pr io.Reader
	pb *pb
}

func (p *proxyReadCloser) Read(buf []byte) (int, error) {
	return p.pr.Read(buf)
}

func (p *proxyReadCloser) Close() error {
	p.pb.flush()
	p.pb.Finish(p.pb.bar == p.pb.total)
	if c, ok := p.pr.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NopLogger returns a View that discards everything; used when a caller
// doesn't supply one.
func NopLogger() View {
	return &nopLogger{}
}

type nopLogger struct{}

func (*nopLogger) Debugf(string, ...interface{}) {}
func (*nopLogger) Errorf(string, ...interface{}) {}
func (*nopLogger) Infof(string, ...interface{})  {}
func (*nopLogger) Warnf(string, ...interface{})  {}
func (*nopLogger) IsInfoEnabled() bool           { return false }
func (*nopLogger) IsDebugEnabled() bool          { return false }
func (*nopLogger) NewProgress(_, _ string, total int64) Progress {
	return &nilProgress{total: total}
}
