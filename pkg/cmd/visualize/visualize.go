package visualize

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/cutrace/pkg/cmd/options"
	"github.com/maxgio92/cutrace/pkg/pipeline"
)

const (
	CmdName = "visualize"

	// Output formats.
	FormatASCII      = "ascii"
	FormatChrome     = "chrome"
	FormatFlamegraph = "flamegraph"
	FormatAll        = "all"

	// ChromeTraceFile is the file written for the chrome format.
	ChromeTraceFile = "trace.json"
	// FlamegraphFile is the file written for the flamegraph format.
	FlamegraphFile = "flamegraph.txt"

	defaultTopOps = 20
)

var ErrUnknownFormat = errors.New("unknown format (ascii, chrome, flamegraph, all)")

type Options struct {
	format    string
	top       int
	outputDir string

	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:               fmt.Sprintf("%s <trace file>", CmdName),
		Short:             "Render pipeline views of a JSONL trace",
		Args:              cobra.ExactArgs(1),
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	cmd.Flags().StringVarP(&o.format, "format", "f", FormatASCII, "Output format (ascii, chrome, flamegraph, all)")
	cmd.Flags().IntVar(&o.top, "top", defaultTopOps, "Number of operations in the top listing")
	cmd.Flags().StringVar(&o.outputDir, "output-dir", ".", "Directory for the generated files")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, args []string) error {
	var err error
	o.LogLevel, err = cmd.Flags().GetString("log-level")
	if err != nil {
		return errors.Wrap(err, "failed to get log level")
	}

	logLevel, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		o.Logger.Fatal().Err(err).Msg("invalid log level")
	}
	o.Logger = o.Logger.Level(logLevel)

	switch o.format {
	case FormatASCII, FormatChrome, FormatFlamegraph, FormatAll:
	default:
		return errors.Wrapf(ErrUnknownFormat, "%q", o.format)
	}

	tracePath := args[0]
	fmt.Printf("Loading trace from: %s\n", tracePath)

	analyzer := pipeline.NewAnalyzer(pipeline.WithAnalyzerLogger(&o.Logger))
	if err := analyzer.Load(tracePath); err != nil {
		return err
	}
	fmt.Printf("Loaded %d events\n", analyzer.EventCount())

	analyzer.Match()
	fmt.Printf("Matched %d operations\n\n", len(analyzer.Ops))

	if o.format == FormatASCII || o.format == FormatAll {
		analyzer.WriteTimeline(os.Stdout)
		analyzer.WriteSummary(os.Stdout)
		analyzer.WriteTopOps(os.Stdout, o.top)
	}

	if o.format == FormatChrome || o.format == FormatAll {
		path := filepath.Join(o.outputDir, ChromeTraceFile)
		if err := writeFile(path, analyzer.WriteChromeTrace); err != nil {
			return err
		}
		fmt.Printf("\nChrome trace written to: %s\n", path)
		fmt.Println("Open in Chrome: chrome://tracing")
	}

	if o.format == FormatFlamegraph || o.format == FormatAll {
		path := filepath.Join(o.outputDir, FlamegraphFile)
		if err := writeFile(path, analyzer.WriteFlamegraph); err != nil {
			return err
		}
		fmt.Printf("\nFlamegraph data written to: %s\n", path)
		fmt.Printf("Generate SVG with: flamegraph.pl %s > flamegraph.svg\n", path)
	}

	return nil
}

func writeFile(path string, write func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	return write(f)
}
