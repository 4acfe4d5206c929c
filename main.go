package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/IliaW/css-inline-worker/config"
	"github.com/IliaW/css-inline-worker/internal/browser"
	"github.com/IliaW/css-inline-worker/internal/extractor"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfg *config.Config
	log *slog.Logger
	v   = viper.New()
)

// errSilent exits with status 1 without printing anything.
var errSilent = errors.New("silent failure")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	root.AddCommand(newWorkerCommand())
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "css-inline-worker [url]",
		Short: "Extract the CSS a page uses and inline it into the page.",
		Long: "Loads the page in headless Chrome, extracts its CSS and prints the HTML with the CSS inlined " +
			"in place of its stylesheet links. Without url the HTML is read from stdin and rendered against " +
			"--fake-url.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(v); err != nil {
				return fmt.Errorf("can't initialize config: %w", err)
			}
			log = setupLogger(os.Stderr)
			return nil
		},
		RunE: runExtract,
	}

	f := cmd.Flags()
	f.StringP("fake-url", "f", "", "URL the HTML from stdin is rendered against")
	f.StringP("width", "w", "1200", "viewport width")
	f.StringP("height", "h", "0", "viewport height, 0 fits the document")
	f.BoolP("match-media-queries", "m", false, "keep only media queries matching the viewport")
	f.StringP("required-selectors", "r", "", "selectors kept even when unused, comma separated or a JSON array of patterns")
	f.StringP("expose-stylesheets", "e", "", "name of a global variable receiving the replaced stylesheets")
	f.BoolP("prefetch", "p", false, "add prefetch hints for the replaced stylesheets")
	f.StringP("insertion-token", "t", "", "marker in the HTML where the CSS is inserted")
	f.StringP("css-id", "i", "", "id attribute of the inserted style element")
	f.StringP("strip-resources", "s", "", "pattern or JSON array of patterns of requests to abort")
	f.StringP("local-storage", "l", "", "JSON object seeded into localStorage before extraction")
	f.BoolP("css-only", "c", false, "print the extracted CSS only")
	f.StringP("output", "o", "", "write the result to a file instead of stdout")
	f.BoolP("debug", "d", false, "append run diagnostics as an HTML comment")
	f.String("script", "extractCSS.js", "path of the extraction script")
	f.Duration("timeout", time.Minute, "deadline of the whole run")

	if err := bindFlags(v, f, extractFlags); err != nil {
		panic(err)
	}

	return cmd
}

// extractFlags maps config keys to the command line flags overriding them.
var extractFlags = map[string]string{
	"extract.fake_url":            "fake-url",
	"extract.width":               "width",
	"extract.height":              "height",
	"extract.match_media_queries": "match-media-queries",
	"extract.required_selectors":  "required-selectors",
	"extract.expose_stylesheets":  "expose-stylesheets",
	"extract.prefetch":            "prefetch",
	"extract.insertion_token":     "insertion-token",
	"extract.css_id":              "css-id",
	"extract.strip_resources":     "strip-resources",
	"extract.local_storage":       "local-storage",
	"extract.css_only":            "css-only",
	"extract.output":              "output",
	"extract.debug":               "debug",
	"extract.script":              "script",
	"extract.timeout":             "timeout",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	url := ""
	if len(args) == 1 {
		url = args[0]
	}

	opts, err := config.ParseOptions(cfg.ExtractSettings, url)
	if err != nil {
		return err
	}
	if opts.URL == "" && opts.FakeURL == "" {
		return browser.ErrMissingFakeURL
	}

	browserCtx, cancel, err := browser.Start(ctx, cfg.ExtractSettings.ChromePath, log)
	if err != nil {
		return err
	}
	defer cancel()

	res, err := extractor.New(extractor.ChromeLauncher(log), log).Run(browserCtx, opts, extractor.Job{Stdin: os.Stdin})
	if err != nil {
		if errors.Is(err, extractor.ErrNoStylesheet) {
			log.Debug("no stylesheet found.")
			return errSilent
		}
		return err
	}
	return deliver(res.Output, opts.Output, cmd.OutOrStdout(), cancel)
}

// deliver shuts the browser down and then writes output to path, or to w when path is empty.
func deliver(output, path string, w io.Writer, closeBrowser func()) error {
	closeBrowser()
	if path != "" {
		if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		return nil
	}
	_, err := io.WriteString(w, output)
	return err
}

func setupLogger(w io.Writer) *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "warn":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(w, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			NoColor:     false}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}
