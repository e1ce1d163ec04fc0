package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/api"
	apihttp "github.com/Paintersrp/warden/internal/api/http"
	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/resources"
	"github.com/Paintersrp/warden/internal/supervisor"
	"github.com/Paintersrp/warden/internal/tui"
)

var newAPIServer = apihttp.NewServer

type runOptions struct {
	tui     bool
	json    bool
	stages  bool
	verbose bool
	hold    bool

	label       string
	image       string
	noImage     bool
	quota       string
	runFor      time.Duration
	backend     string
	metricsAddr string
}

func newRunCmd(ctx *context) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bootstrap the child, let it run, then tear it down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, doc); err != nil {
				return err
			}
			if opts.tui {
				if !supportsInteractiveOutput(cmd) {
					return errors.New("--tui requires an interactive terminal")
				}
				return runWithTUI(cmd, ctx, doc, opts)
			}
			format := formatText
			if opts.json || (!cmd.Flags().Changed("json") && !supportsInteractiveOutput(cmd)) {
				format = formatJSON
			}
			return runWithPrinter(cmd, ctx, doc, opts, format)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.tui, "tui", false, "Show the interactive handle and event view")
	flags.BoolVar(&opts.json, "json", false, "Emit events as JSON lines (default when stdout is not a terminal)")
	flags.BoolVar(&opts.stages, "stages", false, "Print a STAGE marker before each bootstrap step")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Print handle and session events")
	flags.BoolVar(&opts.hold, "hold", false, "Keep the child running after the wait until interrupted")
	flags.StringVar(&opts.label, "label", "", "Override child.label")
	flags.StringVar(&opts.image, "image", "", "Override child.image")
	flags.BoolVar(&opts.noImage, "no-image", false, "Build the child without an image")
	flags.StringVar(&opts.quota, "quota", "", "Override child.quota (e.g. 1MiB)")
	flags.DurationVar(&opts.runFor, "run-for", 0, "Override child.runFor")
	flags.StringVar(&opts.backend, "backend", "", "Override scheduler.backend")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /api/v1/status and /metrics on this address")
	return cmd
}

// apply folds explicitly set flags into the document and re-validates it.
func (o *runOptions) apply(cmd *cobra.Command, doc *config.Document) error {
	flags := cmd.Flags()
	if flags.Changed("label") {
		doc.Child.Label = o.label
	}
	if flags.Changed("image") {
		doc.Child.Image = o.image
		doc.Child.NoImage = false
	}
	if flags.Changed("no-image") {
		doc.Child.NoImage = o.noImage
		if o.noImage {
			doc.Child.Image = ""
		}
	}
	if flags.Changed("quota") {
		n, err := resources.ParseSize(o.quota)
		if err != nil {
			return fmt.Errorf("--quota: %w", err)
		}
		doc.Child.Quota = config.Size{Bytes: n}
	}
	if flags.Changed("run-for") {
		doc.Child.RunFor = config.Duration{Duration: o.runFor}
	}
	if flags.Changed("backend") {
		doc.Scheduler.Backend = o.backend
	}
	if flags.Changed("metrics-addr") {
		doc.Metrics.Addr = o.metricsAddr
	}
	if err := doc.ApplyDefaults(); err != nil {
		return err
	}
	return doc.Validate()
}

func runWithPrinter(cmd *cobra.Command, ctx *context, doc *config.Document, opts *runOptions, format outputFormat) error {
	events := make(chan supervisor.Event, 256)
	p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), format, eventFilter{stages: opts.stages, verbose: opts.verbose})
	p.start(events)

	err := runSupervisor(cmd.Context(), ctx, doc, opts, events)
	close(events)
	p.wait()
	return err
}

func runWithTUI(cmd *cobra.Command, ctx *context, doc *config.Document, opts *runOptions) error {
	ui := tui.New()
	uiCtx, cancel := stdcontext.WithCancel(cmd.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := runSupervisor(uiCtx, ctx, doc, opts, ui.EventSink())
		ui.CloseEvents()
		done <- err
	}()

	uiErr := ui.Run(uiCtx)
	cancel()
	err := <-done
	return errors.Join(err, uiErr)
}

// runSupervisor is the whole child lifetime: construct, bootstrap, wait,
// and tear down. The events channel is left open for the caller to close.
func runSupervisor(runCtx stdcontext.Context, ctx *context, doc *config.Document, opts *runOptions, events chan<- supervisor.Event) (err error) {
	logger := ctx.log()
	env, err := newEnvironment(doc)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(doc.SupervisorConfig(), supervisor.Deps{
		Kernel:    env.kernel,
		Scheduler: env.scheduler,
		Events:    events,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sup.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown: %w", cerr))
		}
		if leaked := env.kernel.Outstanding(); len(leaked) > 0 {
			logger.Warn("capabilities outstanding after close", "count", len(leaked))
		}
	}()

	if doc.Metrics.Addr != "" {
		stopServer, err := startStatusServer(runCtx, ctx, doc.Metrics.Addr, sup)
		if err != nil {
			return err
		}
		defer stopServer()
	}

	logger.Info("starting child", "label", doc.Child.Label, "image", doc.Child.Image, "backend", doc.Scheduler.Backend)
	if _, err := sup.StartChild(runCtx); err != nil {
		return err
	}
	if err := sup.RunFor(doc.Child.RunFor.Duration); err != nil {
		return err
	}
	if opts.hold {
		logger.Info("holding child until interrupted")
		<-runCtx.Done()
	}
	return nil
}

func startStatusServer(runCtx stdcontext.Context, ctx *context, addr string, sup *supervisor.Supervisor) (func(), error) {
	server, err := newAPIServer(apihttp.Config{Addr: addr, Controller: api.NewController(sup, nil)})
	if err != nil {
		return nil, err
	}
	serverCtx, cancel := stdcontext.WithCancel(runCtx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()
	ctx.log().Info("status API listening", "addr", server.Addr())
	return func() {
		cancel()
		if err := <-errCh; err != nil {
			ctx.log().Warn("status API stopped", "error", err)
		}
	}, nil
}
