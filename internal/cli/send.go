package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lattiq/bulkmail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// errJobsFailed makes the process exit non-zero after the summary was printed.
var errJobsFailed = errors.New("some jobs failed")

type sendOptions struct {
	templatePath string
	recordsPath  string
	concurrent   bool
	dryRun       bool
	metricsAddr  string
}

// NewSendCommand compiles a template against a records file and delivers the results.
func NewSendCommand() *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a template to every record of a records file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			return runSend(cmd.Context(), rt, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.templatePath, "template", "t", "", "Path to the template YAML file")
	cmd.Flags().StringVarP(&opts.recordsPath, "records", "r", "", "Path to the records YAML or JSON file")
	cmd.Flags().BoolVar(&opts.concurrent, "concurrent", false, "Use the worker pool instead of sending in order")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Compile every record without sending")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while sending")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("records")

	return cmd
}

func runSend(ctx context.Context, rt *runtimeState, opts *sendOptions, out, errOut io.Writer) error {
	tmpl, err := bulkmail.LoadTemplate(opts.templatePath)
	if err != nil {
		return err
	}
	records, err := bulkmail.LoadRecords(opts.recordsPath)
	if err != nil {
		return err
	}

	if opts.dryRun {
		return compileOnly(rt.cfg.Compiler, tmpl, records, out)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	client, err := bulkmail.New(rt.cfg, bulkmail.WithMetricsRegisterer(reg))
	if err != nil {
		return err
	}
	defer client.Close()

	if opts.metricsAddr != "" {
		ln, err := net.Listen("tcp", opts.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		srv := &http.Server{
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				_, _ = fmt.Fprintf(errOut, "metrics server stopped: %v\n", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	client.Events().Subscribe(bulkmail.EventSendFailure, func(e bulkmail.Event) {
		if !e.Terminal {
			_, _ = fmt.Fprintf(out, "record %d: %s failed, trying next endpoint: %v\n", e.Index, e.Endpoint, e.Err)
		}
	})

	var report *bulkmail.BatchReport
	if opts.concurrent {
		report, err = client.SendRecordsAsync(ctx, tmpl, records).Wait()
	} else {
		report, err = client.SendBatch(ctx, tmpl, bulkmail.Records(records...))
	}
	if err != nil {
		return err
	}

	printReport(out, report)
	if len(report.Failed()) > 0 {
		return errJobsFailed
	}
	return nil
}

func compileOnly(cfg bulkmail.CompilerConfig, tmpl *bulkmail.Template, records []bulkmail.Record, out io.Writer) error {
	compiler := bulkmail.NewTemplateCompiler(cfg)
	failed := 0
	for i, rec := range records {
		if _, err := compiler.Compile(tmpl, rec); err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "record %d: %v\n", i, err)
		}
	}
	_, _ = fmt.Fprintf(out, "compiled %d records, %d failed\n", len(records), failed)
	if failed > 0 {
		return errJobsFailed
	}
	return nil
}

func printReport(out io.Writer, report *bulkmail.BatchReport) {
	_, _ = fmt.Fprintf(out, "batch %s (%s): %d total, %d delivered, %d compile failed, %d send failed in %s\n",
		report.BatchID, report.Mode, report.Total, report.Delivered,
		report.CompileFailed, report.SendFailed, report.Duration().Round(time.Millisecond))
	if len(report.EndpointsUsed) > 0 {
		_, _ = fmt.Fprintf(out, "endpoints used: %v\n", report.EndpointsUsed)
	}
	if report.Cancelled {
		_, _ = fmt.Fprintln(out, "batch cancelled before all records were taken")
	}
	for _, job := range report.Failed() {
		_, _ = fmt.Fprintf(out, "record %d (%s): %s: %v\n", job.Index, job.JobID, job.Outcome, job.Err)
	}
}
