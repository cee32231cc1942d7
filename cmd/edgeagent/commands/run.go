package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/agent"
	"github.com/go-fleetgate/fleetgate/internal/client"
	"github.com/go-fleetgate/fleetgate/internal/installer"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rebootDelay leaves time for the terminal ack to reach the hub
const rebootDelay = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the hub and execute commands",
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := agent.NewLogger(opts.Log)
	if err != nil {
		return err
	}
	token, err := opts.LoadToken()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(opts.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	ledger, err := agent.OpenLedger(ctx, opts.LedgerPath())
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	runner, err := newInstallRunner(ctx, opts, ledger, log)
	if err != nil {
		return err
	}
	defer runner.Close()

	executor := agent.NewExecutor(ledger, log)
	a := agent.New(opts, ledger, executor, agent.WSDialer(opts.HubURL, token, opts.WriteTimeout), log)
	executor.Handle(agent.CommandSkillInstall, agent.InstallHandler(runner))
	executor.Handle(agent.CommandReportStatus, agent.ReportStatusHandler(ledger, a.PublishStatus))
	executor.Handle(agent.CommandReboot, agent.RebootHandler(agent.ExecReboot(opts.RebootCommand), rebootDelay))

	log.WithFields(logrus.Fields{
		"device_id": opts.DeviceID,
		"hub_url":   opts.HubURL,
		"data_dir":  opts.DataDir,
	}).Info("agent starting")
	return a.Run(ctx)
}

// newInstallRunner wires the archive sources, the installer and its durable
// workflow, then resumes installs a previous process left unfinished
func newInstallRunner(
	ctx context.Context,
	opts *agent.Options,
	ledger *agent.Ledger,
	log *logrus.Logger,
) (*installer.Runner, error) {
	downloads, err := client.CreateRetryClient(client.Options{
		Timeout:       opts.DownloadTimeout,
		MaxRetries:    opts.DownloadRetries,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	httpFetcher := installer.NewHTTPFetcher(func(ctx context.Context, rawURL string) (*http.Response, error) {
		return downloads.Get(ctx, rawURL)
	})
	sources := installer.Sources{
		"https": httpFetcher,
		"http":  httpFetcher,
	}
	s3Fetcher, err := installer.NewDefaultS3Fetcher(ctx, opts.S3Region, opts.S3Anonymous)
	if err != nil {
		log.WithError(err).Warn("s3 skill sources disabled")
	} else {
		sources["s3"] = s3Fetcher
	}

	inst, err := installer.New(installer.Options{
		Root:              opts.SkillRoot,
		AllowInsecureHTTP: opts.AllowInsecureHTTP,
		Logger:            log,
	}, sources, ledger)
	if err != nil {
		return nil, err
	}
	runner, err := installer.NewRunner(ctx, inst, opts.WorkflowDir(), opts.InstallRetries)
	if err != nil {
		return nil, err
	}
	if err := runner.Resume(ctx); err != nil {
		log.WithError(err).Warn("failed to resume unfinished installs")
	}
	return runner, nil
}
