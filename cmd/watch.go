package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opamci/opamci/pkg/opamci"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <path>",
	Short: "Re-evaluates a local repository checkout whenever its files change",
	Long: `Watches a local package repository checkout and re-runs the pipeline
on every change. A change arriving while a run is in flight supersedes it:
the running builds are cancelled and a fresh evaluation starts.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := args[0]

		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Fatal("cannot load configuration")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := newPipeline(ctx, cfg)
		if err != nil {
			log.WithError(err).Fatal("cannot assemble pipeline")
		}
		p.Source = &opamci.GitProvider{Remote: path}

		changed, errs := opamci.WatchRepo(ctx, path)

		// evaluate and the state it owns are only ever touched from this
		// goroutine; timer goroutines merely signal the trigger channel.
		trigger := make(chan struct{}, 1)
		requestRun := func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		}

		var (
			runCancel context.CancelFunc = func() {}
			debounce  *time.Timer
		)
		evaluate := func() {
			runCancel()
			var runCtx context.Context
			runCtx, runCancel = context.WithCancel(ctx)
			go func() {
				_, summary, err := p.Run(runCtx, "HEAD")
				if err != nil {
					if runCtx.Err() != nil {
						return
					}
					log.WithError(err).Error("pipeline failed")
					return
				}
				log.WithField("verdict", summary.Verdict).Info("evaluation finished")
			}()
		}
		evaluate()

		for {
			select {
			case f := <-changed:
				log.WithField("path", f).Info("change detected")
				// coalesce bursts of events into one re-run
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, requestRun)
			case <-trigger:
				evaluate()
			case err := <-errs:
				log.WithError(err).Fatal("cannot watch repository")
			case <-ctx.Done():
				runCancel()
				return
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
