package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/disiqueira/gotree"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opamci/opamci/pkg/opamci"
	"github.com/opamci/opamci/pkg/opamci/cache"
	"github.com/opamci/opamci/pkg/opamci/telemetry"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [ref]",
	Short: "Builds all packages of a repository commit and prints the verdict",
	Long: `Builds all packages of a repository commit across the configured matrix
and reduces the stage outcomes to a single verdict. The exit code follows
the verdict: 0 on success, 1 on failure, 2 while stages are still pending.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ref := "HEAD"
		if len(args) > 0 {
			ref = args[0]
		}

		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Fatal("cannot load configuration")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		telemetry.SetVersion(opamci.Version)
		if err := telemetry.Initialize(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.Insecure); err != nil {
			log.WithError(err).Warn("cannot initialize tracing")
		}
		defer func() {
			if err := telemetry.Shutdown(context.Background()); err != nil {
				log.WithError(err).Debug("cannot shut down tracing")
			}
		}()

		p, err := newPipeline(ctx, cfg)
		if err != nil {
			log.WithError(err).Fatal("cannot assemble pipeline")
		}

		tree, summary, err := p.Run(ctx, ref)
		if err != nil {
			log.WithError(err).Fatal("pipeline failed")
		}

		if showTree, _ := cmd.Flags().GetBool("tree"); showTree {
			printStageTree(tree, ref)
		}

		switch summary.Verdict {
		case opamci.VerdictSuccess:
		case opamci.VerdictPending:
			os.Exit(2)
		default:
			os.Exit(1)
		}
	},
}

func newPipeline(ctx context.Context, cfg opamci.Config) (*opamci.Pipeline, error) {
	var storeOpts []cache.StoreOption

	bucket := cfg.Cache.Bucket
	if b := os.Getenv(opamci.EnvvarCacheBucket); b != "" {
		bucket = b
	}
	if bucket != "" {
		table, err := cache.NewS3EntryTable(ctx, bucket, nil)
		if err != nil {
			return nil, err
		}
		storeOpts = append(storeOpts, cache.WithEntryTable(table))
	}

	p, err := opamci.NewPipeline(cfg, storeOpts...)
	if err != nil {
		return nil, err
	}
	p.Reporter = opamci.NewConsoleReporter()
	p.Status = opamci.NewThrottledStatusReporter(opamci.LogStatusReporter{}, 30)
	return p, nil
}

func printStageTree(tree *opamci.StageTree, ref string) {
	root := gotree.New(ref)
	nodes := map[int]gotree.Tree{0: root}
	tree.Walk(func(id opamci.NodeID, label string, outcome opamci.Outcome, skip, dynamic bool, depth int) {
		if depth == 0 {
			return
		}
		text := label + " " + outcome.String()
		if skip {
			text = "(skipped)"
		} else if dynamic {
			text = "revdeps"
		}
		nodes[depth] = nodes[depth-1].Add(text)
	})
	fmt.Println(root.Print())
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("tree", false, "print the full stage tree after the run")
}
