package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opamci/opamci/pkg/opamci"
)

var (
	configPath string
	verbose    bool
	jobs       int64
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "opamci",
	Short: "A caching CI pipeline for opam package repositories",
	Long: color.Render(`<light_yellow>opamci builds every package of an opam repository commit</> across a matrix of
distributions and OCaml compilers, caches the results, and reduces them to a
single commit status.

<white>Configuration</>
opamci is configured through an opamci.yaml file and environment variables:
         <light_blue>OPAMCI_CONFIG</>  Path of the configuration file. Can also be set using --config.
                        Without it, opamci walks up from the working directory.
   <light_blue>OPAMCI_CACHE_BUCKET</>  Enables S3-backed persistence of build results. Set this
                        variable to the bucket name used for caching.
           <light_blue>OPAMCI_JOBS</>  Number of concurrent builds. Can also be set using --jobs.
`),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	var defaultJobs int64
	if j := os.Getenv(opamci.EnvvarJobs); j != "" {
		if parsed, err := strconv.ParseInt(j, 10, 64); err == nil {
			defaultJobs = parsed
		}
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(opamci.EnvvarConfig), "configuration file path")
	rootCmd.PersistentFlags().Int64VarP(&jobs, "jobs", "j", defaultJobs, "number of concurrent builds (0 uses the configured value)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enables verbose logging")
}

func getConfig() (opamci.Config, error) {
	var (
		cfg opamci.Config
		err error
	)
	if configPath != "" {
		cfg, err = opamci.LoadConfig(configPath)
	} else {
		cfg, err = opamci.DiscoverConfig()
	}
	if err != nil {
		return opamci.Config{}, err
	}

	if jobs > 0 {
		for name, b := range cfg.Builders {
			b.Slots = jobs
			cfg.Builders[name] = b
		}
	}
	return cfg, nil
}
