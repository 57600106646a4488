package cmd

import (
	"context"
	"fmt"

	"github.com/disiqueira/gotree"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opamci/opamci/pkg/opamci"
)

// describeTreeCmd represents the describeTree command
var describeTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Prints the stage tree a commit would be evaluated with",
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")

		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Fatal("cannot load configuration")
		}

		analysis, err := opamci.OpamAnalyzer{}.Analyze(context.Background(), path)
		if err != nil {
			log.WithError(err).Fatal("cannot analyze repository")
		}

		tree := gotree.New(cfg.Repo)
		for _, v := range cfg.Matrix.Expand() {
			vn := tree.Add(v.Label())
			for _, pkg := range analysis.Packages {
				if cfg.Matrix.Excluded(v, pkg) {
					continue
				}

				pn := vn.Add(pkg)
				pn.Add(pkg + " (tests)")
				if v.Distro == cfg.Matrix.PrimaryDistro && v.Compiler == cfg.Matrix.DefaultCompiler {
					pn.Add(pkg + " (lint)")
				}
				if v.Revdeps {
					pn.Add(pkg + " (revdeps)")
				}
			}
		}
		_, err = fmt.Println(tree.Print())
		if err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	describeCmd.AddCommand(describeTreeCmd)

	describeTreeCmd.Flags().String("path", ".", "path of a package repository checkout")
}
