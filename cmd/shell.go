package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/gookit/color"
	"github.com/segmentio/textio"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opamci/opamci/pkg/opamci"
)

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell <variant>",
	Short: "Opens an interactive shell inside a variant's base image",
	Long: `Opens an interactive shell inside the digest-pinned base image of a
matrix variant, e.g.:

  opamci shell debian-12-ocaml-5.2
`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Fatal("cannot load configuration")
		}

		var variant *opamci.Variant
		for _, v := range cfg.Matrix.Expand() {
			if v.Label() == args[0] {
				v := v
				variant = &v
				break
			}
		}
		if variant == nil {
			log.WithField("variant", args[0]).Fatal("variant is not part of the matrix")
		}

		ref := variant.BaseImageRef(cfg.ImageRepo)
		pinned, err := opamci.RegistryResolver{}.ResolveDigest(context.Background(), ref)
		if err != nil {
			log.WithError(err).WithField("ref", ref).Fatal("cannot resolve base image")
		}

		prefix := color.Gray.Render(fmt.Sprintf("[%s] ", variant.Label()))
		shell := exec.Command("docker", "run", "--rm", "-it", pinned, "bash")
		ptmx, err := pty.Start(shell)
		if err != nil {
			log.WithError(err).Fatal("cannot start shell")
		}
		_ = pty.InheritSize(ptmx, os.Stdin)
		defer ptmx.Close()

		//nolint:errcheck
		go io.Copy(textio.NewPrefixWriter(os.Stdout, prefix), ptmx)
		//nolint:errcheck
		go io.Copy(ptmx, os.Stdin)

		if err := shell.Wait(); err != nil {
			log.WithError(err).Fatal("shell exited")
		}
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}
