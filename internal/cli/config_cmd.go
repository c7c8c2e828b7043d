package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X astromeas/internal/cli.Version=...".
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(format)
		},
	}
	showCmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format (yaml|json)")

	cmd.AddCommand(showCmd)
	return cmd
}

func (r *Root) configShow(format string) error {
	cfgPath := os.Getenv("ASTROMEAS_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/astromeas/config.json"
	}
	data, err := r.cfg.Marshal(format)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "# config file: %s\n", cfgPath)
	_, err = r.out.Write(data)
	return err
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "astromeas %s\n", Version)
			fmt.Fprintf(root.out, "Built with Go %s\n", runtime.Version())
			algs := root.catalog.Algorithms()
			fmt.Fprintf(root.out, "Centroid algorithms: %v\n", algs["float32"])
			fmt.Fprintf(root.out, "PSF models: %v\n", algs["psf"])
		},
	}
}
