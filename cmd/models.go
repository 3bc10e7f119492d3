package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"inference-gateway/internal/registry"
)

func newModelsCommand() *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the logical models in the catalog and their provider chains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := loadCatalog(catalogPath)
			if err != nil {
				return err
			}
			reg, err := registry.New(cat)
			if err != nil {
				return err
			}

			id := color.New(color.FgCyan, color.Bold)
			out := cmd.OutOrStdout()
			for _, m := range reg.Models() {
				fmt.Fprintf(out, "%s\t%s\n", id.Sprint(m.ID), strings.Join(m.Providers, " -> "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "path to a model catalog YAML (defaults to the embedded catalog)")
	return cmd
}

func loadCatalog(path string) (registry.Catalog, error) {
	if path == "" {
		return registry.DefaultCatalog()
	}
	return registry.LoadCatalog(path)
}
