package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ineyio/questforge/schema"
)

func newSchemasCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "schemas",
		Short: "List the content schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := schema.Builtin()
			if ocfg, err := orchestratorConfig(settings); err == nil && ocfg.SchemaCatalog != "" {
				if cat, err = schema.LoadCatalog(ocfg.SchemaCatalog); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			for _, name := range cat.Names() {
				s, _ := cat.Lookup(name)
				fmt.Fprintf(w, "%-12s %2d credits  %s\n", s.Name, s.Credits, strings.Join(s.Capabilities, ","))
				if verbose {
					fmt.Fprintln(w, s.Instructions())
					fmt.Fprintln(w)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the model instructions of each schema")
	return cmd
}
