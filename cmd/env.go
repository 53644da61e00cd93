package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ollama/modelkit/envconfig"
)

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Print the environment variables modelkit reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()

			table := newTable(cmd, "NAME", "VALUE", "DESCRIPTION")
			for _, k := range slices.Sorted(maps.Keys(vars)) {
				v := vars[k]
				table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}
}
