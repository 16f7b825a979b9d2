package cli

import (
	"fmt"

	"github.com/forgeline/director/internal/client"
	"github.com/spf13/cobra"
)

func NewCmdConfig() *cobra.Command {
	var (
		path  = client.DefaultConfigPath()
		actor string
	)
	cmd := &cobra.Command{
		Use:          "config SERVER_URL",
		Short:        "Write the directorctl config file",
		Example:      `  directorctl config http://director.internal:3443 --actor alice`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.WriteConfig(path, args[0], actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", path, "Path to the directorctl config file")
	cmd.Flags().StringVar(&actor, "actor", "", "Name recorded on stage transitions")
	return cmd
}
