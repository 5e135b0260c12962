package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perfwatch/agent/lib/consts"
)

func getVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "show the agent version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(consts.Banner())
		},
	}
}
