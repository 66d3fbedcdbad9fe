package commands

import (
	"github.com/fedmesh/fedmesh/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for fedmesh
var RootCmd = &cobra.Command{
	Use:              "fedmesh",
	Short:            "fedmesh coordination substrate",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		NewKeygenCmd(),
		VersionCmd,
	)
}
