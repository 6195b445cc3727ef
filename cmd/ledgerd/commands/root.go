package commands

import (
	"github.com/spf13/cobra"

	"github.com/hashpool/ledgerd/src/config"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for ledgerd
var RootCmd = &cobra.Command{
	Use:              "ledgerd",
	Short:            "ledgerd node",
	TraverseChildren: true,
}
