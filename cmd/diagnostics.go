package cmd

import (
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/Infinibay/backend-sub001/config"
	"github.com/Infinibay/backend-sub001/loggers/cli"
	"github.com/Infinibay/backend-sub001/system"
)

func newDiagnosticsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Collect and print information about this node to assist in debugging.",
		PreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
			log.SetHandler(cli.Default)
		},
		Run: diagnosticsCmdRun,
	}
}

// diagnosticsCmdRun prints the node facts an operator is usually asked for
// first: daemon version, host shape, and where the daemon expects libvirt.
func diagnosticsCmdRun(cmd *cobra.Command, _ []string) {
	info, err := system.GetSystemInformation(cmd.Context())
	if err != nil {
		log.WithField("error", err).Fatal("failed to collect system information")
	}
	c := config.Get()

	fmt.Printf("Version:          %s\n", info.Version)
	fmt.Printf("OS/Arch:          %s/%s\n", info.System.OS, info.System.Architecture)
	fmt.Printf("Kernel:           %s\n", info.System.KernelVersion)
	fmt.Printf("CPU Threads:      %d\n", info.System.CPUThreads)
	fmt.Printf("Memory:           %d bytes\n", info.System.MemoryBytes)
	fmt.Printf("Libvirt Socket:   %s\n", c.Hypervisor.Socket)
	fmt.Printf("Data Directory:   %s\n", c.System.RootDirectory)
	fmt.Printf("Log Directory:    %s\n", c.System.LogDirectory)
}
