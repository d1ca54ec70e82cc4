package cmd

import (
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/Infinibay/backend-sub001/config"
	"github.com/Infinibay/backend-sub001/firewall"
	"github.com/Infinibay/backend-sub001/hypervisor"
	"github.com/Infinibay/backend-sub001/internal/database"
	"github.com/Infinibay/backend-sub001/loggers/cli"
)

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-push every active firewall filter to the hypervisor and exit.",
		Long: "Redefines the nwfilter document of every active rule set from the relational " +
			"store. Use after restoring a node, or whenever libvirt state drifted from the " +
			"database (the database always wins).",
		PreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
			log.SetHandler(cli.Default)
		},
		Run: func(cmd *cobra.Command, args []string) {
			if err := database.Initialize(); err != nil {
				log.WithField("error", err).Fatal("failed to initialize database")
			}
			c := config.Get()
			hv := hypervisor.NewLibvirtClient(
				c.Hypervisor.Socket,
				time.Duration(c.Hypervisor.TimeoutSeconds)*time.Second,
			)
			svc := firewall.NewService(database.Instance(), hv)
			firewall.NewReconciler(svc, 0, c.Hypervisor.ReconcileWorkers).ReconcileAll(cmd.Context())
		},
	}
}
