package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stiltdev/stilt/common/log/hooks"
	"github.com/stiltdev/stilt/scheduler/config"
)

// CLI binary to inspect the scheduler's blacklist configuration.
//	Supported commands: (see "-h" for all options)
//		check --config [properties file]
//	Global flags:
//		--log_level [<error|info|debug> level and above should be logged]

var logLevel string

func main() {
	log.AddHook(hooks.NewContextHook())

	rootCmd := &cobra.Command{
		Use:   "blacklistcl",
		Short: "blacklistcl inspects stilt scheduler blacklist configuration",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
		Run: func(*cobra.Command, []string) {},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log_level", "info",
		"Log everything at this level and above (error|info|debug)")
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("Error running blacklistcl ", err)
	}
}

func checkCmd() *cobra.Command {
	var configFile string
	r := &cobra.Command{
		Use:   "check",
		Short: "Check a scheduler configuration file's blacklist settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.ReadProperties(configFile)
			if err != nil {
				return err
			}
			enabled, err := config.IsBlacklistEnabled(conf)
			if err != nil {
				return err
			}
			if !enabled {
				fmt.Println("blacklisting: disabled")
				return nil
			}
			bc, err := config.NewBlacklistConfig(conf)
			if err != nil {
				return err
			}
			fmt.Println("blacklisting: enabled")
			fmt.Println(bc.String())
			return nil
		},
	}
	r.Flags().StringVar(&configFile, "config", "", "Path to a key=value properties file")
	r.MarkFlagRequired("config")
	return r
}
