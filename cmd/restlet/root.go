package restlet

import (
	"fmt"
	"os"

	"github.com/edgeflare/restlet/pkg/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "restlet",
	Short: "restlet serves PostgreSQL tables as REST resources",
	Long: `restlet exposes the tables declared in restlet.yaml as REST endpoints
with field level policies, payload codecs and PostgREST style queries`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("version") {
			return nil
		}
		var err error
		cfg, err = config.Load(v, cfgFile)
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
			fmt.Fprintln(cmd.OutOrStdout(), config.Version)
			return nil
		}
		// If no subcommand is provided, print help
		return cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/restlet.yaml)")
	pf.StringP("log.level", "L", "info", "log level (debug, info, warn, error)")
	pf.StringP("postgres.connString", "c", "", "PostgreSQL connection string")
	// flags override file and environment settings of the same key
	if err := v.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(serveCmd, routesCmd)
}
