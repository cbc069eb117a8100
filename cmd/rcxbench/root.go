package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahrav/go-rcx/htm"
	"github.com/ahrav/go-rcx/numa"
)

const Version = "0.3.0"

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "rcxbench",
		Short: "contention benchmark for mmap lock backends",
		Long: fmt.Sprintf(`rcxbench (v%s)

Runs the same read/write workload against the rwsem, spinlock and rcx
backends and prints per-acquisition latency for each.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rcxbench",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rcxbench v%s\n", Version)
		},
	}
	topologyCmd = &cobra.Command{
		Use:   "topology",
		Short: "Print the detected CPU and transaction support",
		Run: func(cmd *cobra.Command, args []string) {
			t := numa.Detect()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cpu:          %s\n", t.Brand)
			fmt.Fprintf(out, "logical cpus: %d\n", t.LogicalCPUs)
			fmt.Fprintf(out, "procs:        %d\n", t.Procs)
			fmt.Fprintf(out, "cache line:   %d\n", t.CacheLine)
			fmt.Fprintf(out, "rtm:          %t (usable: %t)\n", t.RTM, htm.Supported())
			fmt.Fprintf(out, "engine:       %s\n", htm.Default().Name())
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
}

// initConfig loads env files, then the optional config file.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("rcxbench")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "rcxbench: reading %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
