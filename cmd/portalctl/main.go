package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/consultahub/portal-client-go/internal/config"
	"github.com/consultahub/portal-client-go/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "portalctl",
	Short:   "portalctl - consultation portal client",
	Long:    `portalctl talks to the consultation portal backend: session, wallet, recharges, coupons, referral verification.`,
	Version: Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("portalctl %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(rechargeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(hubCmd)

	rechargeCmd.Flags().String("amount", "", "amount to recharge, e.g. 100.00")
	rechargeCmd.Flags().String("method", "pix", "payment method")
	rechargeCmd.Flags().String("coupon", "", "optional coupon code")
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "portalctl",
	})
	appConfig = cfg

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
