package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/consultahub/portal-client-go/internal/circuit"
	"github.com/consultahub/portal-client-go/internal/config"
	"github.com/consultahub/portal-client-go/internal/discovery"
	"github.com/consultahub/portal-client-go/internal/events"
	"github.com/consultahub/portal-client-go/internal/gateway"
	"github.com/consultahub/portal-client-go/internal/ledger"
	"github.com/consultahub/portal-client-go/internal/metrics"
	"github.com/consultahub/portal-client-go/internal/money"
	"github.com/consultahub/portal-client-go/internal/session"
	"github.com/consultahub/portal-client-go/internal/store"
	"github.com/consultahub/portal-client-go/internal/verify"
)

// appConfig is loaded once in main before any command runs.
var appConfig *config.Config

// app bundles the wired client components for a command invocation.
type app struct {
	cfg      *config.Config
	kv       *store.KVStore
	cookies  *store.CookieStore
	sessions *session.Manager
	gateway  *gateway.Gateway
	bus      *events.Bus
	ledger   *ledger.Coordinator
	verifier *verify.Verifier
}

// newApp wires the full client stack. The session manager is the gateway's
// token source, so the two are constructed in sequence.
func newApp(cfg *config.Config) (*app, error) {
	kv, err := store.NewKVStore(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	cookies, err := store.NewCookieStore(cfg.DataPath)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("open cookie store: %w", err)
	}

	resolver := discovery.NewResolver(cfg.DiscoveryURL, cfg.DefaultAPIURL, nil)
	sessions := session.NewManager(session.Config{
		Cookies: cookies,
		KV:      kv,
		Window:  cfg.InactivityWindow,
	})
	gw := gateway.New(gateway.Config{
		Resolver:    resolver,
		Tokens:      sessions,
		CacheWindow: cfg.CacheWindow,
	})
	sessions.SetGateway(gw)
	sessions.Restore()

	bus := events.NewBus()
	breakers := circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})
	coordinator := ledger.NewCoordinator(ledger.Config{
		Gateway:     gw,
		Bus:         bus,
		KV:          kv,
		Breakers:    breakers,
		Sessions:    sessions,
		MinRecharge: cfg.MinRecharge,
		MaxRecharge: cfg.MaxRecharge,
	})

	return &app{
		cfg:      cfg,
		kv:       kv,
		cookies:  cookies,
		sessions: sessions,
		gateway:  gw,
		bus:      bus,
		ledger:   coordinator,
		verifier: verify.New(gw),
	}, nil
}

func (a *app) close() {
	a.kv.Close()
}

// withApp runs fn with a wired app and a timeout context.
func withApp(fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appConfig)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return fn(ctx, a)
	}
}

var loginCmd = &cobra.Command{
	Use:   "login <login>",
	Short: "Sign in to the portal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		login := args[0]
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := readPassword()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}

		return withApp(func(ctx context.Context, a *app) error {
			principal, err := a.sessions.SignIn(ctx, login, password)
			if err != nil {
				return err
			}
			fmt.Printf("Signed in as %s (%s)\n", principal.Login, principal.Role)
			if principal.PlanName != "" {
				fmt.Printf("Plan: %s\n", principal.PlanName)
			}
			return nil
		})(cmd, args)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the local session",
	RunE: withApp(func(ctx context.Context, a *app) error {
		a.sessions.SignOut(ctx)
		fmt.Println("Signed out")
		return nil
	}),
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the wallet and plan-credit balance",
	RunE: withApp(func(ctx context.Context, a *app) error {
		snap, err := a.ledger.RefreshBalance(ctx)
		if err != nil {
			// A breaker-open skip still carries the last confirmed snapshot.
			log.Warn().Err(err).Msg("Balance refresh degraded")
		}
		fmt.Printf("Wallet:      %s\n", snap.Wallet)
		fmt.Printf("Plan credit: %s\n", snap.PlanCredit)
		fmt.Printf("Total:       %s\n", snap.Total)
		return nil
	}),
}

var rechargeCmd = &cobra.Command{
	Use:   "recharge",
	Short: "Recharge the wallet, optionally with a coupon",
	RunE: func(cmd *cobra.Command, args []string) error {
		amountStr, _ := cmd.Flags().GetString("amount")
		method, _ := cmd.Flags().GetString("method")
		coupon, _ := cmd.Flags().GetString("coupon")

		if amountStr == "" {
			return fmt.Errorf("--amount is required")
		}
		amount, err := money.Parse(amountStr)
		if err != nil {
			return fmt.Errorf("--amount: %w", err)
		}

		return withApp(func(ctx context.Context, a *app) error {
			op, err := a.ledger.Recharge(ctx, amount, method, coupon)
			if err != nil {
				if op != nil && op.State == ledger.OpFallbackLocal {
					fmt.Fprintf(os.Stderr, "Backend unreachable; operation %s recorded for reconciliation\n", op.Ref)
				}
				return err
			}
			fmt.Printf("Recharged %s (ref %s)\n", op.Amount, op.Ref)
			if snap, ok := a.ledger.Confirmed(); ok {
				fmt.Printf("Balance: %s\n", snap.Total)
			}
			return nil
		})(cmd, args)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the transaction history",
	RunE: withApp(func(ctx context.Context, a *app) error {
		result, err := a.ledger.History(ctx)
		if err != nil {
			return err
		}
		if result.Stale {
			fmt.Fprintln(os.Stderr, "Backend unreachable; showing last known local copy")
		}
		for _, entry := range result.Entries {
			fmt.Printf("%s  %-16s %10s  %s\n", entry.CreatedAt, entry.Kind, entry.Amount, entry.Description)
		}
		if len(result.Entries) == 0 {
			fmt.Println("No transactions")
		}
		return nil
	}),
}

var verifyCmd = &cobra.Command{
	Use:   "verify <user-id>",
	Short: "Check the side effects of a signup-with-referral flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		return withApp(func(ctx context.Context, a *app) error {
			report := a.verifier.Verify(ctx, userID)
			if !report.Verified() {
				return fmt.Errorf("verification could not run: %s", report.FailureReason)
			}

			rows := []struct {
				name string
				ok   bool
			}{
				{"user row", report.UserRow},
				{"profile row", report.ProfileRow},
				{"wallet rows", report.WalletRows},
				{"referral row", report.ReferralRow},
				{"bonus transactions", report.BonusTransactions},
				{"balance updated", report.BalanceUpdated},
				{"audit row", report.AuditRow},
			}
			for _, row := range rows {
				mark := "ok"
				if !row.ok {
					mark = "MISSING"
				}
				fmt.Printf("%-20s %s\n", row.name, mark)
			}
			if report.Complete {
				fmt.Println("Registration is complete")
			} else {
				fmt.Println("Registration is incomplete")
			}
			return nil
		})(cmd, args)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resubmit operations recorded while the backend was unreachable",
	RunE: withApp(func(ctx context.Context, a *app) error {
		settled := a.ledger.ReconcilePending(ctx)
		if len(settled) == 0 {
			fmt.Println("Nothing to reconcile")
			return nil
		}
		for _, op := range settled {
			fmt.Printf("%s  %-16s %s\n", op.Ref, op.Kind, op.State)
		}
		return nil
	}),
}

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Serve the local event hub and metrics endpoint",
	Long:  `Runs the WebSocket event hub UI subscribers connect to, plus the Prometheus metrics endpoint. Intended for loopback use only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := appConfig.EventHubAddr
		if addr == "" {
			addr = "127.0.0.1:7655"
		}

		a, err := newApp(appConfig)
		if err != nil {
			return err
		}
		defer a.close()

		hub := events.NewHub(a.bus)
		stop := make(chan struct{})
		defer close(stop)
		go hub.Run(stop)

		// Background balance poll keeps subscribers fed.
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					if _, err := a.ledger.RefreshBalance(ctx); err != nil {
						log.Debug().Err(err).Msg("Background balance poll failed")
					}
					cancel()
				}
			}
		}()

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		mux.Handle("/metrics", metrics.Handler())

		log.Info().Str("addr", addr).Msg("Event hub listening")
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		return srv.ListenAndServe()
	},
}

// readPassword reads a password without echo when stdin is a terminal,
// falling back to a plain line read for piped input.
func readPassword() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
