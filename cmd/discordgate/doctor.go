package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"discordgate/internal/channel"
	"discordgate/internal/config"
	"discordgate/internal/security"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var skipNetwork bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your discordgate installation",
		Long: `Verifies that the configuration, bot token, pairing database, media
directory and agent host are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("discordgate doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'discordgate init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Bot token
			switch {
			case cfg.Discord.Token == "":
				printFail("Bot token", "discord.token and DISCORD_BOT_TOKEN are both empty")
				failed++
			case skipNetwork:
				printWarn("Bot token", "set (not probed, --offline)")
				warned++
			default:
				res := channel.ProbeToken(context.Background(), cfg.Discord.Token, 5*time.Second)
				if res.OK {
					printPass("Bot token", fmt.Sprintf("%s (%s)", res.Username, res.UserID))
					passed++
				} else {
					printFail("Bot token", res.Error)
					failed++
				}
			}

			// 4. Pairing database writable
			if schema, err := checkDatabase(cfg.Pairing.DBPath); err != nil {
				printFail("Pairing database", err.Error())
				failed++
			} else {
				printPass("Pairing database", fmt.Sprintf("%s (schema v%d)", cfg.Pairing.DBPath, schema))
				passed++
			}

			// 5. Media directory writable
			if err := checkWritableDir(cfg.Media.Dir); err != nil {
				printFail("Media directory", err.Error())
				failed++
			} else {
				printPass("Media directory", cfg.Media.Dir)
				passed++
			}

			// 6. DM policy sanity
			if cfg.Discord.DM.Policy == "allowlist" && len(cfg.Discord.DM.AllowFrom) == 0 {
				printWarn("DM policy", "allowlist with empty allowFrom: only paired senders get through")
				warned++
			} else if cfg.Discord.DM.Policy == "open" {
				printWarn("DM policy", "open: anyone can DM the bot")
				warned++
			} else {
				printPass("DM policy", cfg.Discord.DM.Policy)
				passed++
			}

			// 7. Agent host
			switch {
			case cfg.Agent.URL == "":
				printWarn("Agent host", "agent.url not set: messages are recorded as system events only")
				warned++
			case skipNetwork:
				printPass("Agent host", cfg.Agent.URL+" (not contacted)")
				passed++
			default:
				if err := checkReachable(cfg.Agent.URL); err != nil {
					printWarn("Agent host", err.Error())
					warned++
				} else {
					printPass("Agent host", cfg.Agent.URL)
					passed++
				}
			}

			// 8. Status port
			if cfg.Status.Enabled {
				addr := net.JoinHostPort(cfg.Status.Host, strconv.Itoa(cfg.Status.Port))
				if err := checkPort(addr); err != nil {
					printWarn("Status port", fmt.Sprintf("%s may be in use: %v", addr, err))
					warned++
				} else {
					printPass("Status port", addr+" available")
					passed++
				}
			}

			// 9. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running discordgate.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\ndiscordgate should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Start it with 'discordgate run'.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipNetwork, "offline", false, "skip checks that contact Discord or the agent host")
	return cmd
}

// checkDatabase opens the pairing store, which applies pending migrations,
// and verifies the database accepts writes.
func checkDatabase(dbPath string) (int, error) {
	store, err := security.NewPairingStore(security.PairingConfig{DBPath: dbPath, Logger: logger})
	if err != nil {
		return 0, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := store.CleanExpired(ctx); err != nil {
		return 0, fmt.Errorf("not writable: %w", err)
	}
	return store.SchemaVersion(ctx)
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// checkReachable only verifies that something answers HTTP at url; any
// status code counts.
func checkReachable(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
