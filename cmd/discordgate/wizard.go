package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"discordgate/internal/config"

	"github.com/spf13/cobra"
)

var dmPolicies = []struct {
	ID   string
	Desc string
}{
	{"pairing", "unknown senders get a code you approve with 'discordgate pairing approve'"},
	{"allowlist", "only user ids in discord.dm.allowFrom (plus approved pairings)"},
	{"open", "anyone can DM the bot"},
	{"disabled", "ignore all DMs"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: bot token → DM policy → agent host → save config",
		Long:  "Guides you through the bot token, who may DM the bot and where messages are dispatched. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Token
	fmt.Println("\n--- Step 1: Bot token ---")
	// The loaded config already has env references expanded, so never offer
	// the current value as the default: it would write the secret to disk.
	fmt.Fprint(os.Stdout, "Discord bot token, or an env reference")
	tok, err := prompt("${DISCORD_BOT_TOKEN}")
	if err != nil {
		return err
	}
	cfg.Discord.Token = tok

	// Step 2: DM policy
	fmt.Println("\n--- Step 2: Who may DM the bot ---")
	defNum := "1"
	for i, p := range dmPolicies {
		fmt.Fprintf(os.Stdout, "  %d) %s: %s\n", i+1, p.ID, p.Desc)
		if p.ID == cfg.Discord.DM.Policy {
			defNum = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprint(os.Stdout, "Choose policy (1-"+fmt.Sprint(len(dmPolicies))+")")
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(dmPolicies) {
		idx = 1
	}
	cfg.Discord.DM.Policy = dmPolicies[idx-1].ID
	if cfg.Discord.DM.Policy == "allowlist" {
		fmt.Fprint(os.Stdout, "Allowed user ids, comma separated")
		ids, err := prompt(strings.Join(cfg.Discord.DM.AllowFrom, ","))
		if err != nil {
			return err
		}
		if err := config.SetByPath(cfg, "discord.dm.allowFrom", ids); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stdout, "  Using DM policy: %s\n", cfg.Discord.DM.Policy)

	// Step 3: Agent host
	fmt.Println("\n--- Step 3: Agent host ---")
	fmt.Fprint(os.Stdout, "Agent webhook URL (empty: record messages as system events only)")
	url, err := prompt(cfg.Agent.URL)
	if err != nil {
		return err
	}
	cfg.Agent.URL = url
	if url != "" {
		fmt.Fprint(os.Stdout, "Agent API key or env reference (optional)")
		key, err := prompt(cfg.Agent.APIKey)
		if err != nil {
			return err
		}
		cfg.Agent.APIKey = key
	}

	// Save
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'discordgate doctor', then 'discordgate run'.")
	return nil
}
