package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"discordgate/internal/domain"
	"discordgate/internal/security"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage pairing requests and the approved sender list",
		Long: "Unknown DM senders receive a pairing code when discord.dm.policy is 'pairing'.\n" +
			"Approving the code adds the sender to the allowlist.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [channel]",
		Short: "List pending pairing requests",
		Args:  cobra.MaximumNArgs(1),
		RunE: withPairingStore(func(ctx context.Context, store *security.PairingStore, args []string) error {
			reqs, err := store.ListPending(ctx, optionalChannel(args))
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Println("No pending pairing requests.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tCODE\tUSER\tNAME\tREQUESTED\tEXPIRES")
			for _, r := range reqs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Channel, r.Code, r.UserID, displayName(r.Meta),
					humanize.Time(r.CreatedAt), humanize.Time(r.ExpiresAt))
			}
			return tw.Flush()
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "approve [channel] <code>",
		Short: "Approve a pending pairing code",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withPairingStore(func(ctx context.Context, store *security.PairingStore, args []string) error {
			ch, code := channelAndValue(args)
			req, err := store.Approve(ctx, ch, code)
			if errors.Is(err, domain.ErrPairingNotFound) {
				return fmt.Errorf("no pending request with code %s on %s (expired or already handled)", code, ch)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Approved %s user %s%s.\n", req.Channel, req.UserID, nameSuffix(req.Meta))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reject [channel] <code>",
		Short: "Reject a pending pairing code",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withPairingStore(func(ctx context.Context, store *security.PairingStore, args []string) error {
			ch, code := channelAndValue(args)
			if err := store.Reject(ctx, ch, code); err != nil {
				if errors.Is(err, domain.ErrPairingNotFound) {
					return fmt.Errorf("no pending request with code %s on %s", code, ch)
				}
				return err
			}
			fmt.Printf("Rejected %s.\n", code)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke [channel] <user-id>",
		Short: "Remove a sender from the approved list",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withPairingStore(func(ctx context.Context, store *security.PairingStore, args []string) error {
			ch, user := channelAndValue(args)
			if err := store.Revoke(ctx, ch, user); err != nil {
				return err
			}
			fmt.Printf("Revoked %s user %s.\n", ch, user)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "allowed [channel]",
		Short: "List approved senders",
		Args:  cobra.MaximumNArgs(1),
		RunE: withPairingStore(func(ctx context.Context, store *security.PairingStore, args []string) error {
			users, err := store.ListAllowed(ctx, optionalChannel(args))
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Println("No approved senders (static discord.dm.allowFrom entries are not listed).")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tUSER\tAPPROVED")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Channel, u.UserID, humanize.Time(u.ApprovedAt))
			}
			return tw.Flush()
		}),
	})

	return cmd
}

// withPairingStore opens the configured pairing database for one command.
func withPairingStore(fn func(ctx context.Context, store *security.PairingStore, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := security.NewPairingStore(security.PairingConfig{
			DBPath:     cfg.Pairing.DBPath,
			PendingTTL: time.Duration(cfg.Pairing.PendingTTLMinutes) * time.Minute,
			MaxPending: cfg.Pairing.MaxPending,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return fn(ctx, store, args)
	}
}

// channelAndValue accepts "<value>" or "<channel> <value>"; the channel
// defaults to discord.
func channelAndValue(args []string) (string, string) {
	if len(args) == 2 {
		return args[0], args[1]
	}
	return pairingChannel, args[0]
}

// optionalChannel returns the channel filter; empty lists every channel.
func optionalChannel(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return ""
}

func displayName(meta map[string]string) string {
	if meta["tag"] != "" {
		return meta["tag"]
	}
	if meta["name"] != "" {
		return meta["name"]
	}
	return "-"
}

func nameSuffix(meta map[string]string) string {
	if n := displayName(meta); n != "-" {
		return " (" + n + ")"
	}
	return ""
}
