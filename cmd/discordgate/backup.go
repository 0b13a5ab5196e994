package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"discordgate/internal/config"
	"discordgate/internal/security"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	manifestEntry = "manifest.json"
	pairingEntry  = "pairing.db"
	archiveFormat = 1
)

// manifest is the first entry of every backup archive.
type manifest struct {
	Format    int       `json:"format"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	Entries   []string  `json:"entries"`
}

// archiveEntry is a file to place in the archive under name.
type archiveEntry struct {
	name string
	path string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the pairing database and config",
		Long: `Writes a .tar.gz archive holding a consistent snapshot of the pairing
database (allowlist and pending requests) and the configuration file. The
gateway may keep running while the backup is taken.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := resolveDBPath(cfgPath)

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "discordgate-backup-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			staging, err := os.MkdirTemp("", "discordgate-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(staging)

			var entries []archiveEntry
			if _, err := os.Stat(dbPath); err == nil {
				snap := filepath.Join(staging, pairingEntry)
				if err := snapshotPairing(cmd.Context(), dbPath, snap); err != nil {
					return err
				}
				entries = append(entries, archiveEntry{name: pairingEntry, path: snap})
			}
			if _, err := os.Stat(cfgPath); err == nil {
				entries = append(entries, archiveEntry{name: "config" + filepath.Ext(cfgPath), path: cfgPath})
			}
			if len(entries) == 0 {
				return fmt.Errorf("nothing to back up (db: %s, config: %s)", dbPath, cfgPath)
			}

			size, err := writeArchive(outputPath, entries, time.Now())
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s (%s)\n", outputPath, humanize.IBytes(uint64(size)))
			for _, e := range entries {
				fmt.Printf("  - %s\n", e.name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.discordgate/backups/discordgate-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the pairing database and config from a backup",
		Long: `Restores a backup written by "discordgate backup". Stop the gateway
first: the pairing database is replaced in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := resolveDBPath(cfgPath)

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("Existing data would be overwritten:\n  database: %s\n  config:   %s\n", dbPath, cfgPath)
						return errors.New("restore aborted (use --force to proceed)")
					}
				}
			}

			m, restored, err := readArchive(args[0], dbPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restored backup from %s", args[0])
			if !m.CreatedAt.IsZero() {
				fmt.Printf(" (taken %s by discordgate %s)", humanize.Time(m.CreatedAt), m.Version)
			}
			fmt.Println()
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without asking")
	return cmd
}

// resolveDBPath reads the pairing database location from config, falling
// back to the default layout when the config cannot be loaded.
func resolveDBPath(cfgPath string) string {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
		cfg.Resolve()
	}
	return cfg.Pairing.DBPath
}

func snapshotPairing(ctx context.Context, dbPath, dest string) error {
	store, err := security.NewPairingStore(security.PairingConfig{DBPath: dbPath, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return store.Snapshot(ctx, dest)
}

// writeArchive writes the manifest followed by entries and returns the
// archive size.
func writeArchive(outputPath string, entries []archiveEntry, now time.Time) (int64, error) {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	m := manifest{Format: archiveFormat, Version: version, CreatedAt: now.UTC()}
	for _, e := range entries {
		m.Entries = append(m.Entries, e.name)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := tw.WriteHeader(&tar.Header{Name: manifestEntry, Mode: 0o600, Size: int64(len(data)), ModTime: now}); err != nil {
		return 0, err
	}
	if _, err := tw.Write(data); err != nil {
		return 0, err
	}

	for _, e := range entries {
		if err := appendFile(tw, e); err != nil {
			return 0, fmt.Errorf("add %s: %w", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	info, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func appendFile(tw *tar.Writer, e archiveEntry) error {
	f, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = e.name
	hdr.Mode = 0o600
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// readArchive restores the pairing database to dbPath and the config to
// cfgPath. Unknown entries are skipped. Stale WAL side files of the old
// database are removed so SQLite does not replay them over the restored copy.
func readArchive(archivePath, dbPath, cfgPath string) (manifest, []string, error) {
	var m manifest

	f, err := os.Open(archivePath)
	if err != nil {
		return m, nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return m, nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return m, nil, err
		}

		name := filepath.Base(hdr.Name)
		var target string
		switch {
		case name == manifestEntry:
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return m, nil, fmt.Errorf("read manifest: %w", err)
			}
			if m.Format > archiveFormat {
				return m, nil, fmt.Errorf("backup format %d is newer than supported format %d", m.Format, archiveFormat)
			}
			continue
		case name == pairingEntry:
			target = dbPath
			for _, side := range []string{dbPath + "-wal", dbPath + "-shm"} {
				if err := os.Remove(side); err != nil && !os.IsNotExist(err) {
					return m, nil, err
				}
			}
		case strings.HasPrefix(name, "config.") && isConfigExt(name):
			target = cfgPath
		default:
			continue
		}

		if err := writeRestored(target, tr); err != nil {
			return m, nil, err
		}
		restored = append(restored, target)
	}
	return m, restored, nil
}

func writeRestored(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}

func isConfigExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
