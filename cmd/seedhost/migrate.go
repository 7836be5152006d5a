package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/types"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate --to DRIVER",
	Short: "Copy user and node records to another storage driver",
	Long: `Copy every user and node record from the configured storage
driver to another one in the same directory. Records that already exist
in the destination are skipped, so the command can be re-run.

Example:
  seedhost migrate --to sqlite --dry-run
  seedhost migrate --to sqlite`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("to", "", "Destination storage driver (bolt or sqlite)")
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
	migrateCmd.Flags().String("backup", "", "Path to back up the source database before migration (default: <file>.backup)")
	_ = migrateCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(migrateCmd)
}

var storeFiles = map[string]string{
	"bolt":   "seedhost.db",
	"sqlite": "seedhost.sqlite",
}

type migrateStats struct {
	Users, Nodes int
	Skipped      int
	Renumbered   int
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	to, _ := cmd.Flags().GetString("to")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backupPath, _ := cmd.Flags().GetString("backup")

	from := cfg.Storage.Driver
	if _, ok := storeFiles[to]; !ok {
		return fmt.Errorf("unknown storage driver %q", to)
	}
	if to == from {
		return fmt.Errorf("source and destination driver are both %q", to)
	}

	dir := storeDir(cfg)
	srcPath := filepath.Join(dir, storeFiles[from])
	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", srcPath)
	}

	fmt.Printf("Migrating %s → %s\n", from, to)
	fmt.Printf("  Source: %s\n", srcPath)
	fmt.Printf("  Destination: %s\n", filepath.Join(dir, storeFiles[to]))
	fmt.Printf("  Dry run: %v\n", dryRun)

	// Create backup unless in dry-run mode
	if !dryRun {
		if backupPath == "" {
			backupPath = srcPath + ".backup"
		}
		if err := copyFile(srcPath, backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %v", err)
		}
		fmt.Printf("✓ Backup created: %s\n", backupPath)
	}

	src, err := storage.Open(from, dir)
	if err != nil {
		return fmt.Errorf("failed to open source: %v", err)
	}
	defer src.Close()

	dst, err := storage.Open(to, dir)
	if err != nil {
		return fmt.Errorf("failed to open destination: %v", err)
	}
	defer dst.Close()

	stats, err := copyRecords(src, dst, dryRun)
	if err != nil {
		return fmt.Errorf("migration failed: %v", err)
	}

	verb := "Migrated"
	if dryRun {
		verb = "Would migrate"
	}
	fmt.Printf("✓ %s %d users and %d nodes (%d already present)\n", verb, stats.Users, stats.Nodes, stats.Skipped)
	if stats.Renumbered > 0 {
		fmt.Printf("! %d nodes received a new sequence number; their ports are unchanged\n", stats.Renumbered)
	}
	if !dryRun {
		fmt.Printf("Set storage.driver to %q to use the migrated records.\n", to)
	}
	return nil
}

// copyRecords copies users and nodes from src to dst. Nodes are copied in
// sequence order so that a user's deleted nodes precede its live one.
func copyRecords(src, dst storage.Store, dryRun bool) (migrateStats, error) {
	var stats migrateStats

	users, err := src.ListUsers()
	if err != nil {
		return stats, err
	}
	for _, u := range users {
		exists, err := userExists(dst, u.ID)
		if err != nil {
			return stats, err
		}
		if exists {
			stats.Skipped++
			continue
		}
		stats.Users++
		if dryRun {
			continue
		}
		cp := *u
		if err := dst.CreateUser(&cp); err != nil {
			return stats, fmt.Errorf("user %s: %w", u.ID, err)
		}
	}

	nodes, err := src.ListNodes(storage.NodeFilter{IncludeDeleted: true})
	if err != nil {
		return stats, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })

	for _, n := range nodes {
		_, err := dst.GetNode(n.ID)
		switch {
		case err == nil:
			stats.Skipped++
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return stats, err
		}
		stats.Nodes++
		if dryRun {
			continue
		}
		if err := copyNode(dst, n); err != nil {
			return stats, fmt.Errorf("node %s: %w", n.ID, err)
		}
		if moved, err := dst.GetNode(n.ID); err == nil && moved.Seq != n.Seq {
			stats.Renumbered++
		}
	}
	return stats, nil
}

func userExists(store storage.Store, id string) (bool, error) {
	_, err := store.GetUser(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func copyNode(dst storage.Store, n *types.Node) error {
	cp := &types.Node{
		ID:        n.ID,
		UserID:    n.UserID,
		NodeID:    n.NodeID,
		Alias:     n.Alias,
		CreatedAt: n.CreatedAt,
	}
	if err := dst.CreateNode(cp); err != nil {
		return err
	}

	update := storage.NodeUpdate{
		ConnectAddress: &n.ConnectAddress,
		Port:           &n.Port,
		StoragePath:    &n.StoragePath,
	}
	if !n.StartedAt.IsZero() {
		update.StartedAt = &n.StartedAt
	}
	if n.Deleted {
		update.Deleted = &n.Deleted
	}
	_, err := dst.UpdateNode(cp.ID, update)
	return err
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
