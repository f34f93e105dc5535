package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/schaermu/sitesyncd/internal/config"
	"github.com/schaermu/sitesyncd/internal/store"
	"github.com/schaermu/sitesyncd/internal/sync"
)

var siteFlags struct {
	id             string
	owner          string
	repository     string
	branch         string
	rootDir        string
	autoSync       bool
	installationID int64
}

var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Manage sites in the local database",
}

var siteCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a site",
	Args:  cobra.NoArgs,
	RunE:  runSiteCreate,
}

var siteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sites",
	Args:  cobra.NoArgs,
	RunE:  runSiteList,
}

var siteUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update the source settings of a site",
	Args:  cobra.ExactArgs(1),
	RunE:  runSiteUpdate,
}

var siteDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a site, its file records and its stored objects",
	Args:  cobra.ExactArgs(1),
	RunE:  runSiteDelete,
}

func init() {
	siteCreateCmd.Flags().StringVar(&siteFlags.id, "id", "", "site ID (generated when empty)")
	siteCreateCmd.Flags().StringVar(&siteFlags.owner, "owner", "", "owning user ID")
	_ = siteCreateCmd.MarkFlagRequired("owner")

	for _, c := range []*cobra.Command{siteCreateCmd, siteUpdateCmd} {
		c.Flags().StringVar(&siteFlags.repository, "repo", "", "GitHub repository (owner/name)")
		c.Flags().StringVar(&siteFlags.branch, "branch", "main", "branch to publish")
		c.Flags().StringVar(&siteFlags.rootDir, "root-dir", "", "content directory inside the repository")
		c.Flags().BoolVar(&siteFlags.autoSync, "auto-sync", false, "re-sync on push")
		c.Flags().Int64Var(&siteFlags.installationID, "installation-id", 0, "GitHub App installation ID")
	}

	siteCmd.AddCommand(siteCreateCmd, siteListCmd, siteUpdateCmd, siteDeleteCmd)
}

// openStore loads the configuration and opens its database.
func openStore(logger *slog.Logger) (*config.Config, *store.Store, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func runSiteCreate(cmd *cobra.Command, args []string) error {
	_, st, err := openStore(setupLogger())
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	site, err := st.CreateSite(store.Site{
		ID:             siteFlags.id,
		OwnerID:        siteFlags.owner,
		Repository:     siteFlags.repository,
		Branch:         siteFlags.branch,
		RootDir:        siteFlags.rootDir,
		AutoSync:       siteFlags.autoSync,
		InstallationID: siteFlags.installationID,
	})
	if err != nil {
		return fmt.Errorf("failed to create site: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), site.ID)
	return nil
}

func runSiteList(cmd *cobra.Command, args []string) error {
	_, st, err := openStore(setupLogger())
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	sites, err := st.ListSites()
	if err != nil {
		return fmt.Errorf("failed to list sites: %w", err)
	}
	return printSites(cmd.OutOrStdout(), sites)
}

func printSites(w io.Writer, sites []store.Site) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tOWNER\tREPOSITORY\tBRANCH\tROOT\tAUTO-SYNC")
	for _, s := range sites {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", s.ID, s.OwnerID, s.Repository, s.Branch, s.RootDir, s.AutoSync)
	}
	return tw.Flush()
}

func runSiteUpdate(cmd *cobra.Command, args []string) error {
	_, st, err := openStore(setupLogger())
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	site, err := st.GetSite(args[0])
	if err != nil {
		return fmt.Errorf("failed to get site: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("repo") {
		site.Repository = siteFlags.repository
	}
	if flags.Changed("branch") {
		site.Branch = siteFlags.branch
	}
	if flags.Changed("root-dir") {
		site.RootDir = siteFlags.rootDir
	}
	if flags.Changed("auto-sync") {
		site.AutoSync = siteFlags.autoSync
	}
	if flags.Changed("installation-id") {
		site.InstallationID = siteFlags.installationID
	}

	if _, err := st.UpdateSite(site); err != nil {
		return fmt.Errorf("failed to update site: %w", err)
	}
	return nil
}

func runSiteDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, st, err := openStore(logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}

	blobs, err := st.DeleteSite(args[0])
	if err != nil {
		return fmt.Errorf("failed to delete site: %w", err)
	}

	engine := sync.NewEngine(cfg, st, objects, nil, logger)
	purged := engine.PurgeObjects(ctx, args[0], blobs)
	if len(purged) < len(blobs) {
		logger.Warn("some stored objects could not be removed", "site_id", args[0], "objects", len(blobs), "removed", len(purged))
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted site %s (%d objects removed)\n", args[0], len(purged))
	return nil
}
