package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/theatreblood/internal/config"
	"github.com/harun/theatreblood/internal/daemon"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/mutation"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/harun/theatreblood/pkg/repository"
	"github.com/spf13/cobra"
)

var (
	insertDonor    donor.Donor
	insertProducts []string
	refreshStore   string
	searchStores   []string
	searchProducts bool
	searchJSON     bool
	countsJSON     bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Replace a store with the remote donor collection",
	Long: `Back up the store, empty it, fetch the remote donor collection and insert it.
The previous contents stay in the backup files; restore brings them back.`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search donors by name across stores",
	Long: `Search donors by "Last, First" prefix across stores. Stores are searched in
order and the first store holding a donor identity wins.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

var countsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show donor and product counts per store",
	Args:  cobra.NoArgs,
	RunE:  runCounts,
}

var insertCmd = &cobra.Command{
	Use:   "insert <store>",
	Short: "Insert a donor, optionally with products",
	Long: `Insert a donor into a store. Missing donor and product ids are generated.
An existing donor with the same id is replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: runInsert,
}

var backupCmd = &cobra.Command{
	Use:   "backup <store>",
	Short: "Copy a store's files to its backup set",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <store>",
	Short: "Copy a store's backup set over its live files",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

func init() {
	refreshCmd.Flags().StringVar(&refreshStore, "store", "", "store to refresh (default is refresh.store from the config)")
	searchCmd.Flags().StringSliceVar(&searchStores, "stores", nil, "stores to search, in priority order (default is search.stores from the config)")
	searchCmd.Flags().BoolVar(&searchProducts, "products", false, "include each donor's products")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print results as JSON")
	countsCmd.Flags().BoolVar(&countsJSON, "json", false, "print counts as JSON")

	insertCmd.Flags().StringVar(&insertDonor.ID, "id", "", "donor id (generated when empty)")
	insertCmd.Flags().StringVar(&insertDonor.LastName, "last", "", "last name")
	insertCmd.Flags().StringVar(&insertDonor.FirstName, "first", "", "first name")
	insertCmd.Flags().StringVar(&insertDonor.MiddleName, "middle", "", "middle name")
	insertCmd.Flags().StringVar(&insertDonor.DOB, "dob", "", "date of birth")
	insertCmd.Flags().StringSliceVar(&insertProducts, "product", nil, "product id to attach (repeatable)")

	rootCmd.AddCommand(refreshCmd, searchCmd, countsCmd, insertCmd, backupCmd, restoreCmd)
}

// withRepository opens the configured stores around fn
func withRepository(cfg *config.Config, fn func(*repository.Repository) error) error {
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	repo, err := daemon.NewRepository(cfg, log)
	if err != nil {
		return err
	}
	if err := repo.Open(); err != nil {
		_ = repo.Close()
		return err
	}
	defer repo.Close()

	return fn(repo)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := refreshStore
	if name == "" {
		name = cfg.Refresh.Store
	}
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is not configured")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withRepository(cfg, func(repo *repository.Repository) error {
		res, err := repo.RefreshAndWait(ctx, name)
		if err != nil {
			return fmt.Errorf("refresh of %s failed: %w", name, err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Refreshed %s: %d donors, %d products in %s\n",
			res.Store, len(res.Donors), res.Products, res.Duration.Round(time.Millisecond))
		fmt.Fprintf(out, "Backup: %d files copied\n", res.Backup.Copied())
		return nil
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	return withRepository(cfg, func(repo *repository.Repository) error {
		if searchProducts {
			entries, err := repo.SearchWithProducts(cmd.Context(), args[0], searchStores)
			if err != nil {
				return err
			}
			if searchJSON {
				return writeJSON(out, entries)
			}
			for _, e := range entries {
				printDonor(out, e.Donor)
				for _, p := range e.Products {
					fmt.Fprintf(out, "    product %s\n", p.ID)
				}
			}
			fmt.Fprintf(out, "%d donors\n", len(entries))
			return nil
		}

		donors, err := repo.Search(cmd.Context(), args[0], searchStores)
		if err != nil {
			return err
		}
		if searchJSON {
			return writeJSON(out, donors)
		}
		for _, d := range donors {
			printDonor(out, d)
		}
		fmt.Fprintf(out, "%d donors\n", len(donors))
		return nil
	})
}

func runCounts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	return withRepository(cfg, func(repo *repository.Repository) error {
		counts, err := repo.Counts(cmd.Context(), nil)
		if err != nil {
			return err
		}
		if countsJSON {
			return writeJSON(out, counts)
		}
		for _, sc := range counts.Stores {
			fmt.Fprintf(out, "%-10s donors=%d products=%d\n", sc.Store, sc.Donors, sc.Products)
		}
		fmt.Fprintf(out, "Distinct donors: %d\n", counts.DistinctDonors)
		return nil
	})
}

func runInsert(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if insertDonor.LastName == "" && insertDonor.FirstName == "" {
		return fmt.Errorf("a donor needs --last or --first")
	}

	products := make([]donor.Product, 0, len(insertProducts))
	for _, id := range insertProducts {
		products = append(products, donor.Product{ID: id})
	}

	return withRepository(cfg, func(repo *repository.Repository) error {
		done := make(chan outcome.Result[mutation.Written], 1)
		completion := func(r outcome.Result[mutation.Written]) { done <- r }

		if len(products) > 0 {
			repo.InsertWithProducts(cmd.Context(), args[0], insertDonor, products, completion)
		} else {
			repo.Insert(cmd.Context(), args[0], insertDonor, completion)
		}

		r := <-done
		if !r.OK() {
			return r.Err()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Inserted donor %s into %s", r.Value.DonorIDs[0], r.Value.Store)
		if n := len(r.Value.ProductIDs); n > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), " with %d products", n)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	})
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	return withRepository(cfg, func(repo *repository.Repository) error {
		set, err := repo.Backup(args[0])
		for _, f := range set.Files {
			fmt.Fprintf(out, "%-8s %s\n", f.Status, f.Source)
		}
		if err != nil {
			return fmt.Errorf("backup of %s incomplete: %w", args[0], err)
		}
		fmt.Fprintf(out, "Backed up %s: %d files copied\n", set.Store, set.Copied())
		return nil
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	return withRepository(cfg, func(repo *repository.Repository) error {
		if err := repo.Restore(args[0]); err != nil {
			return fmt.Errorf("restore of %s failed: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from backup\n", args[0])
		return nil
	})
}

func printDonor(out io.Writer, d donor.Donor) {
	line := d.DisplayName()
	if d.DOB != "" {
		line += " (" + d.DOB + ")"
	}
	fmt.Fprintf(out, "%s [%s]\n", line, d.ID)
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
