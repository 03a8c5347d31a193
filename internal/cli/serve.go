package cli

import (
	"fmt"

	"github.com/harun/theatreblood/internal/config"
	"github.com/harun/theatreblood/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TheatreBlood service in the foreground",
	Long: `Run the TheatreBlood service in the foreground until SIGINT or SIGTERM.
Opens the stores, runs scheduled refreshes and serves the gateway when enabled.
Edits to the config file reschedule refresh without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return err
	}

	loader := config.NewLoader(cfgFile)
	watcher, err := config.NewWatcher(loader, log.Component("config"), func(next *config.Config) {
		if logLevel != "" {
			next.Logging.Level = logLevel
		}
		if err := validateConfig(next); err != nil {
			log.Warn().Err(err).Msg("Ignoring reloaded config")
			return
		}
		if err := d.ApplyConfig(next); err != nil {
			log.Error().Err(err).Msg("Failed to apply reloaded config")
			return
		}
		log.Info().Msg("Config reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Str("path", loader.GetConfigPath()).Msg("Config hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	d.Wait()
	return nil
}
