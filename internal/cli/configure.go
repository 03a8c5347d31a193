package cli

import (
	"fmt"

	"github.com/harun/theatreblood/internal/config"
	"github.com/spf13/cobra"
)

var configureOpts struct {
	dataDir         string
	remoteURL       string
	apiKey          string
	language        string
	refreshEnabled  bool
	refreshSchedule string
	refreshStore    string
	gatewayEnabled  bool
	gatewayHost     string
	gatewayPort     int
	sharedSecret    string
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the configuration file",
	Long: `Write the configuration file from flags. Settings not given on the command
line keep their current value, or the default when no file exists yet.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&configureOpts.dataDir, "data-dir", "", "directory holding the store files")
	f.StringVar(&configureOpts.remoteURL, "remote-url", "", "remote donor source URL")
	f.StringVar(&configureOpts.apiKey, "api-key", "", "remote donor source API key")
	f.StringVar(&configureOpts.language, "language", "", "remote request language")
	f.BoolVar(&configureOpts.refreshEnabled, "refresh", false, "enable scheduled refresh")
	f.StringVar(&configureOpts.refreshSchedule, "refresh-schedule", "", "5-field cron expression for scheduled refresh")
	f.StringVar(&configureOpts.refreshStore, "refresh-store", "", "store replaced by refresh")
	f.BoolVar(&configureOpts.gatewayEnabled, "gateway", false, "enable the gateway server")
	f.StringVar(&configureOpts.gatewayHost, "gateway-host", "", "gateway listen host")
	f.IntVar(&configureOpts.gatewayPort, "gateway-port", 0, "gateway listen port")
	f.StringVar(&configureOpts.sharedSecret, "shared-secret", "", "gateway shared secret")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("data-dir") {
		cfg.DataDir = configureOpts.dataDir
	}
	if f.Changed("remote-url") {
		cfg.Remote.BaseURL = configureOpts.remoteURL
	}
	if f.Changed("api-key") {
		cfg.Remote.APIKey = configureOpts.apiKey
	}
	if f.Changed("language") {
		cfg.Remote.Language = configureOpts.language
	}
	if f.Changed("refresh") {
		cfg.Refresh.Enabled = configureOpts.refreshEnabled
	}
	if f.Changed("refresh-schedule") {
		cfg.Refresh.Schedule = configureOpts.refreshSchedule
	}
	if f.Changed("refresh-store") {
		cfg.Refresh.Store = configureOpts.refreshStore
	}
	if f.Changed("gateway") {
		cfg.Gateway.Enabled = configureOpts.gatewayEnabled
	}
	if f.Changed("gateway-host") {
		cfg.Gateway.Host = configureOpts.gatewayHost
	}
	if f.Changed("gateway-port") {
		cfg.Gateway.Port = configureOpts.gatewayPort
	}
	if f.Changed("shared-secret") {
		cfg.Gateway.SharedSecret = configureOpts.sharedSecret
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	if err := validateConfig(cfg); err != nil {
		return err
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "You can now start TheatreBlood with: theatreblood serve")
	return nil
}
