package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/harun/theatreblood/internal/config"
	"github.com/harun/theatreblood/internal/daemon"
	"github.com/harun/theatreblood/pkg/gateway"
	"github.com/harun/theatreblood/pkg/repository"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service and store status",
	Long: `Show whether the service is running and, from the running gateway when
enabled or from the stores directly otherwise, per-store counts and refresh state.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := daemon.ReadPID(pidFile)
	running := err == nil && daemon.ProcessAlive(pid)
	if !running {
		fmt.Fprintln(out, "Status: stopped")
	} else {
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	}

	var st repository.Status
	if running && cfg.Gateway.Enabled {
		st, err = fetchGatewayStatus(cmd.Context(), cfg)
	} else {
		err = withRepository(cfg, func(repo *repository.Repository) error {
			var serr error
			st, serr = repo.Status(cmd.Context())
			return serr
		})
	}
	if err != nil {
		return err
	}

	printStatus(out, st, running && cfg.Gateway.Enabled)
	return nil
}

func fetchGatewayStatus(ctx context.Context, cfg *config.Config) (repository.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)) + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return repository.Status{}, err
	}
	if cfg.Gateway.SharedSecret != "" {
		req.Header.Set(gateway.SecretHeader, cfg.Gateway.SharedSecret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return repository.Status{}, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return repository.Status{}, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var body struct {
		Status repository.Status `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return repository.Status{}, fmt.Errorf("failed to decode gateway status: %w", err)
	}
	return body.Status, nil
}

func printStatus(out io.Writer, st repository.Status, live bool) {
	if live {
		fmt.Fprintf(out, "Transport: %s", st.Transport.State)
		if st.Transport.Metered {
			fmt.Fprint(out, " (metered)")
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Live donors: %d\n", st.LiveDonors)
	}

	fmt.Fprintln(out, "Stores:")
	for _, sc := range st.Counts.Stores {
		fmt.Fprintf(out, "  %-10s donors=%d products=%d", sc.Store, sc.Donors, sc.Products)
		if state, ok := st.Refresh[sc.Store]; ok && live {
			fmt.Fprintf(out, " refresh=%s", state)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "Distinct donors: %d\n", st.Counts.DistinctDonors)

	if len(st.SearchOrder) > 0 {
		fmt.Fprintf(out, "Search order: %s\n", strings.Join(st.SearchOrder, ", "))
	}

	if live {
		names := make([]string, 0, len(st.Queue))
		for name := range st.Queue {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lane := st.Queue[name]
			if lane.Pending == 0 && lane.Completed == 0 && lane.Failed == 0 {
				continue
			}
			fmt.Fprintf(out, "Writes on %s: queued=%d completed=%d failed=%d\n", name, lane.Pending, lane.Completed, lane.Failed)
		}
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
