package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/marmos91/netstore/pkg/api"
	"github.com/marmos91/netstore/pkg/config"
)

var (
	statusHost string
	statusPort int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running server or proxy",
	Long: `Query the admin API of a running storage server or proxy and print
its status: role, uptime, active connections and, for a proxy, the health of
every pool backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://%s:%d/status", statusHost, statusPort)

		httpClient := &http.Client{Timeout: 5 * time.Second}
		resp, err := httpClient.Get(url)
		if err != nil {
			return fmt.Errorf("failed to reach admin API at %s: %w", url, err)
		}
		defer resp.Body.Close()

		var status api.Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("failed to decode status: %w", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Field", "Value"})
		table.Append([]string{"Role", status.Role})
		table.Append([]string{"Version", status.Version})
		table.Append([]string{"Uptime", (time.Duration(status.UptimeSeconds) * time.Second).String()})
		table.Append([]string{"Active connections", strconv.Itoa(int(status.ActiveConnections))})
		table.Render()

		if len(status.Backends) > 0 {
			backends := tablewriter.NewWriter(os.Stdout)
			backends.SetHeader([]string{"Backend", "Connected"})
			for _, b := range status.Backends {
				backends.Append([]string{b.Address, strconv.FormatBool(b.Connected)})
			}
			backends.Render()
		}

		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusHost, "host", "127.0.0.1", "admin API address")
	statusCmd.Flags().IntVar(&statusPort, "port", config.DefaultAPIPort, "admin API port")
}
