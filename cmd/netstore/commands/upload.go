package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/netstore/internal/logger"
	"github.com/marmos91/netstore/pkg/client"
	"github.com/marmos91/netstore/pkg/config"
)

var (
	uploadHost string
	uploadPort int
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path> <file>",
	Short: "Upload a local file and commit it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.MustLoad(cfgFile)
		if err != nil {
			return err
		}

		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return err
		}

		c, err := client.Connect(client.Config{
			Server:   clientServer(cmd, cfg, uploadHost, uploadPort),
			CacheDir: cfg.Client.CacheDir,
		})
		if err != nil {
			return err
		}
		defer c.Close()

		file, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer file.Close()

		if err := c.Upload(args[0], file, nil); err != nil {
			return err
		}
		if err := c.Commit(); err != nil {
			return err
		}

		fmt.Printf("Uploaded %s as %s\n", args[1], args[0])
		return nil
	},
}

// clientServer resolves the server address from flags and config, preferring
// explicit flags.
func clientServer(cmd *cobra.Command, cfg *config.Config, host string, port int) string {
	if cmd.Flags().Changed("host") || cmd.Flags().Changed("port") {
		return fmt.Sprintf("%s:%d", host, port)
	}
	if cfg.Client.Server != "" {
		return cfg.Client.Server
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func init() {
	uploadCmd.Flags().StringVar(&uploadHost, "host", "127.0.0.1", "server address")
	uploadCmd.Flags().IntVar(&uploadPort, "port", config.DefaultPort, "server port")
}
