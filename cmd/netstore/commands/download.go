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
	downloadHost string
	downloadPort int
)

var downloadCmd = &cobra.Command{
	Use:   "download <path> <file>",
	Short: "Download a remote file into a local file",
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
			Server:   clientServer(cmd, cfg, downloadHost, downloadPort),
			CacheDir: cfg.Client.CacheDir,
		})
		if err != nil {
			return err
		}
		defer c.Close()

		out, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer out.Close()

		if _, err := c.Download(args[0], out); err != nil {
			os.Remove(args[1])
			return err
		}

		fmt.Printf("Downloaded %s to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringVar(&downloadHost, "host", "127.0.0.1", "server address")
	downloadCmd.Flags().IntVar(&downloadPort, "port", config.DefaultPort, "server port")
}
