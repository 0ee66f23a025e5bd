package main

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tpn/config"
	"tpn/internal/lease"
	"tpn/internal/logs"
	"tpn/server"
)

var (
	mainCmd = &cobra.Command{
		Use:          "tpn",
		Short:        "WireGuard slot leasing (miner) and tunnel verification (validator)",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API in miner or validator mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			app := &server.App{}
			if err := app.Initialize(cfg); err != nil {
				return err
			}
			return app.Run()
		},
	}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Generate a pool of peerN/peerN.conf client configs for the miner",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			dir, _ := flags.GetString("dir")
			count, _ := flags.GetInt("count")
			endpoint, _ := flags.GetString("endpoint")
			rawSubnet, _ := flags.GetString("subnet")
			rawDNS, _ := flags.GetStringSlice("dns")
			keepalive, _ := flags.GetInt("keepalive")

			subnet, err := netip.ParsePrefix(rawSubnet)
			if err != nil {
				return fmt.Errorf("--subnet: %w", err)
			}
			var dns []netip.Addr
			for _, s := range rawDNS {
				a, err := netip.ParseAddr(s)
				if err != nil {
					return fmt.Errorf("--dns: %w", err)
				}
				dns = append(dns, a)
			}
			key, err := wgtypes.GeneratePrivateKey()
			if err != nil {
				return err
			}
			if err := lease.Seed(afero.NewOsFs(), dir, lease.SeedOptions{
				Count:     count,
				Subnet:    subnet,
				Endpoint:  endpoint,
				DNS:       dns,
				ServerKey: key,
				Keepalive: keepalive,
			}); err != nil {
				return err
			}
			logs.Logger.WithField("dir", dir).Infof("wrote %d peer configs", count)
			// ключ сервера нужен оператору для wg0.conf
			fmt.Printf("server private key: %s\nserver public key:  %s\n", key, key.PublicKey())
			return nil
		},
	}
)

func init() {
	mainCmd.PersistentFlags().String("config", "", "Config file (yaml); CONFIG_FILE env works too")
	bindFlags(mainCmd.PersistentFlags(), map[string]string{"config": "config"})

	serveCmd.Flags().String("mode", config.ModeValidator, "miner|validator")
	serveCmd.Flags().String("address", "0.0.0.0", "Listen address")
	serveCmd.Flags().String("port", "3000", "Listen port")
	bindFlags(serveCmd.Flags(), map[string]string{
		"mode":    "mode",
		"address": "server.address",
		"port":    "server.http_port",
	})

	seedCmd.Flags().StringP("dir", "d", "./wireguard", "Directory for peerN/peerN.conf")
	seedCmd.Flags().IntP("count", "n", 10, "Number of peers")
	seedCmd.Flags().String("endpoint", "", "Server endpoint host:port written into every peer")
	seedCmd.Flags().String("subnet", "10.13.13.0/24", "Tunnel subnet; .1 is the server")
	seedCmd.Flags().StringSlice("dns", []string{"1.1.1.1"}, "DNS servers for peers")
	seedCmd.Flags().Int("keepalive", 25, "PersistentKeepalive, 0 disables")
	_ = seedCmd.MarkFlagRequired("endpoint")

	mainCmd.AddCommand(serveCmd, seedCmd)
}

// bindFlags связывает флаги с ключами viper: флаг, заданный явно,
// перекрывает env и файл конфига.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func main() {
	if err := mainCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
