package main

import (
	"strings"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
)

var hetznerFlags = []providerFlag{
	{flag: "api-token", setting: "api_token", env: "HETZNER_DNS_TOKEN"},
	{flag: "api-url", setting: "api_url"},
	{flag: "timeout", setting: "timeout"},
}

var opnsenseFlags = []providerFlag{
	{flag: "base-url", setting: "base_url", env: "OPNSENSE_URL"},
	{flag: "api-key", setting: "api_key", env: "OPNSENSE_API_KEY"},
	{flag: "api-secret", setting: "api_secret", env: "OPNSENSE_API_SECRET"},
	{flag: "skip-tls-verify", setting: "skip_tls_verify"},
	{flag: "description", setting: "description"},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run with the provider named in the config file",
	Long:  "Run with the provider named by the `provider` key of the config file (one of: " + strings.Join(dns.Registered(), ", ") + ").",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags(), "", nil)
		if err != nil {
			return err
		}
		return run(ctrl.SetupSignalHandler(), cfg)
	},
}

var hetznerCmd = &cobra.Command{
	Use:   "hetzner",
	Short: "Manage records in Hetzner DNS",
	Long: `Manage records in a Hetzner DNS zone. --zone is the Hetzner zone id.
The API token defaults to $HETZNER_DNS_TOKEN.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags(), "hetzner", hetznerFlags)
		if err != nil {
			return err
		}
		return run(ctrl.SetupSignalHandler(), cfg)
	},
}

var opnsenseCmd = &cobra.Command{
	Use:   "opnsense",
	Short: "Manage Unbound host overrides on OPNsense",
	Long: `Manage Unbound host overrides on an OPNsense firewall. --zone is the
domain suffix records must belong to. Credentials default to
$OPNSENSE_API_KEY and $OPNSENSE_API_SECRET.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags(), "opnsense", opnsenseFlags)
		if err != nil {
			return err
		}
		return run(ctrl.SetupSignalHandler(), cfg)
	},
}

func init() {
	hetznerCmd.Flags().String("api-token", "", "Hetzner DNS API token (env HETZNER_DNS_TOKEN)")
	hetznerCmd.Flags().String("api-url", "", "Hetzner DNS API base URL")
	hetznerCmd.Flags().String("timeout", "", "HTTP timeout for API calls, e.g. 30s")

	opnsenseCmd.Flags().String("base-url", "", "OPNsense API base URL, e.g. https://opnsense.local/api (env OPNSENSE_URL)")
	opnsenseCmd.Flags().String("api-key", "", "OPNsense API key (env OPNSENSE_API_KEY)")
	opnsenseCmd.Flags().String("api-secret", "", "OPNsense API secret (env OPNSENSE_API_SECRET)")
	opnsenseCmd.Flags().String("skip-tls-verify", "", "Set to true to skip TLS verification")
	opnsenseCmd.Flags().String("description", "", "Description stored on created host overrides")
}
