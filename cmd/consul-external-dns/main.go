package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	_ "github.com/yuriy-kovalchuk/consul-external-dns/internal/dns/providers"
)

var Version = "dev"

var zapOpts = zap.Options{
	TimeEncoder: zapcore.ISO8601TimeEncoder,
}

var rootCmd = &cobra.Command{
	Use:   "consul-external-dns",
	Short: "Publish DNS records declared in Consul service tags",
	Long: `consul-external-dns watches the Consul catalog for services tagged with
<prefix>.enable=true and keeps the DNS records they declare in sync with a
DNS provider:

  external-dns.enable=true
  external-dns.web.hostname=app.example.com
  external-dns.web.type=A
  external-dns.web.value=10.0.0.10
  external-dns.web.ttl=300

Only one instance writes at a time; the others wait on a Consul lock.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
	},
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: loading .env file: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	goflags := flag.NewFlagSet("zap", flag.ExitOnError)
	zapOpts.BindFlags(goflags)
	rootCmd.PersistentFlags().AddGoFlagSet(goflags)

	addCommonFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(hetznerCmd)
	rootCmd.AddCommand(opnsenseCmd)
}
