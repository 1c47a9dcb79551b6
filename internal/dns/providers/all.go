// Package providers imports all DNS provider packages to trigger their init() registration.
package providers

import (
	_ "github.com/yuriy-kovalchuk/consul-external-dns/internal/dns/hetzner"
	_ "github.com/yuriy-kovalchuk/consul-external-dns/internal/dns/opnsense"
)
