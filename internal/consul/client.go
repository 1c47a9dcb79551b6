// Package consul talks to the Consul catalog and KV store: it long-polls the
// catalog for opted-in services and persists reconciliation state.
package consul

import (
	"fmt"

	"github.com/hashicorp/consul/api"
)

// Config holds the connection settings for the Consul agent.
type Config struct {
	// Address of the agent, e.g. "http://127.0.0.1:8500".
	Address string `yaml:"address"`
	// Datacenter to query. Empty means the agent's own datacenter.
	Datacenter string `yaml:"datacenter"`
	// Token is the ACL token sent with every request.
	Token string `yaml:"token"`
}

// NewClient creates a Consul API client. Unset fields fall back to the
// CONSUL_HTTP_* environment variables read by api.DefaultConfig.
func NewClient(cfg Config) (*api.Client, error) {
	consulConfig := api.DefaultConfig()
	if cfg.Address != "" {
		consulConfig.Address = cfg.Address
	}
	if cfg.Datacenter != "" {
		consulConfig.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		consulConfig.Token = cfg.Token
	}

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("consul: create client: %w", err)
	}
	return client, nil
}
