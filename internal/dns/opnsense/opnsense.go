package opnsense

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
)

const defaultDescription = "managed by consul-external-dns"

func init() {
	dns.Register("opnsense", func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider implements dns.Provider for OPNsense Unbound host overrides. The
// zone is the domain the overrides live under; the record id is the override
// UUID.
type Provider struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	description string
	client      *http.Client
	log         logr.Logger
}

// New creates an OPNsense DNS provider from the given settings map.
// Required settings: base_url, api_key, api_secret.
// Optional settings: description, skip_tls_verify (default false).
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	baseURL := settings["base_url"]
	if baseURL == "" {
		return nil, fmt.Errorf("opnsense: missing required setting 'base_url'")
	}
	apiKey := settings["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("opnsense: missing required setting 'api_key'")
	}
	apiSecret := settings["api_secret"]
	if apiSecret == "" {
		return nil, fmt.Errorf("opnsense: missing required setting 'api_secret'")
	}

	description := settings["description"]
	if description == "" {
		description = defaultDescription
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if v := settings["skip_tls_verify"]; v == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Provider{
		baseURL:     baseURL,
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		description: description,
		client:      &http.Client{Transport: transport},
		log:         log,
	}, nil
}

// doRequest builds and executes an HTTP request against the OPNsense API.
func (p *Provider) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("opnsense: marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := strings.TrimRight(p.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("opnsense: build request: %w", err)
	}

	req.SetBasicAuth(p.apiKey, p.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, dns.Transient(fmt.Sprintf("opnsense: %s %s", method, path), err)
	}
	return resp, nil
}

// call performs a request and decodes a 200 response into out.
func (p *Provider) call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := p.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return dns.ClassifyStatus("opnsense: "+path, resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dns.Transient("opnsense: decode "+path+" response", err)
	}
	return nil
}

// reconfigure tells OPNsense to apply DNS changes.
func (p *Provider) reconfigure(ctx context.Context) error {
	var result struct {
		Status string `json:"status"`
	}
	if err := p.call(ctx, http.MethodPost, "unbound/service/reconfigure", struct{}{}, &result); err != nil {
		return fmt.Errorf("opnsense: reconfigure: %w", err)
	}
	p.log.V(1).Info("reconfigure completed", "status", result.Status)
	return nil
}

// applyChanges reconfigures Unbound after a mutation. The override itself is
// already saved, so a failed reconfigure is logged and picked up by the next one.
func (p *Provider) applyChanges(ctx context.Context) {
	if err := p.reconfigure(ctx); err != nil {
		p.log.Error(err, "unbound reconfigure failed")
	}
}

// searchResponse is the shape returned by searchHostOverride.
type searchResponse struct {
	Rows []hostRow `json:"rows"`
}

// hostRow represents a single host override row from the search response.
type hostRow struct {
	UUID     string `json:"uuid"`
	Enabled  string `json:"enabled"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
	RR       string `json:"rr"`
	Server   string `json:"server"`
}

func inZone(domain, zone string) bool {
	if zone == "" {
		return true
	}
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	zone = strings.ToLower(strings.TrimSuffix(zone, "."))
	return domain == zone || strings.HasSuffix(domain, "."+zone)
}

// buildHostBody creates the JSON body for addHostOverride calls.
func (p *Provider) buildHostBody(record dns.Record) map[string]interface{} {
	host, domain := dns.SplitHostname(record.Hostname)
	return map[string]interface{}{
		"host": map[string]string{
			"enabled":     "1",
			"hostname":    host,
			"domain":      domain,
			"rr":          string(record.Type),
			"server":      record.Value,
			"description": p.description,
			"mxprio":      "",
			"mx":          "",
		},
	}
}

// List returns the host overrides under the zone domain. Overrides with a
// record type the manager does not handle are skipped.
func (p *Provider) List(ctx context.Context, zone string) ([]dns.ProviderRecord, error) {
	var sr searchResponse
	if err := p.call(ctx, http.MethodGet, "unbound/settings/searchHostOverride", nil, &sr); err != nil {
		return nil, err
	}

	out := make([]dns.ProviderRecord, 0, len(sr.Rows))
	for _, row := range sr.Rows {
		if !inZone(row.Domain, zone) {
			continue
		}
		rt, err := dns.ParseRecordType(strings.ToUpper(row.RR))
		if err != nil {
			continue
		}
		hostname := row.Domain
		if row.Hostname != "" {
			hostname = row.Hostname + "." + row.Domain
		}
		out = append(out, dns.ProviderRecord{
			ID:   row.UUID,
			Zone: zone,
			Record: dns.Record{
				Hostname: hostname,
				Type:     rt,
				Value:    row.Server,
			},
		})
	}
	return out, nil
}

// Create adds a new DNS host override and returns its UUID. Unbound host
// overrides carry no TTL, so record.TTL is ignored.
func (p *Provider) Create(ctx context.Context, zone string, record dns.Record) (string, error) {
	p.log.Info("creating record", "hostname", record.Hostname, "type", record.Type, "value", record.Value)
	if !inZone(record.Hostname, zone) {
		return "", dns.Fatal("opnsense: addHostOverride", fmt.Errorf("hostname %s is outside zone %s", record.Hostname, zone))
	}
	if record.TTL != nil {
		p.log.V(1).Info("ignoring ttl, host overrides have none", "hostname", record.Hostname, "ttl", *record.TTL)
	}

	var result struct {
		Result string `json:"result"`
		UUID   string `json:"uuid"`
	}
	if err := p.call(ctx, http.MethodPost, "unbound/settings/addHostOverride", p.buildHostBody(record), &result); err != nil {
		return "", err
	}
	if result.Result != "saved" {
		return "", dns.Fatal("opnsense: addHostOverride", fmt.Errorf("unexpected result: %s", result.Result))
	}

	p.log.Info("record created", "uuid", result.UUID)
	p.applyChanges(ctx)
	return result.UUID, nil
}

// Delete removes a DNS host override by UUID.
func (p *Provider) Delete(ctx context.Context, zone, id string) error {
	p.log.Info("deleting record", "uuid", id, "zone", zone)

	resp, err := p.doRequest(ctx, http.MethodPost, "unbound/settings/delHostOverride/"+url.PathEscape(id), struct{}{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.log.Info("record already absent", "uuid", id)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return dns.ClassifyStatus("opnsense: delHostOverride", resp.StatusCode, string(respBody))
	}

	var result struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return dns.Transient("opnsense: decode delHostOverride response", err)
	}
	switch result.Result {
	case "deleted":
	case "not found":
		p.log.Info("record already absent", "uuid", id)
		return nil
	default:
		return dns.Fatal("opnsense: delHostOverride", fmt.Errorf("unexpected result: %s", result.Result))
	}

	p.log.Info("record deleted", "uuid", id)
	p.applyChanges(ctx)
	return nil
}
