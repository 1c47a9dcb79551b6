package hetzner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
)

// DefaultAPIURL is the public Hetzner DNS API endpoint.
const DefaultAPIURL = "https://dns.hetzner.com/api/v1"

func init() {
	dns.Register("hetzner", func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider implements dns.Provider for Hetzner DNS.
type Provider struct {
	apiURL   string
	apiToken string
	client   *http.Client
	log      logr.Logger
}

// New creates a Hetzner DNS provider from the given settings map.
// Required settings: api_token.
// Optional settings: api_url (default DefaultAPIURL), timeout (default 30s).
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	token := settings["api_token"]
	if token == "" {
		return nil, fmt.Errorf("hetzner: missing required setting 'api_token'")
	}

	apiURL := settings["api_url"]
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("hetzner: invalid api_url %q: %w", apiURL, err)
	}

	timeout := 30 * time.Second
	if v := settings["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("hetzner: invalid timeout %q: %w", v, err)
		}
		timeout = d
	}

	return &Provider{
		apiURL:   strings.TrimRight(apiURL, "/"),
		apiToken: token,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

// record is the wire shape of a Hetzner DNS record.
type record struct {
	ID     string         `json:"id,omitempty"`
	ZoneID string         `json:"zone_id"`
	Type   dns.RecordType `json:"type"`
	Name   string         `json:"name"`
	Value  string         `json:"value"`
	TTL    *int32         `json:"ttl"`
}

type recordsResponse struct {
	Records []record `json:"records"`
}

type recordResponse struct {
	Record record `json:"record"`
}

// doRequest builds and executes an HTTP request against the Hetzner API.
// Transport failures are reported as transient.
func (p *Provider) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("hetzner: marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := p.apiURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("hetzner: build request: %w", err)
	}

	req.Header.Set("Auth-API-Token", p.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, dns.Transient("hetzner: "+method+" "+path, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return dns.ClassifyStatus("hetzner: "+op, resp.StatusCode, strings.TrimSpace(string(respBody)))
}

// List returns all records of the zone.
func (p *Provider) List(ctx context.Context, zone string) ([]dns.ProviderRecord, error) {
	resp, err := p.doRequest(ctx, http.MethodGet, "records", url.Values{"zone_id": {zone}}, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list records", resp)
	}

	var rr recordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, dns.Transient("hetzner: decode records response", err)
	}

	out := make([]dns.ProviderRecord, 0, len(rr.Records))
	for _, r := range rr.Records {
		out = append(out, dns.ProviderRecord{
			ID:   r.ID,
			Zone: r.ZoneID,
			Record: dns.Record{
				Hostname: r.Name,
				Type:     r.Type,
				TTL:      r.TTL,
				Value:    r.Value,
			},
		})
	}
	p.log.V(1).Info("listed records", "zone", zone, "count", len(out))
	return out, nil
}

// Create adds a record to the zone and returns its Hetzner id.
func (p *Provider) Create(ctx context.Context, zone string, rec dns.Record) (string, error) {
	p.log.Info("creating record", "hostname", rec.Hostname, "type", rec.Type, "value", rec.Value, "zone", zone)

	body := record{
		ZoneID: zone,
		Type:   rec.Type,
		Name:   rec.Hostname,
		Value:  rec.Value,
		TTL:    rec.TTL,
	}
	resp, err := p.doRequest(ctx, http.MethodPost, "records", nil, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError("create record", resp)
	}

	var created recordResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", dns.Transient("hetzner: decode create response", err)
	}
	if created.Record.ID == "" {
		return "", dns.Transient("hetzner: create record", fmt.Errorf("response carries no record id"))
	}

	p.log.Info("record created", "id", created.Record.ID)
	return created.Record.ID, nil
}

// Delete removes the record with the given id. A 404 means it is already gone.
func (p *Provider) Delete(ctx context.Context, zone, id string) error {
	p.log.Info("deleting record", "id", id, "zone", zone)

	resp, err := p.doRequest(ctx, http.MethodDelete, "records/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		p.log.Info("record deleted", "id", id)
		return nil
	case http.StatusNotFound:
		p.log.Info("record already absent", "id", id)
		return nil
	default:
		return statusError("delete record", resp)
	}
}
