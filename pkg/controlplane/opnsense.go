package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vespo92/boonerd/pkg/orchestrator"
)

// FirewallRule is a single filter rule as OPNsense models it.
type FirewallRule struct {
	// UUID is assigned by OPNsense on creation; empty on submission.
	UUID string `json:"uuid,omitempty"`

	// RuleAction is pass or block.
	RuleAction string `json:"action"`

	// Interface is the firewall interface (wan, lan).
	Interface string `json:"interface"`

	// Protocol is tcp or udp.
	Protocol string `json:"protocol"`

	// DestinationPort is the port the rule matches.
	DestinationPort string `json:"destination_port"`

	// Description identifies the rule. boonerd treats the description as the
	// rule's logical name and relies on it for idempotent lookups.
	Description string `json:"description"`
}

// OPNsenseClient talks to the OPNsense firewall API.
type OPNsenseClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
}

// NewOPNsenseClient creates an OPNsense API client using key/secret basic auth.
func NewOPNsenseClient(baseURL, apiKey, apiSecret string, timeout time.Duration) *OPNsenseClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OPNsenseClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: timeout},
	}
}

type searchRuleRequest struct {
	SearchPhrase string `json:"searchPhrase"`
}

type searchRuleResponse struct {
	Rows []FirewallRule `json:"rows"`
}

type addRuleRequest struct {
	Rule FirewallRule `json:"rule"`
}

type addRuleResponse struct {
	UUID string `json:"uuid"`
}

// FindRule looks a rule up by description. Returns (nil, nil) when no rule
// matches.
func (c *OPNsenseClient) FindRule(ctx context.Context, description string) (*FirewallRule, error) {
	var out searchRuleResponse
	err := c.post(ctx, "/api/firewall/filter/searchRule",
		searchRuleRequest{SearchPhrase: description}, &out, description, "search")
	if err != nil {
		return nil, err
	}
	for i := range out.Rows {
		if out.Rows[i].Description == description {
			return &out.Rows[i], nil
		}
	}
	return nil, nil
}

// AddRule creates a rule and returns its UUID.
func (c *OPNsenseClient) AddRule(ctx context.Context, rule FirewallRule) (string, error) {
	var out addRuleResponse
	err := c.post(ctx, "/api/firewall/filter/addRule",
		addRuleRequest{Rule: rule}, &out, rule.Description, "add")
	if err != nil {
		return "", err
	}
	return out.UUID, nil
}

// DeleteRule removes a rule by UUID. Deleting an unknown UUID is a no-op
// success.
func (c *OPNsenseClient) DeleteRule(ctx context.Context, uuid string) error {
	err := c.post(ctx, "/api/firewall/filter/delRule/"+uuid, struct{}{}, nil, uuid, "delete")
	if orchestrator.IsNotFound(err) {
		return nil
	}
	return err
}

// Apply commits pending firewall changes. OPNsense stages rule mutations
// until an explicit apply.
func (c *OPNsenseClient) Apply(ctx context.Context) error {
	return c.post(ctx, "/api/firewall/filter/apply", struct{}{}, nil, "", "apply")
}

func (c *OPNsenseClient) post(ctx context.Context, path string, payload any, out any, resource, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return orchestrator.NewPermanentError("failed to encode request", err).
			WithResource(resource).WithOperation(operation)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return orchestrator.NewPermanentError("failed to build request", err).
			WithResource(resource).WithOperation(operation)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.apiKey, c.apiSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return orchestrator.NewTransientError("firewall API unreachable", err).
			WithResource(resource).WithOperation(operation)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return orchestrator.NewNotFoundError("firewall object not found", nil).
			WithCode(orchestrator.ErrCodeNotFound).
			WithResource(resource).WithOperation(operation)
	}
	if err := classifyStatus(resp, resource, operation); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return orchestrator.NewTransientError("malformed firewall API response", err).
			WithResource(resource).WithOperation(operation)
	}
	return nil
}
