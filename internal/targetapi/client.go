// Package targetapi implements the outbound target client: a
// Notion-shaped document store reached over a static bearer token,
// using a plain oauth2.StaticTokenSource wrapping a base *http.Client
// rather than the App JWT flow used for the source side.
package targetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/opsbridge/sync-core/internal/bridgeerr"
	"github.com/opsbridge/sync-core/internal/logging"
	"github.com/opsbridge/sync-core/internal/metrics"
	"github.com/opsbridge/sync-core/internal/model"
	"github.com/opsbridge/sync-core/internal/retry"
)

// Block is a single block of rich content, used for comment sync's
// append_block_children/list_block_children operations.
type Block struct {
	ID        string
	Text      string
	CreatedAt time.Time
}

// Client is the outbound target client.
type Client struct {
	http       *retry.Client
	baseURL    string
	apiVersion string
	log        *zap.Logger
	metrics    *metrics.Registry
}

// NewClient builds a Client authenticating with a static bearer token
// via oauth2.StaticTokenSource.
func NewClient(token, apiVersion, baseURL string, base *http.Client, log *zap.Logger, m *metrics.Registry) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, base), src)
	oauthClient.Timeout = base.Timeout

	return &Client{
		http:       retry.NewClient("tgt", oauthClient),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiVersion: apiVersion,
		log:        log,
		metrics:    m,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "marshal request", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", c.apiVersion)
	return req, nil
}

func (c *Client) call(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(ctx, req)
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.APICallsTotal.WithLabelValues("TGT", op, status).Inc()
	c.metrics.APICallDuration.WithLabelValues("TGT", op).Observe(time.Since(start).Seconds())
	logging.OutboundCall(c.log, "TGT", op, status)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindUpstreamTransient, op, err)
	}
	if resp.StatusCode == 404 {
		return resp, bridgeerr.New(bridgeerr.KindMappingOrphaned, op+": page not found")
	}
	if resp.StatusCode >= 400 && resp.StatusCode != 408 && resp.StatusCode != 429 {
		return resp, bridgeerr.New(bridgeerr.KindUpstreamPermanent, fmt.Sprintf("%s: status %d", op, resp.StatusCode))
	}
	return resp, nil
}

// CreatePage creates a new page in databaseID carrying props, returning
// the normalized PageRecord.
func (c *Client) CreatePage(ctx context.Context, databaseID string, props map[string]model.PropertyValue) (model.PageRecord, error) {
	body := map[string]any{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": encodeProperties(props),
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/pages", body)
	if err != nil {
		return model.PageRecord{}, err
	}
	resp, err := c.call(ctx, "create_page", req)
	if err != nil {
		return model.PageRecord{}, err
	}
	defer resp.Body.Close()
	return decodePage(resp.Body)
}

// UpdatePage patches an existing page's properties.
func (c *Client) UpdatePage(ctx context.Context, pageID string, props map[string]model.PropertyValue) (model.PageRecord, error) {
	body := map[string]any{"properties": encodeProperties(props)}
	req, err := c.newRequest(ctx, http.MethodPatch, "/v1/pages/"+pageID, body)
	if err != nil {
		return model.PageRecord{}, err
	}
	resp, err := c.call(ctx, "update_page", req)
	if err != nil {
		return model.PageRecord{}, err
	}
	defer resp.Body.Close()
	return decodePage(resp.Body)
}

// GetPage fetches a single page by ID.
func (c *Client) GetPage(ctx context.Context, pageID string) (model.PageRecord, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/pages/"+pageID, nil)
	if err != nil {
		return model.PageRecord{}, err
	}
	resp, err := c.call(ctx, "get_page", req)
	if err != nil {
		return model.PageRecord{}, err
	}
	defer resp.Body.Close()
	return decodePage(resp.Body)
}

// QueryDatabase returns pages from databaseID updated since sinceTime,
// used by the maintenance scheduler's reconciliation sweep.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, sinceTime time.Time, startCursor string) ([]model.PageRecord, string, error) {
	body := map[string]any{
		"filter": map[string]any{
			"timestamp": "last_edited_time",
			"last_edited_time": map[string]string{
				"after": sinceTime.UTC().Format(time.RFC3339),
			},
		},
		"page_size": 50,
	}
	if startCursor != "" {
		body["start_cursor"] = startCursor
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/databases/"+databaseID+"/query", body)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.call(ctx, "query_database", req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var raw struct {
		Results    []json.RawMessage `json:"results"`
		HasMore    bool              `json:"has_more"`
		NextCursor string            `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, "", bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode query results", err)
	}
	pages := make([]model.PageRecord, 0, len(raw.Results))
	for _, r := range raw.Results {
		p, err := decodePage(bytes.NewReader(r))
		if err != nil {
			return nil, "", err
		}
		pages = append(pages, p)
	}
	next := ""
	if raw.HasMore {
		next = raw.NextCursor
	}
	return pages, next, nil
}

// AppendBlockChildren posts a new paragraph block holding text as the
// child of blockID (a page or existing block), for comment sync.
func (c *Client) AppendBlockChildren(ctx context.Context, blockID, text string) (Block, error) {
	body := map[string]any{
		"children": []map[string]any{
			{
				"object": "block",
				"type":   "paragraph",
				"paragraph": map[string]any{
					"rich_text": []map[string]any{
						{"type": "text", "text": map[string]string{"content": text}},
					},
				},
			},
		},
	}
	req, err := c.newRequest(ctx, http.MethodPatch, "/v1/blocks/"+blockID+"/children", body)
	if err != nil {
		return Block{}, err
	}
	resp, err := c.call(ctx, "append_block_children", req)
	if err != nil {
		return Block{}, err
	}
	defer resp.Body.Close()
	var raw struct {
		Results []struct {
			ID             string `json:"id"`
			CreatedTime    time.Time `json:"created_time"`
			Paragraph struct {
				RichText []struct {
					PlainText string `json:"plain_text"`
				} `json:"rich_text"`
			} `json:"paragraph"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Block{}, bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode appended block", err)
	}
	if len(raw.Results) == 0 {
		return Block{}, bridgeerr.New(bridgeerr.KindInvalidPayload, "append_block_children: no block returned")
	}
	b := raw.Results[0]
	return Block{ID: b.ID, Text: text, CreatedAt: b.CreatedTime}, nil
}

// ListBlockChildren lists the paragraph blocks directly under blockID.
func (c *Client) ListBlockChildren(ctx context.Context, blockID string) ([]Block, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/blocks/"+blockID+"/children", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, "list_block_children", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var raw struct {
		Results []struct {
			ID          string    `json:"id"`
			CreatedTime time.Time `json:"created_time"`
			Type        string    `json:"type"`
			Paragraph   struct {
				RichText []struct {
					PlainText string `json:"plain_text"`
				} `json:"rich_text"`
			} `json:"paragraph"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode block children", err)
	}
	out := make([]Block, 0, len(raw.Results))
	for _, r := range raw.Results {
		if r.Type != "paragraph" {
			continue
		}
		var text strings.Builder
		for _, rt := range r.Paragraph.RichText {
			text.WriteString(rt.PlainText)
		}
		out = append(out, Block{ID: r.ID, Text: text.String(), CreatedAt: r.CreatedTime})
	}
	return out, nil
}

func encodeProperties(props map[string]model.PropertyValue) map[string]any {
	out := make(map[string]any, len(props))
	for name, pv := range props {
		out[name] = encodeProperty(pv)
	}
	return out
}

func encodeProperty(pv model.PropertyValue) map[string]any {
	switch pv.Kind {
	case model.PropTitle:
		return map[string]any{"title": []map[string]any{{"type": "text", "text": map[string]string{"content": pv.Text}}}}
	case model.PropRichText:
		return map[string]any{"rich_text": []map[string]any{{"type": "text", "text": map[string]string{"content": pv.Text}}}}
	case model.PropSelect:
		return map[string]any{"select": map[string]string{"name": pv.Text}}
	case model.PropStatus:
		return map[string]any{"status": map[string]string{"name": pv.Text}}
	case model.PropMultiSelect:
		opts := make([]map[string]string, 0, len(pv.MultiSelect))
		for _, v := range pv.MultiSelect {
			opts = append(opts, map[string]string{"name": v})
		}
		return map[string]any{"multi_select": opts}
	case model.PropNumber:
		if pv.Number == nil {
			return map[string]any{"number": nil}
		}
		return map[string]any{"number": *pv.Number}
	case model.PropCheckbox:
		return map[string]any{"checkbox": pv.Checkbox}
	case model.PropDate:
		if pv.Date == nil {
			return map[string]any{"date": nil}
		}
		return map[string]any{"date": map[string]string{"start": pv.Date.Format(time.RFC3339)}}
	case model.PropPeople:
		people := make([]map[string]string, 0, len(pv.People))
		for _, p := range pv.People {
			people = append(people, map[string]string{"id": p})
		}
		return map[string]any{"people": people}
	case model.PropURL:
		return map[string]any{"url": pv.Text}
	default:
		return map[string]any{}
	}
}

func decodePage(body io.Reader) (model.PageRecord, error) {
	var raw struct {
		ID         string `json:"id"`
		Parent     struct {
			DatabaseID string `json:"database_id"`
		} `json:"parent"`
		Properties   map[string]json.RawMessage `json:"properties"`
		LastEditedTime time.Time                `json:"last_edited_time"`
		URL            string                   `json:"url"`
	}
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return model.PageRecord{}, bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode page", err)
	}
	props := make(map[string]model.PropertyValue, len(raw.Properties))
	for name, rawProp := range raw.Properties {
		pv, ok := decodeProperty(rawProp)
		if ok {
			props[name] = pv
		}
	}
	return model.PageRecord{
		PageID:       raw.ID,
		DatabaseID:   raw.Parent.DatabaseID,
		Properties:   props,
		LastEditedAt: raw.LastEditedTime,
		URL:          raw.URL,
	}, nil
}

func decodeProperty(raw json.RawMessage) (model.PropertyValue, bool) {
	var typed struct {
		Type        string `json:"type"`
		Title       []struct{ PlainText string `json:"plain_text"` } `json:"title"`
		RichText    []struct{ PlainText string `json:"plain_text"` } `json:"rich_text"`
		Select      *struct{ Name string `json:"name"` }              `json:"select"`
		Status      *struct{ Name string `json:"name"` }              `json:"status"`
		MultiSelect []struct{ Name string `json:"name"` }             `json:"multi_select"`
		Number      *float64                                          `json:"number"`
		Checkbox    bool                                              `json:"checkbox"`
		Date        *struct{ Start string `json:"start"` }            `json:"date"`
		People      []struct{ ID string `json:"id"` }                 `json:"people"`
		URL         *string                                           `json:"url"`
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return model.PropertyValue{}, false
	}
	switch model.PropertyKind(typed.Type) {
	case model.PropTitle:
		return model.PropertyValue{Kind: model.PropTitle, Text: joinPlainText(typed.Title)}, true
	case model.PropRichText:
		return model.PropertyValue{Kind: model.PropRichText, Text: joinPlainText(typed.RichText)}, true
	case model.PropSelect:
		if typed.Select == nil {
			return model.PropertyValue{Kind: model.PropSelect}, true
		}
		return model.PropertyValue{Kind: model.PropSelect, Text: typed.Select.Name}, true
	case model.PropStatus:
		if typed.Status == nil {
			return model.PropertyValue{Kind: model.PropStatus}, true
		}
		return model.PropertyValue{Kind: model.PropStatus, Text: typed.Status.Name}, true
	case model.PropMultiSelect:
		vals := make([]string, 0, len(typed.MultiSelect))
		for _, v := range typed.MultiSelect {
			vals = append(vals, v.Name)
		}
		return model.PropertyValue{Kind: model.PropMultiSelect, MultiSelect: vals}, true
	case model.PropNumber:
		return model.PropertyValue{Kind: model.PropNumber, Number: typed.Number}, true
	case model.PropCheckbox:
		return model.PropertyValue{Kind: model.PropCheckbox, Checkbox: typed.Checkbox}, true
	case model.PropDate:
		if typed.Date == nil || typed.Date.Start == "" {
			return model.PropertyValue{Kind: model.PropDate}, true
		}
		t, err := time.Parse(time.RFC3339, typed.Date.Start)
		if err != nil {
			return model.PropertyValue{}, false
		}
		return model.PropertyValue{Kind: model.PropDate, Date: &t}, true
	case model.PropPeople:
		ids := make([]string, 0, len(typed.People))
		for _, p := range typed.People {
			ids = append(ids, p.ID)
		}
		return model.PropertyValue{Kind: model.PropPeople, People: ids}, true
	case model.PropURL:
		if typed.URL == nil {
			return model.PropertyValue{Kind: model.PropURL}, true
		}
		return model.PropertyValue{Kind: model.PropURL, Text: *typed.URL}, true
	default:
		return model.PropertyValue{}, false
	}
}

func joinPlainText(rt []struct{ PlainText string `json:"plain_text"` }) string {
	var b strings.Builder
	for _, r := range rt {
		b.WriteString(r.PlainText)
	}
	return b.String()
}
