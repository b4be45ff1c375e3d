package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cleared-dev/budgetgrid/internal/model"
)

// HTTPClient talks to the REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the API rooted at baseURL. A nil hc
// uses http.DefaultClient. Requests carry no timeout of their own; callers
// bound them through the context.
func NewHTTPClient(baseURL, token string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

var _ Client = (*HTTPClient)(nil)

// DetailPath returns the path of one entity, e.g. "/subaccounts/4/".
func DetailPath(kind model.Kind, id model.ID) string {
	return fmt.Sprintf("/%ss/%d/", kind, id)
}

// CollectionPath returns the path listing kind under parent, e.g.
// "/accounts/3/subaccounts/".
func CollectionPath(kind model.Kind, parent model.ParentRef) string {
	return fmt.Sprintf("/%ss/%d/%ss/", parent.Kind, parent.ID, kind)
}

// BulkPath returns the bulk endpoint for op ("create" or "update").
func BulkPath(op string, kind model.Kind, parent model.ParentRef) string {
	return fmt.Sprintf("/%ss/%d/bulk-%s-%ss/", parent.Kind, parent.ID, op, kind)
}

// GroupsPath returns the path listing groups under parent.
func GroupsPath(parent model.ParentRef) string {
	return fmt.Sprintf("/%ss/%d/groups/", parent.Kind, parent.ID)
}

// Retrieve fetches a single entity.
func (c *HTTPClient) Retrieve(ctx context.Context, ref model.ParentRef) (model.Entity, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, DetailPath(ref.Kind, ref.ID), nil, &raw); err != nil {
		return model.Entity{}, fmt.Errorf("retrieving %s: %w", ref, err)
	}
	return DecodeEntity(raw)
}

// List fetches every child of kind under parent.
func (c *HTTPClient) List(ctx context.Context, kind model.Kind, parent model.ParentRef, opts ListOptions) (ListResponse, error) {
	q := url.Values{}
	q.Set("no_pagination", "true")
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	path := CollectionPath(kind, parent) + "?" + q.Encode()

	var body struct {
		Count int               `json:"count"`
		Data  []json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return ListResponse{}, fmt.Errorf("listing %ss of %s: %w", kind, parent, err)
	}
	entities, err := decodeEntities(body.Data)
	if err != nil {
		return ListResponse{}, err
	}
	return ListResponse{Count: body.Count, Data: entities}, nil
}

// Create creates one entity under parent.
func (c *HTTPClient) Create(ctx context.Context, kind model.Kind, parent model.ParentRef, payload Payload) (model.Entity, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, CollectionPath(kind, parent), EncodePayload(payload), &raw); err != nil {
		return model.Entity{}, fmt.Errorf("creating %s: %w", kind, err)
	}
	return DecodeEntity(raw)
}

// Update patches one entity.
func (c *HTTPClient) Update(ctx context.Context, kind model.Kind, id model.ID, payload Payload) (model.Entity, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPatch, DetailPath(kind, id), EncodePayload(payload), &raw); err != nil {
		return model.Entity{}, fmt.Errorf("updating %s %d: %w", kind, id, err)
	}
	return DecodeEntity(raw)
}

// Delete removes one entity.
func (c *HTTPClient) Delete(ctx context.Context, kind model.Kind, id model.ID) error {
	if err := c.do(ctx, http.MethodDelete, DetailPath(kind, id), nil, nil); err != nil {
		return fmt.Errorf("deleting %s %d: %w", kind, id, err)
	}
	return nil
}

// BulkCreate creates several entities in one request. The response does not
// echo any client-side identifier.
func (c *HTTPClient) BulkCreate(ctx context.Context, kind model.Kind, parent model.ParentRef, payloads []Payload) ([]model.Entity, error) {
	data := make([]map[string]any, len(payloads))
	for i, p := range payloads {
		data[i] = EncodePayload(p)
	}
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodPatch, BulkPath("create", kind, parent), map[string]any{"data": data}, &body); err != nil {
		return nil, fmt.Errorf("bulk creating %ss: %w", kind, err)
	}
	return decodeEntities(body.Data)
}

// BulkUpdate patches several entities in one request.
func (c *HTTPClient) BulkUpdate(ctx context.Context, kind model.Kind, parent model.ParentRef, items []BulkItem) error {
	data := make([]map[string]any, len(items))
	for i, it := range items {
		obj := EncodePayload(it.Payload)
		obj["id"] = it.ID
		data[i] = obj
	}
	if err := c.do(ctx, http.MethodPatch, BulkPath("update", kind, parent), map[string]any{"data": data}, nil); err != nil {
		return fmt.Errorf("bulk updating %ss: %w", kind, err)
	}
	return nil
}

// ListGroups fetches the groups under parent.
func (c *HTTPClient) ListGroups(ctx context.Context, parent model.ParentRef) ([]model.Group, error) {
	q := url.Values{}
	q.Set("no_pagination", "true")
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, GroupsPath(parent)+"?"+q.Encode(), nil, &body); err != nil {
		return nil, fmt.Errorf("listing groups of %s: %w", parent, err)
	}
	groups := make([]model.Group, 0, len(body.Data))
	for _, raw := range body.Data {
		g, err := DecodeGroup(raw)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// CreateGroup creates a group under parent.
func (c *HTTPClient) CreateGroup(ctx context.Context, parent model.ParentRef, payload GroupPayload) (model.Group, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, GroupsPath(parent), EncodeGroupPayload(payload), &raw); err != nil {
		return model.Group{}, fmt.Errorf("creating group: %w", err)
	}
	return DecodeGroup(raw)
}

// UpdateGroup patches a group.
func (c *HTTPClient) UpdateGroup(ctx context.Context, id model.ID, payload GroupPayload) (model.Group, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/groups/%d/", id), EncodeGroupPayload(payload), &raw); err != nil {
		return model.Group{}, fmt.Errorf("updating group %d: %w", id, err)
	}
	return DecodeGroup(raw)
}

// DeleteGroup removes a group. Its children are kept and become ungrouped.
func (c *HTTPClient) DeleteGroup(ctx context.Context, id model.ID) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/groups/%d/", id), nil, nil); err != nil {
		return fmt.Errorf("deleting group %d: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) *Error {
	var body wireErrorBody
	if err := json.Unmarshal(data, &body); err != nil || (body.Detail == "" && len(body.Errors) == 0) {
		return &Error{Status: status, Message: strings.TrimSpace(string(data))}
	}
	return &Error{Status: status, Message: body.Detail, Fields: body.Errors}
}

func decodeEntities(raws []json.RawMessage) ([]model.Entity, error) {
	out := make([]model.Entity, 0, len(raws))
	for _, raw := range raws {
		e, err := DecodeEntity(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
