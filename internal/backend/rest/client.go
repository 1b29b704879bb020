// Package rest is the hosted-mode row API client. The provider exposes
// select/insert over named tables; this client is the only place that knows
// the wire row shapes.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/logger"
	"github.com/tribechat/internal/model"
)

const (
	tableMessages  = "messages"
	tableReactions = "message_reactions"
	tableDeletions = "message_deletions"
	tableMembers   = "tribe_members"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Close() error { return nil }

type selectRequest struct {
	Filter map[string]any `json:"filter,omitempty"`
	Order  string         `json:"order,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

func (c *Client) do(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rest marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return backend.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rest %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest %s decode: %w", path, err)
	}
	return nil
}

func (c *Client) selectRows(ctx context.Context, table string, req selectRequest, out any) error {
	return c.do(ctx, "/v1/tables/"+table+"/select", req, out)
}

func (c *Client) insertRow(ctx context.Context, table string, row, out any) error {
	return c.do(ctx, "/v1/tables/"+table+"/insert", row, out)
}

func (c *Client) SelectMessages(ctx context.Context, key model.ConversationKey, before time.Time, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("rest.SelectMessages", time.Now())()
	filter := map[string]any{"topic": key.Topic()}
	if !before.IsZero() {
		filter["created_at_lte"] = before.UTC().Format(time.RFC3339Nano)
	}
	var rows []backend.MessageRow
	err := c.selectRows(ctx, tableMessages, selectRequest{
		Filter: filter,
		Order:  "created_at desc",
		Limit:  limit,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("restStore.SelectMessages: %w", err)
	}
	// Rows come newest-first; callers get ascending order.
	out := make([]model.Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.ToModel()
	}
	return out, nil
}

func (c *Client) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	defer logger.DeferLogDuration("rest.InsertMessage", time.Now())()
	row := backend.RowFromModel(m)
	row.ID = "" // the backend assigns id and timestamp
	var confirmed backend.MessageRow
	if err := c.insertRow(ctx, tableMessages, row, &confirmed); err != nil {
		return model.Message{}, fmt.Errorf("restStore.InsertMessage: %w", err)
	}
	return confirmed.ToModel(), nil
}

func (c *Client) SelectDeletions(ctx context.Context, messageIDs []string) ([]model.Deletion, error) {
	defer logger.DeferLogDuration("rest.SelectDeletions", time.Now())()
	var out []model.Deletion
	err := c.selectRows(ctx, tableDeletions, selectRequest{
		Filter: map[string]any{"message_id_in": messageIDs},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("restStore.SelectDeletions: %w", err)
	}
	return out, nil
}

func (c *Client) InsertDeletion(ctx context.Context, d model.Deletion) (model.Deletion, error) {
	defer logger.DeferLogDuration("rest.InsertDeletion", time.Now())()
	var confirmed model.Deletion
	if err := c.insertRow(ctx, tableDeletions, d, &confirmed); err != nil {
		return model.Deletion{}, fmt.Errorf("restStore.InsertDeletion: %w", err)
	}
	return confirmed, nil
}

func (c *Client) SelectReactions(ctx context.Context, messageIDs []string) ([]model.Reaction, error) {
	defer logger.DeferLogDuration("rest.SelectReactions", time.Now())()
	var out []model.Reaction
	err := c.selectRows(ctx, tableReactions, selectRequest{
		Filter: map[string]any{"message_id_in": messageIDs},
		Order:  "created_at",
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("restStore.SelectReactions: %w", err)
	}
	return out, nil
}

func (c *Client) InsertReaction(ctx context.Context, rc model.Reaction) (model.Reaction, error) {
	defer logger.DeferLogDuration("rest.InsertReaction", time.Now())()
	var confirmed model.Reaction
	if err := c.insertRow(ctx, tableReactions, rc, &confirmed); err != nil {
		return model.Reaction{}, fmt.Errorf("restStore.InsertReaction: %w", err)
	}
	return confirmed, nil
}

type memberRow struct {
	TribeID string          `json:"tribe_id"`
	UserID  string          `json:"user_id"`
	Role    model.TribeRole `json:"role"`
}

func (c *Client) MemberRole(ctx context.Context, tribeID, userID string) (model.TribeRole, error) {
	defer logger.DeferLogDuration("rest.MemberRole", time.Now())()
	var rows []memberRow
	err := c.selectRows(ctx, tableMembers, selectRequest{
		Filter: map[string]any{"tribe_id": tribeID, "user_id": userID},
		Limit:  1,
	}, &rows)
	if err != nil {
		return "", fmt.Errorf("restStore.MemberRole: %w", err)
	}
	if len(rows) == 0 {
		return "", backend.ErrNotFound
	}
	return rows[0].Role, nil
}
