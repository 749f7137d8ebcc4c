package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoItems is returned when the provider responds but yields nothing usable.
var ErrNoItems = errors.New("generation service returned no usable items")

// Item is one generated A-or-B balance question.
type Item struct {
	A string `json:"a"`
	B string `json:"b"`
}

// Batch is a successful generation result. Model names whatever produced it.
type Batch struct {
	Model string
	Items []Item
}

// PartyContext is the descriptive context handed to the generation service.
type PartyContext struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	Capacity    uint      `json:"capacity"`
}

// Generator produces balance questions for a party. The network client
// implements it; tests substitute their own.
type Generator interface {
	GenerateQuestions(ctx context.Context, party PartyContext, count int) (*Batch, error)
}

type generateRequest struct {
	Party PartyContext `json:"party"`
	Count int          `json:"count"`
}

type generateResponse struct {
	Model string `json:"model"`
	Items []Item `json:"items"`
}

// Client talks to the external question-generation service. The service is
// slow and fallible; callers must never invoke it while holding an aggregate
// lock.
type Client struct {
	BaseURL    string
	HttpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HttpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GenerateQuestions requests count items. Fewer than requested is accepted;
// zero usable items is a failure, because a round without questions must not
// be created.
func (c *Client) GenerateQuestions(ctx context.Context, party PartyContext, count int) (*Batch, error) {
	body, err := json.Marshal(generateRequest{Party: party, Count: count})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/generate", c.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generation service returned status: %d", resp.StatusCode)
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(decoded.Items))
	for _, item := range decoded.Items {
		if item.A == "" || item.B == "" {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	return &Batch{Model: decoded.Model, Items: items}, nil
}
