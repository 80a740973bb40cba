package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"romer_sequencer/internal/model"

	"github.com/gorilla/websocket"
)

// fetchTip asks the sequencer's ops endpoint for the latest sealed block.
func fetchTip(ctx context.Context, host string) (*model.BlockSummary, error) {
	u := url.URL{
		Scheme: "http",
		Host:   host,
		Path:   "/blocks/tip",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", u.Path, resp.Status)
	}

	var tip model.BlockSummary
	if err := json.NewDecoder(resp.Body).Decode(&tip); err != nil {
		return nil, err
	}
	return &tip, nil
}

// subscribeBlocks opens the sealed-block feed.
func subscribeBlocks(host string) (*websocket.Conn, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   host,
		Path:   "/ws/blocks",
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
