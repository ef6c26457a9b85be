package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// AdminGate answers admin-membership checks against a designated admin group
// maintained on the messaging platform. The check fails closed: any transport,
// decode, or API-level failure yields false, never an error the caller could
// misread as "check skipped, allow".
type AdminGate struct {
	client      *http.Client
	apiBase     string
	botToken    string
	adminChatID int64
}

// NewAdminGate builds a gate for the given admin chat.
func NewAdminGate(botToken string, adminChatID int64) *AdminGate {
	return &AdminGate{
		client:      &http.Client{Timeout: 5 * time.Second},
		apiBase:     defaultAPIBase,
		botToken:    botToken,
		adminChatID: adminChatID,
	}
}

// NewAdminGateWithBase is NewAdminGate with an overridable API base URL, used
// by tests to point the gate at a stub server.
func NewAdminGateWithBase(botToken string, adminChatID int64, apiBase string) *AdminGate {
	g := NewAdminGate(botToken, adminChatID)
	g.apiBase = apiBase
	return g
}

// memberStatuses are the chat-member statuses that count as admin-group membership.
var memberStatuses = map[string]bool{
	"creator":       true,
	"administrator": true,
	"member":        true,
}

// IsAdmin reports whether userID belongs to the admin group.
func (g *AdminGate) IsAdmin(ctx context.Context, userID int64) bool {
	payload, err := json.Marshal(map[string]int64{
		"chat_id": g.adminChatID,
		"user_id": userID,
	})
	if err != nil {
		log.Printf("[WARN] IsAdmin: failed to encode request for user %d: %v", userID, err)
		return false
	}

	url := fmt.Sprintf("%s/bot%s/getChatMember", g.apiBase, g.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Printf("[WARN] IsAdmin: failed to build request for user %d: %v", userID, err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[WARN] IsAdmin: membership check unreachable for user %d: %v", userID, err)
		return false
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool `json:"ok"`
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Printf("[WARN] IsAdmin: undecodable membership response for user %d: %v", userID, err)
		return false
	}
	if !body.OK {
		return false
	}
	return memberStatuses[body.Result.Status]
}
