//go:build ignore
// +build ignore

// Manual concurrency stress test for the borrow endpoint.
//
// Usage:
//
//	BOT_TOKEN=<token> go run ./scripts/concurrency_test.go <qr_code_id> <user1_id> [user2_id ...]
//
// Or via environment variables:
//
//	BOT_TOKEN=<token> QR_CODE=<code> USER_IDS=<id1>,<id2>,... go run ./scripts/concurrency_test.go
//
// What it does:
//  1. Signs a fresh init-data assertion per user with BOT_TOKEN (the same
//     recipe the platform uses), so the requests pass real verification.
//  2. Fires one borrow request per user at the same copy simultaneously.
//  3. Tallies winners vs. conflicts. With a correct server exactly one request
//     wins; every other one gets a 409.
//
// Prerequisites:
//   - Server running with the same BOT_TOKEN.
//   - The copy must exist and be available.

package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultServerAddr = "http://localhost:8080"

type borrowResult struct {
	UserID     string
	StatusCode int
	Body       string
	Err        error
}

func main() {
	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}
	botToken := os.Getenv("BOT_TOKEN")
	if botToken == "" {
		log.Fatal("BOT_TOKEN is required to sign test assertions")
	}

	qrCode := os.Getenv("QR_CODE")
	var userIDs []string
	if v := os.Getenv("USER_IDS"); v != "" {
		userIDs = strings.Split(v, ",")
	}
	args := os.Args[1:]
	if len(args) >= 1 {
		qrCode = args[0]
	}
	if len(args) >= 2 {
		userIDs = args[1:]
	}
	if qrCode == "" || len(userIDs) == 0 {
		log.Fatal("Usage: BOT_TOKEN=<t> go run ./scripts/concurrency_test.go <qr_code_id> <user1_id> [user2_id ...]")
	}

	fmt.Printf("=== Borrow Concurrency Test ===\n")
	fmt.Printf("Server : %s\n", serverAddr)
	fmt.Printf("Copy   : %s\n", qrCode)
	fmt.Printf("Users  : %d\n\n", len(userIDs))

	results := make([]borrowResult, len(userIDs))
	start := make(chan struct{})
	var wg sync.WaitGroup

	for i, uid := range userIDs {
		wg.Add(1)
		go func(idx int, userID string) {
			defer wg.Done()
			<-start
			results[idx] = attemptBorrow(serverAddr, botToken, qrCode, strings.TrimSpace(userID))
		}(i, uid)
	}

	fmt.Println("Firing all requests simultaneously...")
	close(start)
	wg.Wait()
	fmt.Print("All requests completed.\n\n")

	var wins, conflicts, failures int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures++
			fmt.Printf("  [ERR ] user=%-12s err=%v\n", r.UserID, r.Err)
		case r.StatusCode == http.StatusCreated:
			wins++
			fmt.Printf("  [WIN ] user=%-12s status=%d\n", r.UserID, r.StatusCode)
		case r.StatusCode == http.StatusConflict:
			conflicts++
			fmt.Printf("  [LOST] user=%-12s status=%d body=%s\n", r.UserID, r.StatusCode, r.Body)
		default:
			failures++
			fmt.Printf("  [FAIL] user=%-12s status=%d body=%s\n", r.UserID, r.StatusCode, r.Body)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Winners   : %d\n", wins)
	fmt.Printf("Conflicts : %d\n", conflicts)
	fmt.Printf("Failures  : %d\n", failures)
	fmt.Printf("Total     : %d\n\n", len(userIDs))

	fmt.Println("--- Invariant Check ---")
	fmt.Println("The partial unique index (uniq_open_loan) enforces at most one open")
	fmt.Println("loan per copy at the database level; exactly 1 winner is correct.")

	if wins != 1 || failures > 0 {
		os.Exit(1)
	}
}

// attemptBorrow signs an assertion for userID and posts the borrow request.
func attemptBorrow(serverAddr, botToken, qrCode, userID string) borrowResult {
	initData := signInitData(botToken, userID)

	reqURL := fmt.Sprintf("%s/api/copies/%s/borrow", serverAddr, qrCode)
	req, err := http.NewRequest(http.MethodPost, reqURL, nil)
	if err != nil {
		return borrowResult{UserID: userID, Err: err}
	}
	req.Header.Set("Authorization", "tma "+initData)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return borrowResult{UserID: userID, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	return borrowResult{UserID: userID, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}

// signInitData builds a signed init-data assertion the way the platform does.
func signInitData(botToken, userID string) string {
	fields := map[string]string{
		"auth_date": fmt.Sprintf("%d", time.Now().Unix()),
		"user":      fmt.Sprintf(`{"id":%s,"first_name":"Stress","username":"stress%s"}`, userID, userID),
	}

	pairs := make([]string, 0, len(fields))
	for k, v := range fields {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))

	vals := url.Values{}
	for k, v := range fields {
		vals.Set(k, v)
	}
	vals.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return vals.Encode()
}
