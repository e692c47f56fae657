//go:build ignore
// +build ignore

// Package main provides a manual concurrency stress test for the Lending API.
//
// Usage:
//
//	go run ./scripts/concurrency_test.go <book_id> <admin_id> <actor1_id> [actor2_id ...]
//
// Or use the convenience environment variables:
//
//	BOOK_ID=<id>  ADMIN_ID=<id>  ACTOR_IDS=<id1>,<id2>,...  go run ./scripts/concurrency_test.go
//
// What it does:
//  1. Fires N goroutines (one per actor) all submitting a loan for the same book.
//  2. Lists the resulting pending loans as the admin.
//  3. Fires one approval goroutine per pending loan, all released simultaneously.
//  4. Tallies approvals vs capacity rejections: with C available copies, exactly
//     C approvals must succeed and the rest must come back 409.
//
// Prerequisites:
//   - Server must be running (`lending serve`) and migrated.
//   - The book and the actors must exist; the admin id must be an administrator.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultServerAddr = "http://localhost:8080"

type outcome struct {
	ActorID    string
	LoanID     uint
	StatusCode int
	Err        error
}

func main() {
	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}

	bookID := os.Getenv("BOOK_ID")
	adminID := os.Getenv("ADMIN_ID")
	var actorIDs []string
	if env := os.Getenv("ACTOR_IDS"); env != "" {
		actorIDs = strings.Split(env, ",")
	}

	// Support positional args: script <book_id> <admin_id> [actor_ids...]
	args := os.Args[1:]
	if len(args) >= 1 {
		bookID = args[0]
	}
	if len(args) >= 2 {
		adminID = args[1]
	}
	if len(args) >= 3 {
		actorIDs = args[2:]
	}

	if bookID == "" || adminID == "" || len(actorIDs) == 0 {
		log.Fatal("Usage: BOOK_ID=<id> ADMIN_ID=<id> ACTOR_IDS=<a1,a2,...> go run ./scripts/concurrency_test.go\n" +
			"  or: go run ./scripts/concurrency_test.go <book_id> <admin_id> <actor1_id> [actor2_id ...]")
	}

	fmt.Printf("=== Lending Concurrency Test ===\n")
	fmt.Printf("Server : %s\n", serverAddr)
	fmt.Printf("Book   : %s\n", bookID)
	fmt.Printf("Actors : %d\n\n", len(actorIDs))

	// Phase 1: all actors submit simultaneously.
	submits := make([]outcome, len(actorIDs))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, id := range actorIDs {
		wg.Add(1)
		go func(idx int, actorID string) {
			defer wg.Done()
			<-start
			submits[idx] = submitLoan(serverAddr, bookID, strings.TrimSpace(actorID))
		}(i, id)
	}
	fmt.Println("Firing all submissions simultaneously...")
	close(start)
	wg.Wait()

	var loanIDs []uint
	for _, r := range submits {
		switch {
		case r.Err != nil:
			fmt.Printf("  [ERR ] actor=%-12s err=%v\n", r.ActorID, r.Err)
		case r.StatusCode == http.StatusCreated:
			fmt.Printf("  [PEND] actor=%-12s loan=%d\n", r.ActorID, r.LoanID)
			loanIDs = append(loanIDs, r.LoanID)
		default:
			fmt.Printf("  [SKIP] actor=%-12s status=%d\n", r.ActorID, r.StatusCode)
		}
	}

	// Phase 2: approve every pending loan simultaneously.
	fmt.Printf("\nFiring %d approvals simultaneously...\n", len(loanIDs))
	results := make([]int, len(loanIDs))
	start = make(chan struct{})
	for i, loanID := range loanIDs {
		wg.Add(1)
		go func(idx int, id uint) {
			defer wg.Done()
			<-start
			results[idx] = approveLoan(serverAddr, adminID, id)
		}(i, loanID)
	}
	close(start)
	wg.Wait()

	var approved, capacity, failures int
	for i, code := range results {
		switch code {
		case http.StatusOK:
			approved++
			fmt.Printf("  [APRV] loan=%d\n", loanIDs[i])
		case http.StatusConflict:
			capacity++
			fmt.Printf("  [FULL] loan=%d status=409\n", loanIDs[i])
		default:
			failures++
			fmt.Printf("  [FAIL] loan=%d status=%d\n", loanIDs[i], code)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Approved          : %d\n", approved)
	fmt.Printf("Capacity rejected : %d\n", capacity)
	fmt.Printf("Failures          : %d\n", failures)
	fmt.Printf("Total             : %d\n\n", len(loanIDs))

	fmt.Println("--- Invariant Check ---")
	fmt.Println("The guarded ledger increment allows at most `available copies` approvals;")
	fmt.Println("if Approved above exceeds the book's availability, the engine is broken.")

	if failures > 0 {
		fmt.Printf("\n[WARNING] %d request(s) failed — check server logs for details.\n", failures)
		os.Exit(1)
	}
}

// submitLoan sends POST /books/{bookID}/loans as the given actor.
func submitLoan(serverAddr, bookID, actorID string) outcome {
	url := fmt.Sprintf("%s/books/%s/loans", serverAddr, bookID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return outcome{ActorID: actorID, Err: err}
	}
	req.Header.Set("X-Actor-ID", actorID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return outcome{ActorID: actorID, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var parsed struct {
		Loan struct {
			ID uint `json:"id"`
		} `json:"loan"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return outcome{ActorID: actorID, StatusCode: resp.StatusCode, Err: fmt.Errorf("bad JSON: %s", raw)}
	}
	return outcome{ActorID: actorID, LoanID: parsed.Loan.ID, StatusCode: resp.StatusCode}
}

// approveLoan hits the direct approval endpoint; the review workflow is
// deliberately bypassed here because its session is per-admin and this script
// races many approvals under one admin id.
func approveLoan(serverAddr, adminID string, loanID uint) int {
	url := fmt.Sprintf("%s/admin/loans/%d/approve", serverAddr, loanID)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("X-Actor-ID", adminID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}
