package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	base := os.Getenv("ATRIUM_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	username := os.Getenv("ATRIUM_SMOKE_USERNAME")
	password := os.Getenv("ATRIUM_SMOKE_PASSWORD")
	if username == "" || password == "" {
		log.Fatal("set ATRIUM_SMOKE_USERNAME and ATRIUM_SMOKE_PASSWORD")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := client.Post(base+"/backoffice/api/authentication/login", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	payload, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("login failed: %d %s", resp.StatusCode, payload)
	}

	resp, err = client.Get(base + "/backoffice/api/authentication/remaining-seconds")
	if err != nil {
		log.Fatalf("remaining-seconds: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("remaining-seconds failed: %d %s", resp.StatusCode, raw)
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || seconds <= 0 {
		log.Fatalf("bad remaining-seconds response: %q", raw)
	}

	resp, err = client.Post(base+"/backoffice/api/authentication/logout", "application/json", nil)
	if err != nil {
		log.Fatalf("logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("logout failed: %d", resp.StatusCode)
	}

	// The session must be gone now.
	resp, err = client.Get(base + "/backoffice/api/authentication/remaining-seconds")
	if err != nil {
		log.Fatalf("post-logout check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		log.Fatalf("session survived logout: %d", resp.StatusCode)
	}

	fmt.Printf("✅ backoffice login smoke test passed: session had %ds remaining\n", seconds)
}
