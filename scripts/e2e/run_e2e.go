// Package main drives receptionist sessions end to end against a running API.
//
// Each scenario opens a web session, submits caller turns, checks the
// resulting status and intent, then ends the session and checks the summary.
//
// Usage:
//
//	API_BASE_URL=... ADMIN_JWT_SECRET=... go run scripts/e2e/run_e2e.go            # runs all
//	API_BASE_URL=... ADMIN_JWT_SECRET=... go run scripts/e2e/run_e2e.go emergency  # runs one
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

type turnExpect struct {
	say    string
	intent string
	status string
}

type scenario struct {
	name      string
	turns     []turnExpect
	emergency bool
	booked    bool
}

var scenarios = []scenario{
	{
		name: "hours",
		turns: []turnExpect{
			{say: "What are your hours on Saturday?", status: "active"},
		},
	},
	{
		name: "booking",
		turns: []turnExpect{
			{say: "Hi, I'd like to book an appointment", intent: "schedule_appointment", status: "active"},
			{say: "My name is Dana Reyes and my number is 206-555-0142", status: "active"},
			{say: "Can I come in next Tuesday at 3 pm?", intent: "schedule_appointment", status: "appointment_scheduled"},
		},
		booked: true,
	},
	{
		name: "emergency",
		turns: []turnExpect{
			{say: "My father has chest pain and can't breathe", intent: "emergency", status: "emergency"},
		},
		emergency: true,
	},
	{
		name: "transfer",
		turns: []turnExpect{
			{say: "Can I speak to a real person please?", intent: "transfer_request", status: "active"},
		},
	},
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	_ = godotenv.Load()
	base := strings.TrimRight(os.Getenv("API_BASE_URL"), "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: base, http: &http.Client{Timeout: 30 * time.Second}}
	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":  "e2e",
			"role": "operator",
			"exp":  time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(secret))
		if err != nil {
			fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
			os.Exit(1)
		}
		c.token = token
	}

	only := ""
	if len(os.Args) > 1 {
		only = os.Args[1]
	}
	failed := 0
	ran := 0
	for _, sc := range scenarios {
		if only != "" && sc.name != only {
			continue
		}
		ran++
		start := time.Now()
		if err := c.run(sc); err != nil {
			failed++
			fmt.Printf("FAIL %-10s %v\n", sc.name, err)
			continue
		}
		fmt.Printf("PASS %-10s (%s)\n", sc.name, time.Since(start).Round(time.Millisecond))
	}
	if ran == 0 {
		fmt.Fprintf(os.Stderr, "no scenario named %q\n", only)
		os.Exit(2)
	}
	fmt.Printf("\n%d/%d scenarios passed\n", ran-failed, ran)
	if failed > 0 {
		os.Exit(1)
	}
}

func (c *client) run(sc scenario) error {
	id := fmt.Sprintf("e2e-%s-%d", sc.name, time.Now().UnixNano())
	if _, err := c.call(http.MethodPost, "/sessions", map[string]any{"id": id, "channel": "web"}, http.StatusCreated); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	ended := false
	defer func() {
		if !ended {
			_, _ = c.call(http.MethodPost, "/sessions/"+id+"/end", map[string]string{"reason": "error"}, http.StatusOK)
		}
	}()

	for i, t := range sc.turns {
		body, err := c.call(http.MethodPost, "/sessions/"+id+"/turns", map[string]any{"text": t.say, "confidence": 0.95}, http.StatusOK)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		var res struct {
			Status string `json:"status"`
			Caller struct {
				Intent string `json:"intent"`
			} `json:"caller"`
			Assistant struct {
				Content string `json:"content"`
			} `json:"assistant"`
			TotalLatencyMs int64 `json:"total_latency_ms"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return fmt.Errorf("turn %d: decode: %w", i+1, err)
		}
		fmt.Printf("     %-10s caller> %s\n     %-10s assistant> %s (%dms)\n", sc.name, t.say, "", res.Assistant.Content, res.TotalLatencyMs)
		if t.intent != "" && res.Caller.Intent != t.intent {
			return fmt.Errorf("turn %d: intent %q, want %q", i+1, res.Caller.Intent, t.intent)
		}
		if t.status != "" && res.Status != t.status {
			return fmt.Errorf("turn %d: status %q, want %q", i+1, res.Status, t.status)
		}
	}

	body, err := c.call(http.MethodPost, "/sessions/"+id+"/end", map[string]string{"reason": "completed"}, http.StatusOK)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	ended = true
	var summary struct {
		Status               string `json:"status"`
		TurnCount            int    `json:"turn_count"`
		Emergency            bool   `json:"emergency"`
		AppointmentScheduled bool   `json:"appointment_scheduled"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		return fmt.Errorf("end: decode: %w", err)
	}
	if summary.Status != "ended" {
		return fmt.Errorf("final status %q, want ended", summary.Status)
	}
	if summary.Emergency != sc.emergency || summary.AppointmentScheduled != sc.booked {
		return fmt.Errorf("summary emergency=%t booked=%t, want %t/%t", summary.Emergency, summary.AppointmentScheduled, sc.emergency, sc.booked)
	}
	if summary.TurnCount < 2*len(sc.turns) {
		return fmt.Errorf("summary has %d turns, want at least %d", summary.TurnCount, 2*len(sc.turns))
	}
	return nil
}

func (c *client) call(method, path string, payload any, want int) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return body, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
