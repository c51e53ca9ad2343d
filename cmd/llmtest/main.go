// Command llmtest runs typed caller lines through the configured turn
// pipeline and prints each reply with its analysis and stage timings.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/joho/godotenv"

	"github.com/wolfman30/voice-receptionist/cmd/mainconfig"
	appconfig "github.com/wolfman30/voice-receptionist/internal/config"
	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/internal/understanding"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	ctx := context.Background()

	var awsCfg *aws.Config
	if cfg.BedrockModelID != "" {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			log.Fatalf("load AWS config: %v", err)
		}
		awsCfg = &loaded
	}
	responder, cleanup := understanding.FromConfig(ctx, cfg, awsCfg, logger)
	defer cleanup()

	runner := pipeline.New(responder, pipeline.Config{
		UnderstandTimeout:   cfg.UnderstandTimeout,
		EscalationThreshold: cfg.FailureEscalationThreshold,
	}, logger)
	orch := session.NewOrchestrator(runner, session.Config{Greeting: cfg.Greeting}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
	}()

	id := fmt.Sprintf("llmtest-%d", time.Now().Unix())
	if _, err := orch.StartSession(ctx, id, session.Context{}, pipeline.ChannelWeb); err != nil {
		log.Fatalf("start session: %v", err)
	}
	fmt.Printf("responder: %T\n", responder)
	if cfg.Greeting != "" {
		fmt.Printf("assistant> %s\n", cfg.Greeting)
	}

	in := bufio.NewScanner(os.Stdin)
	for fmt.Print("caller> "); in.Scan(); fmt.Print("caller> ") {
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "/quit", "/end":
			summary, err := orch.EndSession(ctx, id, session.ReasonCompleted)
			if err != nil {
				log.Fatalf("end session: %v", err)
			}
			fmt.Printf("\nended: status=%s turns=%d intent=%s\n%s\n", summary.Status, summary.TurnCount, summary.FinalIntent, summary.Text)
			return
		}
		res, err := orch.SubmitTurn(ctx, id, session.Input{Text: line, Confidence: 1})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			if res.SessionID == "" {
				return
			}
			continue
		}
		a := res.Assistant
		fmt.Printf("assistant> %s\n", a.Content)
		fmt.Printf("  intent=%s urgency=%s sentiment=%s status=%s total=%dms stages=%v\n",
			res.Caller.Intent, res.Caller.Urgency, res.Caller.Sentiment, res.Status, res.TotalLatencyMs, res.StageTimings)
		if res.Status.Terminal() {
			return
		}
	}
}
