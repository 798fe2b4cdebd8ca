package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/elysialabs/voicepipe/internal/app"
	"github.com/elysialabs/voicepipe/internal/config"
	"github.com/elysialabs/voicepipe/pkg/Logger"
	"github.com/elysialabs/voicepipe/pkg/session"
)

// This is the main entry point for the voice pipeline client.
// Loads the pipeline components and drives utterances from stdin.
func main() {
	// fetch cfg
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// load global logger
	logger := Logger.New(cfg.Debug)
	logger.Info("Logger initialized")

	hooks := session.Hooks{
		OnPhase:      func(p session.Phase) { fmt.Printf("\r[%s]\n", p) },
		OnTranscript: func(text string) { fmt.Printf("you: %s\n", text) },
		OnReplyDelta: func(text string) { fmt.Printf("\rassistant: %s", text) },
		OnReplyFinal: func(text string) { fmt.Printf("\rassistant: %s\n", text) },
		OnError:      func(err error) { fmt.Printf("error: %v\n", err) },
	}

	pipeline, err := app.NewApp(cfg, logger, hooks)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pipeline.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	if pipeline.Visualizer != nil {
		go renderMeter(ctx, pipeline)
	}

	// talk toggles an utterance per line; reset clears the exchange
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Println("enter: start/stop an utterance | reset | reset-all | quit")
		for scanner.Scan() {
			switch strings.TrimSpace(scanner.Text()) {
			case "", "talk":
				if pipeline.Session.Phase() == session.PhaseRecording {
					pipeline.Session.EndUtterance()
					continue
				}
				if err := pipeline.Session.BeginUtterance(ctx); err != nil {
					logger.Errorf("utterance: %v", err)
				}
			case "reset":
				pipeline.Session.Reset(false)
			case "reset-all":
				pipeline.Session.Reset(true)
			case "quit", "exit":
				cancel()
				return
			}
		}
	}()

	// listen with graceful exit
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	if err := pipeline.Stop(); err != nil {
		logger.Errorf("Shutdown err %v", err)
	}
	logger.Info("Shutdown system")
}

// renderMeter draws audio levels as a one-line bar meter: the mic
// while recording, the reply while the assistant speaks.
func renderMeter(ctx context.Context, pipeline *app.App) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	glyphs := []rune(" .:-=+*#%@")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			switch pipeline.Session.Phase() {
			case session.PhaseRecording, session.PhaseSpeaking:
			default:
				continue
			}
			frame := pipeline.Visualizer.Frame(now)
			var b strings.Builder
			for _, v := range frame {
				b.WriteRune(glyphs[int(v*float64(len(glyphs)-1))])
			}
			fmt.Printf("\r|%s|", b.String())
		}
	}
}
