// gymdial is the phone agent server: it answers Twilio voice webhooks,
// bridges media streams into call sessions, and exposes a small REST
// surface for starting and inspecting calls.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ringable-ai/gymdial/pkg/config"
	"github.com/ringable-ai/gymdial/pkg/observe"
	"github.com/ringable-ai/gymdial/pkg/orchestrator"
	"github.com/ringable-ai/gymdial/pkg/providers/llm"
	"github.com/ringable-ai/gymdial/pkg/providers/stt"
	"github.com/ringable-ai/gymdial/pkg/providers/tts"
	twiliostream "github.com/ringable-ai/gymdial/pkg/transport/twilio"
)

const version = "0.3.0"

// slogLogger adapts log/slog to the pipeline's logging interface.
type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }

func newLogger(level string) *slogLogger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return &slogLogger{l: slog.New(handler)}
}

func buildProviders(cfg config.Config, logger orchestrator.Logger) (orchestrator.Providers, error) {
	var p orchestrator.Providers

	switch cfg.Providers.STT {
	case "deepgram":
		p.Transcriber = stt.NewDeepgramSTT(cfg.Secrets.DeepgramAPIKey, logger)
	case "whisper":
		p.Transcriber = stt.NewWhisperSTT(cfg.Secrets.OpenAIAPIKey, "")
	default:
		return p, fmt.Errorf("unknown stt provider %q", cfg.Providers.STT)
	}

	switch cfg.Providers.LLM {
	case "openai":
		planner, err := llm.NewOpenAIPlanner(cfg.Secrets.OpenAIAPIKey, cfg.Providers.LLMModel, "")
		if err != nil {
			return p, err
		}
		p.Responder = planner
		p.Extractor = planner
	case "rules":
		planner := llm.NewRulePlanner()
		p.Responder = planner
		p.Extractor = planner
	default:
		return p, fmt.Errorf("unknown llm provider %q", cfg.Providers.LLM)
	}

	switch cfg.Providers.TTS {
	case "elevenlabs":
		p.Synthesizer = tts.NewElevenLabsTTS(cfg.Secrets.ElevenLabsAPIKey, cfg.Providers.Voice)
	case "openai":
		p.Synthesizer = tts.NewOpenAITTS(cfg.Secrets.OpenAIAPIKey, cfg.Providers.Voice)
	default:
		return p, fmt.Errorf("unknown tts provider %q", cfg.Providers.TTS)
	}
	return p, nil
}

// callRecord is the REST view of one dialed call.
type callRecord struct {
	CallSID   string    `json:"call_sid"`
	To        string    `json:"to"`
	StartedAt time.Time `json:"started_at"`
}

// callIndex remembers calls started through the REST API.
type callIndex struct {
	mu    sync.Mutex
	calls map[string]callRecord
}

func newCallIndex() *callIndex {
	return &callIndex{calls: make(map[string]callRecord)}
}

func (ci *callIndex) add(rec callRecord) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.calls[rec.CallSID] = rec
}

func (ci *callIndex) list() []callRecord {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	out := make([]callRecord, 0, len(ci.calls))
	for _, rec := range ci.calls {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func main() {
	configPath := flag.String("config", "", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log.Level)

	shutdownMetrics, err := observe.InitProvider("gymdial", version)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}
	metrics, err := observe.NewMetrics()
	if err != nil {
		logger.Error("metrics instruments failed", "error", err)
		os.Exit(1)
	}

	providers, err := buildProviders(cfg, logger)
	if err != nil {
		logger.Error("provider setup failed", "error", err)
		os.Exit(1)
	}

	registry := orchestrator.NewRegistry(orchestrator.RegistryHooks{
		OnCreate: func(callID string) { logger.Debug("call registered", "call_id", callID) },
		OnRemove: func(callID string) { logger.Debug("call deregistered", "call_id", callID) },
	})
	index := newCallIndex()

	var dialer *twiliostream.Dialer
	if cfg.Secrets.TwilioAccountSID != "" && cfg.Secrets.TwilioAuthToken != "" {
		dialer = twiliostream.NewDialer(
			cfg.Secrets.TwilioAccountSID,
			cfg.Secrets.TwilioAuthToken,
			cfg.Twilio.FromNumber,
			cfg.Server.PublicURL+"/twilio/voice",
			logger,
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()

	authToken := ""
	if cfg.Twilio.ValidateSignatures {
		authToken = cfg.Secrets.TwilioAuthToken
	}
	mux.Handle("/twilio/voice", &twiliostream.Webhook{
		StreamURL: wssURL(cfg.Server.PublicURL) + "/twilio/stream",
		AuthToken: authToken,
		PublicURL: cfg.Server.PublicURL + "/twilio/voice",
		Logger:    logger,
	})

	mux.HandleFunc("/twilio/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("stream upgrade failed", "error", err)
			return
		}
		conn.SetReadLimit(1 << 20)

		ms := twiliostream.NewMediaStream(conn, logger)
		sess := orchestrator.NewSession(orchestrator.SessionOptions{
			Config:    cfg.Pipeline(),
			Providers: providers,
			Transport: ms,
			Events:    ms.ReadEvents(r.Context()),
			Registry:  registry,
			Logger:    logger,
			Metrics:   metrics,
		})
		if err := sess.Run(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session failed", "error", err)
		}
	})

	mux.HandleFunc("/calls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"active": registry.Len(),
				"calls":  index.list(),
			})
		case http.MethodPost:
			if dialer == nil {
				http.Error(w, "outbound dialing not configured", http.StatusServiceUnavailable)
				return
			}
			var body struct {
				To string `json:"to"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.To == "" {
				http.Error(w, "body must be {\"to\": \"+1...\"}", http.StatusBadRequest)
				return
			}
			sid, err := dialer.StartCall(body.To)
			if err != nil {
				logger.Error("dial failed", "to", body.To, "error", err)
				http.Error(w, "dial failed", http.StatusBadGateway)
				return
			}
			rec := callRecord{CallSID: sid, To: body.To, StartedAt: time.Now()}
			index.add(rec)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(rec)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			"addr", cfg.Server.Addr,
			"stt", providers.Transcriber.Name(),
			"llm", providers.Responder.Name(),
			"tts", providers.Synthesizer.Name())
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
		return shutdownMetrics(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// wssURL rewrites the public http(s) base URL to its websocket scheme.
func wssURL(base string) string {
	switch {
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	default:
		return base
	}
}
