// localcall auditions the call pipeline against the local microphone and
// speakers instead of a phone line. Mic audio is mu-law encoded into
// telephone-sized frames and fed to a session as synthetic stream events;
// the session's outbound frames are decoded back to PCM for playback.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/ringable-ai/gymdial/pkg/audio"
	"github.com/ringable-ai/gymdial/pkg/orchestrator"
	"github.com/ringable-ai/gymdial/pkg/providers/llm"
	"github.com/ringable-ai/gymdial/pkg/providers/stt"
	"github.com/ringable-ai/gymdial/pkg/providers/tts"
)

const (
	sampleRate = 8000
	frameBytes = 160
)

// speakerTransport plays paced mu-law frames through the local output
// device buffer.
type speakerTransport struct {
	mu  sync.Mutex
	buf []byte
}

func (t *speakerTransport) SendFrame(frame []byte) error {
	pcm := audio.DecodeMulaw(frame)
	t.mu.Lock()
	t.buf = append(t.buf, pcm...)
	t.mu.Unlock()
	return nil
}

func (t *speakerTransport) Writable() bool { return true }
func (t *speakerTransport) Close() error   { return nil }

func (t *speakerTransport) fill(out []byte) {
	t.mu.Lock()
	n := copy(out, t.buf)
	t.buf = t.buf[n:]
	t.mu.Unlock()
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

type stderrLogger struct{}

func (stderrLogger) Debug(msg string, args ...interface{}) {}
func (stderrLogger) Info(msg string, args ...interface{})  { log.Println(append([]interface{}{"INFO", msg}, args...)...) }
func (stderrLogger) Warn(msg string, args ...interface{})  { log.Println(append([]interface{}{"WARN", msg}, args...)...) }
func (stderrLogger) Error(msg string, args ...interface{}) { log.Println(append([]interface{}{"ERROR", msg}, args...)...) }

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using system environment")
	}
	logger := stderrLogger{}

	providers, err := buildProviders(logger)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events := make(chan orchestrator.StreamEvent, 256)
	transport := &speakerTransport{}

	sess := orchestrator.NewSession(orchestrator.SessionOptions{
		Config:    orchestrator.DefaultConfig(),
		Providers: providers,
		Transport: transport,
		Events:    events,
		Registry:  orchestrator.NewRegistry(orchestrator.RegistryHooks{}),
		Logger:    logger,
	})

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	events <- orchestrator.StreamEvent{Type: orchestrator.EventStart, Start: &orchestrator.StartInfo{
		StreamID: "local",
		CallID:   fmt.Sprintf("local_%d", time.Now().Unix()),
		MediaFormat: orchestrator.MediaFormat{
			Encoding: "audio/x-mulaw", SampleRate: sampleRate, Channels: 1,
		},
	}}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	var micBuf []byte
	var tsMS int64

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			micBuf = append(micBuf, audio.EncodeMulaw(pInput)...)
			for len(micBuf) >= frameBytes {
				frame := make([]byte, frameBytes)
				copy(frame, micBuf[:frameBytes])
				micBuf = micBuf[frameBytes:]
				tsMS += 20
				select {
				case events <- orchestrator.StreamEvent{
					Type:  orchestrator.EventMedia,
					Media: &orchestrator.MediaFrame{Payload: frame, TimestampMS: tsMS},
				}:
				default:
					// Session is behind; dropping a frame of mic audio is
					// better than blocking the audio callback.
				}
			}
		}
		if pOutput != nil {
			transport.fill(pOutput)
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	fmt.Println("local call running, speak into the microphone (Ctrl+C to hang up)")

	<-ctx.Done()
	events <- orchestrator.StreamEvent{Type: orchestrator.EventStop}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("session did not stop in time")
	}

	snap := sess.Conversation().Snapshot()
	stats := sess.Stats()
	fmt.Printf("\ncall over: %d remote turns, %d system turns, %.0f%% of facts collected, %.1fs of audio\n",
		snap.RemoteTurns, snap.SystemTurns, snap.Facts.Completion()*100, stats.AudioSeconds)
	if data, err := json.MarshalIndent(snap.Facts, "", "  "); err == nil {
		fmt.Println(string(data))
	}
}

func buildProviders(logger orchestrator.Logger) (orchestrator.Providers, error) {
	var p orchestrator.Providers

	if key := os.Getenv("DEEPGRAM_API_KEY"); key != "" {
		p.Transcriber = stt.NewDeepgramSTT(key, logger)
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p.Transcriber = stt.NewWhisperSTT(key, "")
	} else {
		return p, fmt.Errorf("set DEEPGRAM_API_KEY or OPENAI_API_KEY for transcription")
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		planner, err := llm.NewOpenAIPlanner(key, os.Getenv("LLM_MODEL"), "")
		if err != nil {
			return p, err
		}
		p.Responder = planner
		p.Extractor = planner
	} else {
		planner := llm.NewRulePlanner()
		p.Responder = planner
		p.Extractor = planner
	}

	if key := os.Getenv("ELEVENLABS_API_KEY"); key != "" {
		p.Synthesizer = tts.NewElevenLabsTTS(key, os.Getenv("ELEVENLABS_VOICE_ID"))
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p.Synthesizer = tts.NewOpenAITTS(key, "")
	} else {
		return p, fmt.Errorf("set ELEVENLABS_API_KEY or OPENAI_API_KEY for synthesis")
	}
	return p, nil
}
