package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	orchestration "github.com/koscakluka/ema-voice/core"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/llms/openai"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	deepgramstt "github.com/koscakluka/ema-voice/core/speechtotext/deepgram"
	doubaostt "github.com/koscakluka/ema-voice/core/speechtotext/doubao"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	deepgramtts "github.com/koscakluka/ema-voice/core/texttospeech/deepgram"
	doubaotts "github.com/koscakluka/ema-voice/core/texttospeech/doubao"
	"github.com/koscakluka/ema-voice/core/tools"
	"github.com/koscakluka/ema-voice/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout       = 5 * time.Second
	connectionTestTimeout = 10 * time.Second
	maxRequestBody        = 1 << 20
)

var (
	flagAddr   string
	flagStatic string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve voice sessions",
	Long: `Serve voice sessions over a websocket at /ws.

GET /api/config returns the effective configuration with secrets masked.
POST /api/config/update writes variables to the first --env-file and
POST /api/config/test checks that a model provider answers.
With --static the given directory is served at /.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides SERVER_ADDR)")
	serveCmd.Flags().StringVar(&flagStatic, "static", "", "directory with a frontend to serve at /")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, envFiles...)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}

	opts, err := serverOptions(cfg)
	if err != nil {
		return err
	}
	server := orchestration.NewServer(opts...)

	envFile := ".env"
	if len(envFiles) > 0 {
		envFile = envFiles[0]
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(server.Handler(), cfg, envFile, flagStatic),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("serving voice sessions", "addr", cfg.Addr, "stt", cfg.Speech.STTProvider, "tts", cfg.Speech.TTSProvider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown did not finish cleanly", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func newMux(sessions http.Handler, cfg config.Config, envFile, staticDir string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", sessions)
	mux.HandleFunc("GET /api/config", configHandler(cfg))
	mux.HandleFunc("GET /api/config/agent/{name}", agentHandler(cfg))
	mux.HandleFunc("POST /api/config/update", updateHandler(envFile))
	mux.HandleFunc("POST /api/config/test", testConnectionHandler(cfg))
	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, response apiResponse) {
	data, err := sonic.Marshal(response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return sonic.Unmarshal(body, v)
}

func configHandler(cfg config.Config) http.HandlerFunc {
	masked := cfg.Masked()
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: masked})
	}
}

func agentHandler(cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: cfg.Agent(r.PathValue("name"))})
	}
}

type updateRequest struct {
	Updates map[string]string `json:"updates"`
}

// updateHandler writes variables to the .env file. They take effect after a
// restart.
func updateHandler(envFile string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, apiResponse{Message: fmt.Sprintf("malformed request: %v", err)})
			return
		}
		if err := config.UpdateEnvFile(envFile, req.Updates); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, config.ErrInvalidUpdate) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, apiResponse{Message: err.Error()})
			return
		}
		slog.Info("configuration updated", "file", envFile, "keys", len(req.Updates))
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "configuration saved, restart the server to apply it"})
	}
}

type testConnectionRequest struct {
	Provider string `json:"provider"`
}

// testConnectionHandler checks that a model provider answers with its model
// list.
func testConnectionHandler(cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req testConnectionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, apiResponse{Message: fmt.Sprintf("malformed request: %v", err)})
			return
		}
		provider, err := cfg.Provider(req.Provider)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiResponse{Message: err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), connectionTestTimeout)
		defer cancel()
		models, err := openai.NewClient(provider.APIKey, openai.WithBaseURL(provider.BaseURL)).ListModels(ctx)
		if err != nil {
			writeJSON(w, http.StatusOK, apiResponse{Message: fmt.Sprintf("connection to %s failed: %v", req.Provider, err)})
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: req.Provider + " connected", Data: models})
	}
}

// serverOptions wires the configured providers into the server.
func serverOptions(cfg config.Config) ([]orchestration.ServerOption, error) {
	planner, err := chatClient(cfg, "planner")
	if err != nil {
		return nil, err
	}
	talker, err := chatClient(cfg, "talker")
	if err != nil {
		return nil, err
	}
	scheduler, err := chatClient(cfg, "schedule")
	if err != nil {
		return nil, err
	}

	source, err := newTranscriptSource(cfg.Speech)
	if err != nil {
		return nil, err
	}
	synth, err := newSynthesizer(cfg.Speech)
	if err != nil {
		return nil, err
	}

	agentTools := []llms.Tool{tools.NewSchedule(scheduler).Tool()}
	if cfg.AMapAPIKey != "" {
		agentTools = append([]llms.Tool{tools.NewWeather(cfg.AMapAPIKey).Tool()}, agentTools...)
	} else {
		slog.Warn("AMAP_API_KEY is not set, weather lookups are disabled")
	}

	slog.Info("agents configured", "planner", planner.Model(), "talker", talker.Model(), "schedule", scheduler.Model())

	p := cfg.Pipeline
	opts := []orchestration.ServerOption{
		orchestration.WithPlanner(orchestration.NewLLMPlanner(planner)),
		orchestration.WithTalker(orchestration.NewLLMTalker(talker)),
		orchestration.WithTranscriptSource(source,
			speechtotext.WithEncodingInfo(audio.GetDefaultEncodingInfo()),
			speechtotext.WithLanguage(cfg.Speech.Language),
		),
		orchestration.WithSynthesizer(synth),
		orchestration.WithTools(agentTools...),
		orchestration.WithSynthesisConcurrency(p.SynthesisConcurrency),
		orchestration.WithSynthesisTimeout(p.SynthesisTimeout),
		orchestration.WithToolTimeout(p.ToolTimeout),
		orchestration.WithSegmentLimits(p.FirstUnitSoftLimit, p.UnitSoftLimit, p.UnitHardLimit),
		orchestration.WithMaxToolRounds(p.MaxToolRounds),
		orchestration.WithHistoryWindow(p.HistoryWindow),
	}
	if cfg.Greeting != nil {
		opts = append(opts, orchestration.WithGreeting(*cfg.Greeting))
	}
	return opts, nil
}

func chatClient(cfg config.Config, agentName string) (*openai.Client, error) {
	agent := cfg.Agent(agentName)
	provider, err := cfg.Provider(agent.Provider)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentName, err)
	}
	return openai.NewClient(provider.APIKey,
		openai.WithBaseURL(provider.BaseURL),
		openai.WithModel(agent.Model),
		openai.WithTemperature(agent.Temperature),
		openai.WithMaxTokens(agent.MaxTokens),
	), nil
}

func newTranscriptSource(speech config.Speech) (speechtotext.Source, error) {
	switch speech.STTProvider {
	case config.SpeechDoubao:
		if speech.VolcAppID == "" || speech.VolcAccessToken == "" {
			return nil, fmt.Errorf("VOLC_APPID and VOLC_ACCESS_TOKEN are required for doubao speech recognition")
		}
		return doubaostt.NewRecognizer(speech.VolcAppID, speech.VolcAccessToken,
			doubaostt.WithResourceID(speech.VolcASRResourceID),
		), nil
	case config.SpeechDeepgram:
		if speech.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY is required for deepgram speech recognition")
		}
		return deepgramstt.NewTranscriptionClient(speech.DeepgramAPIKey), nil
	}
	return nil, fmt.Errorf("unknown speech recognition provider %q", speech.STTProvider)
}

func newSynthesizer(speech config.Speech) (texttospeech.Synthesizer, error) {
	switch speech.TTSProvider {
	case config.SpeechDoubao:
		if speech.VolcAppID == "" || speech.VolcAccessToken == "" {
			return nil, fmt.Errorf("VOLC_APPID and VOLC_ACCESS_TOKEN are required for doubao speech synthesis")
		}
		return doubaotts.NewSynthesizer(speech.VolcAppID, speech.VolcAccessToken,
			doubaotts.WithCluster(speech.VolcTTSCluster),
			doubaotts.WithSynthesisOptions(
				texttospeech.WithVoice(speech.VolcTTSVoiceType),
				texttospeech.WithSpeedRatio(float64(speech.SpeedRatio)),
			),
		), nil
	case config.SpeechDeepgram:
		if speech.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY is required for deepgram speech synthesis")
		}
		client, err := deepgramtts.NewTextToSpeechClient(speech.DeepgramAPIKey,
			deepgramtts.WithSynthesisOptions(texttospeech.WithSpeedRatio(float64(speech.SpeedRatio))),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepgram synthesizer: %w", err)
		}
		return client, nil
	}
	return nil, fmt.Errorf("unknown speech synthesis provider %q", speech.TTSProvider)
}
