package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/Panzah-Nexus/voice-pipeline/internal/audio"
	"github.com/Panzah-Nexus/voice-pipeline/internal/denoise"
	"github.com/Panzah-Nexus/voice-pipeline/internal/enrich"
	"github.com/Panzah-Nexus/voice-pipeline/internal/env"
	"github.com/Panzah-Nexus/voice-pipeline/internal/llmstage"
	"github.com/Panzah-Nexus/voice-pipeline/internal/models"
	"github.com/Panzah-Nexus/voice-pipeline/internal/orchestrator"
	"github.com/Panzah-Nexus/voice-pipeline/internal/prompts"
	"github.com/Panzah-Nexus/voice-pipeline/internal/runtime"
	"github.com/Panzah-Nexus/voice-pipeline/internal/sentence"
	"github.com/Panzah-Nexus/voice-pipeline/internal/sttstage"
	"github.com/Panzah-Nexus/voice-pipeline/internal/trace"
	"github.com/Panzah-Nexus/voice-pipeline/internal/turn"
)

// tuning holds knobs loaded from gateway.json. These are values that may
// eventually move to a database; for now a JSON file keeps them out of env vars.
type tuning struct {
	LLMSystemPrompt    string  `json:"llm_system_prompt"`
	LLMMaxTokens       int     `json:"llm_max_tokens"`
	ASRPoolSize        int     `json:"asr_pool_size"`
	LLMPoolSize        int     `json:"llm_pool_size"`
	VADSpeechThreshold float64 `json:"vad_speech_threshold_db"`
	OpenAIURL          string  `json:"openai_url"`
	OpenAIModel        string  `json:"openai_model"`
	AnthropicURL       string  `json:"anthropic_url"`
	AnthropicModel     string  `json:"anthropic_model"`
}

// defaultTuning returns sensible defaults matching gateway.json.
func defaultTuning() tuning {
	return tuning{
		LLMSystemPrompt:    "You are a helpful call center agent. Keep responses concise and conversational.",
		LLMMaxTokens:       2048,
		ASRPoolSize:        50,
		LLMPoolSize:        50,
		VADSpeechThreshold: -25,
		OpenAIURL:          "https://api.openai.com",
		OpenAIModel:        "gpt-4.1-nano",
		AnthropicURL:       "https://api.anthropic.com",
		AnthropicModel:     "claude-sonnet-4-5",
	}
}

// loadTuning reads gateway.json if present, otherwise returns defaults.
func loadTuning(path string) tuning {
	t := defaultTuning()
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Info("no config file, using defaults", "path", path)
		return t
	}
	if err = json.Unmarshal(data, &t); err != nil {
		slog.Warn("bad config file, using defaults", "path", path, "error", err)
		return defaultTuning()
	}
	slog.Info("loaded config", "path", path)
	return t
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	t := loadTuning("gateway.json")

	port := env.Str("PORT", "8000")
	ollamaURL := env.Str("OLLAMA_URL", "http://localhost:11434")
	ollamaModel := env.Str("OLLAMA_MODEL", "llama3.2:3b")
	whisperServerURL := env.Str("WHISPER_SERVER_URL", "")
	whisperControlURL := env.Str("WHISPER_CONTROL_URL", "")
	openaiAPIKey := env.Str("OPENAI_API_KEY", "")
	anthropicAPIKey := env.Str("ANTHROPIC_API_KEY", "")
	audioclassifyURL := env.Str("AUDIOCLASSIFY_URL", "")
	ttssynthBin := env.Str("TTSSYNTH_BIN", "ttssynth")
	maxConcurrentCalls := env.Int("MAX_CONCURRENT_CALLS", 100)
	qdrantURL := env.Str("QDRANT_URL", "")

	svcRegistry := orchestrator.NewRegistry(map[string]orchestrator.ServiceMeta{
		"whisper-server": {
			Category:   "asr",
			HealthURL:  whisperServerURL,
			ControlURL: whisperControlURL,
		},
	})
	svcMgr := orchestrator.NewHTTPControlManager(svcRegistry)

	whisperPrompt := env.Str("WHISPER_PROMPT", "Customer service call transcript:")
	sttRouter := initSTT(whisperServerURL, t.ASRPoolSize, whisperPrompt)
	llmRouter := initLLM(ollamaURL, ollamaModel, openaiAPIKey, anthropicAPIKey, t)

	vad := audio.DefaultVADConfig()
	vad.SpeechThresholdDB = t.VADSpeechThreshold

	var denoiser *denoise.Denoiser
	var noiseSidecar *enrich.NoiseClient
	if noiseSidecarURL := env.Str("NOISE_SIDECAR_URL", ""); noiseSidecarURL != "" {
		noiseSidecar = enrich.NewNoiseClient(noiseSidecarURL)
	} else if env.Bool("DENOISE_ENABLED", false) {
		denoiser = denoise.New()
		defer denoiser.Close()
	}

	var classifyClient *enrich.ClassifyClient
	if audioclassifyURL != "" {
		classifyClient = enrich.NewClassifyClient(audioclassifyURL)
	}

	postgresURL := env.Str("POSTGRES_URL", "")
	var traceStore *trace.Store
	if postgresURL != "" {
		var traceErr error
		traceStore, traceErr = trace.Open(postgresURL)
		if traceErr != nil {
			slog.Error("trace store open failed", "error", traceErr)
		}
		if traceStore != nil {
			slog.Info("tracing enabled", "postgres", postgresURL)
		}
	}

	rag, callHistory := initEnrichment(qdrantURL, ollamaURL)

	systemPrompt := prompts.ForSession(t.LLMSystemPrompt)

	llmCfg := llmstage.DefaultConfig()
	llmCfg.Engine = "ollama"
	llmCfg.SystemPrompt = systemPrompt

	turnCfg := turn.DefaultConfig()
	turnCfg.SystemPrompt = systemPrompt

	sttCfg := sttstage.DefaultConfig()
	sttCfg.ReferenceTranscript = env.Str("STT_REFERENCE_TRANSCRIPT", "")

	rt := runtime.New(runtime.Config{
		Codec:         audio.CodecPCM,
		SampleRateIn:  16000,
		SampleRateOut: 22050,
		VAD:           vad,
		Denoiser:      denoiser,
		NoiseSidecar:  noiseSidecar,
		Classify:      classifyClient,
		STT:           sttCfg,
		STTRoute:      sttRouter,
		LLM:           llmCfg,
		LLMRoute:      llmRouter,
		Sentence:      sentence.DefaultConfig(),
		TTSSpawn:      func() *exec.Cmd { return exec.Command(ttssynthBin) },
		Turn:          turnCfg,
		RAG:           rag,
		CallHistory:   callHistory,
		TraceStore:    traceStore,
	})

	handler := runtime.NewHandler(rt, maxConcurrentCalls)

	gpu := newGPUHub(ollamaURL, whisperControlURL)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		ollamaURL:         ollamaURL,
		ollamaModel:       ollamaModel,
		whisperControlURL: whisperControlURL,
		sttRouter:         sttRouter,
		llmRouter:         llmRouter,
		svcMgr:            svcMgr,
		gpu:               gpu,
		wsHandler:         handler,
		traceStore:        traceStore,
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: mux}

	go awaitShutdown(srv, ollamaURL, svcMgr)

	slog.Info("gateway starting", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(3)
	}

	slog.Info("gateway stopped")
}

// awaitShutdown blocks until SIGINT/SIGTERM, then gracefully unloads models and stops services.
func awaitShutdown(srv *http.Server, ollamaURL string, svcMgr *orchestrator.HTTPControlManager) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("unloading ollama models")
	if err := models.UnloadAllLLMs(ctx, ollamaURL); err != nil {
		slog.Warn("ollama unload", "error", err)
	}

	slog.Info("stopping ML services")
	stopRunningServices(ctx, svcMgr, "shutdown")

	srv.Shutdown(ctx)
}

func initSTT(whisperServerURL string, poolSize int, prompt string) *sttstage.Router {
	backends := map[string]sttstage.Provider{}
	if whisperServerURL != "" {
		backends["whisper-server"] = sttstage.NewWhisperClient(whisperServerURL, poolSize)
	}
	return sttstage.NewRouter(backends, "whisper-server")
}

// initLLM registers the raw streaming HTTP clients under their own engine
// names plus an "agent" engine backed by the openai-agents-go SDK (tool-use
// capable, at the cost of an extra abstraction layer) routed to whichever
// of those same backends is configured as the fallback.
func initLLM(ollamaURL, ollamaModel, openaiAPIKey, anthropicAPIKey string, t tuning) *llmstage.Router {
	backends := map[string]llmstage.Provider{
		"ollama": llmstage.NewOllamaClient(ollamaURL, ollamaModel, t.LLMSystemPrompt, t.LLMMaxTokens, t.LLMPoolSize),
	}
	if openaiAPIKey != "" {
		backends["openai"] = llmstage.NewOpenAICompletionsClient(openaiAPIKey, t.OpenAIURL, t.OpenAIModel, t.LLMMaxTokens, t.LLMPoolSize)
	}
	if anthropicAPIKey != "" {
		backends["anthropic"] = llmstage.NewAnthropicClient(anthropicAPIKey, t.AnthropicURL, t.AnthropicModel, t.LLMMaxTokens, t.LLMPoolSize)
	}

	agentRouter := llmstage.NewAgentRouter("ollama", t.LLMMaxTokens)
	agentRouter.Register("ollama", agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		BaseURL:      param.NewOpt(ollamaURL + "/v1/"),
		APIKey:       param.NewOpt("ollama"),
		UseResponses: param.NewOpt(false),
	}), ollamaModel)
	if openaiAPIKey != "" {
		agentRouter.Register("openai", agents.NewOpenAIProvider(agents.OpenAIProviderParams{
			BaseURL:      param.NewOpt(t.OpenAIURL + "/v1/"),
			APIKey:       param.NewOpt(openaiAPIKey),
			UseResponses: param.NewOpt(true),
		}), t.OpenAIModel)
	}
	backends["agent"] = agentRouter.AsProvider("ollama")

	return llmstage.NewRouter(backends, "ollama")
}

// initEnrichment wires the optional RAG/call-history path when a Qdrant
// instance is configured; both stay nil otherwise, which internal/turn
// treats as "disabled" without altering core turn semantics.
func initEnrichment(qdrantURL, ollamaURL string) (*enrich.RAGClient, *enrich.CallHistoryClient) {
	if qdrantURL == "" {
		return nil, nil
	}
	embedder := enrich.NewEmbeddingClient(ollamaURL, env.Str("EMBEDDING_MODEL", "nomic-embed-text"), 4)
	qdrant := enrich.NewQdrantClient(qdrantURL, 4)
	rag := enrich.NewRAGClient(enrich.RAGConfig{
		Embedder:       embedder,
		Qdrant:         qdrant,
		Collection:     env.Str("RAG_COLLECTION", "knowledge_base"),
		TopK:           env.Int("RAG_TOP_K", 3),
		ScoreThreshold: env.Float("RAG_SCORE_THRESHOLD", 0.7),
	})
	callHistory := enrich.NewCallHistoryClient(embedder, qdrant, env.Str("CALL_HISTORY_COLLECTION", "call_history"))
	return rag, callHistory
}
