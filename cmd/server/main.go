package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"

	"github.com/lokutor-ai/callorch/internal/config"
	"github.com/lokutor-ai/callorch/internal/logging"
	"github.com/lokutor-ai/callorch/internal/store"
	"github.com/lokutor-ai/callorch/internal/telephony"
	"github.com/lokutor-ai/callorch/pkg/billing"
	"github.com/lokutor-ai/callorch/pkg/orchestrator"
	"github.com/lokutor-ai/callorch/pkg/providers/embeddings"
	"github.com/lokutor-ai/callorch/pkg/providers/llm"
	"github.com/lokutor-ai/callorch/pkg/providers/stt"
	"github.com/lokutor-ai/callorch/pkg/providers/tts"
	"github.com/lokutor-ai/callorch/pkg/retrieval"
	"github.com/lokutor-ai/callorch/pkg/session"
	"github.com/lokutor-ai/callorch/pkg/tools"
)

// embeddingDimensions matches text-embedding-3-small, the model
// pkg/providers/embeddings.OpenAIEmbedder defaults to.
const embeddingDimensions = 1536

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog, err := logging.New(cfg.Dev)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer zlog.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewStore(ctx, cfg.DatabaseURL, embeddingDimensions)
	if err != nil {
		zlog.Error("store: connect failed", "error", err)
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	sessions := session.New(redisClient)

	ledger := billing.New(st.Pool(), zlog)

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)

	var generator orchestrator.Generator
	if cfg.LLMRemoteBaseURL != "" {
		generator, err = llm.NewGenerator(cfg.LLMProvider, cfg.LLMModel, registry,
			anyllmlib.WithAPIKey(cfg.LLMProviderAPIKey),
			anyllmlib.WithBaseURL(cfg.LLMRemoteBaseURL))
		if err != nil {
			zlog.Error("llm: remote generator init failed", "error", err)
			log.Fatalf("llm: %v", err)
		}
	} else {
		client, err := llm.NewInProcessClient(cfg.LLMProvider, cfg.LLMProviderAPIKey, cfg.LLMModel)
		if err != nil {
			zlog.Error("llm: in-process client init failed", "error", err)
			log.Fatalf("llm: %v", err)
		}
		zlog.Info("llm: no remote base URL configured, using in-process generation", "provider", cfg.LLMProvider)
		generator = llm.NewInProcessGenerator(client)
	}

	var embedder retrieval.Embedder
	if cfg.LLMProviderAPIKey != "" && strings.EqualFold(cfg.LLMProvider, "openai") {
		embedder = embeddings.NewOpenAIEmbedder(cfg.LLMProviderAPIKey)
	}
	retriever := retrieval.New(st.Pool(), embedder,
		retrieval.WithRRFK(cfg.RetrievalRRFK),
		retrieval.WithSimilarityFloor(cfg.RetrievalSimilarityThreshold))

	primaryTTS := tts.NewLokutorTTS(cfg.TTSPrimaryAPIKey)
	var secondaryTTS orchestrator.TTSProvider = primaryTTS
	if cfg.TTSSecondaryAPIKey != "" {
		secondaryTTS = tts.NewElevenLabsTTS(cfg.TTSSecondaryAPIKey)
	}
	router := tts.NewRouter(primaryTTS, secondaryTTS)

	preloadCtx, preloadCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := tts.PreloadFiller(preloadCtx, primaryTTS, "default", orchestrator.LanguageEn); err != nil {
		zlog.Warn("tts: filler preload failed", "error", err)
	}
	preloadCancel()

	orchConfig := orchestrator.DefaultConfig()

	buildCall := func(ctx context.Context, params orchestrator.CallParams) (*orchestrator.Call, error) {
		if err := st.ReserveCall(ctx, params.CallID, params.OrgID, params.AgentID); err != nil {
			if err == store.ErrAlreadyReserved {
				return nil, orchestrator.ErrCallAlreadyReserved
			}
			zlog.Error("call admission: reserve failed", "callID", params.CallID, "error", err)
			return nil, err
		}
		// Any admission failure below must release the reservation; only
		// NewCall succeeding hands that job to Call.Stop().
		releaseOnFailure := true
		defer func() {
			if releaseOnFailure {
				if err := st.ReleaseCall(ctx, params.CallID); err != nil {
					zlog.Warn("call admission: release after failed admission failed", "callID", params.CallID, "error", err)
				}
			}
		}()

		agent, err := st.GetAgent(ctx, params.AgentID)
		if err != nil {
			return nil, orchestrator.ErrConversationNotFound
		}
		params.SystemPrompt = agent.SystemPrompt
		params.VoiceID = agent.VoiceID
		params.KBID = agent.KBID
		params.Tools = agent.ToolSet

		ok, err := ledger.HasCredits(ctx, params.OrgID, 1.0)
		if err != nil || !ok {
			return nil, orchestrator.ErrInsufficientBalance
		}

		dial := stt.DialDeepgramStream(cfg.STTProviderAPIKey)
		call, err := orchestrator.NewCall(ctx, params, orchConfig, zlog, dial, router, generator, retriever, ledger, sessions, st)
		if err != nil {
			return nil, err
		}
		releaseOnFailure = false
		return call, nil
	}

	mediaStreamHandler := telephony.NewMediaStreamHandler(buildCall, zlog)
	telephonyServer := telephony.NewServer(st, ledger, cfg.TelephonyAuthToken, cfg.RateLimitMaxCallsPerMinute, zlog)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice/incoming", telephonyServer.HandleVoiceIncoming)
	mux.HandleFunc("POST /voice/status", telephonyServer.HandleVoiceStatus)
	mux.Handle("/media-stream", mediaStreamHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("server: listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error("server: listen failed", "error", err)
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	zlog.Info("server: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("server: graceful shutdown failed", "error", err)
	}
}
