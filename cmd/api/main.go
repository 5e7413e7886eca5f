package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/speakup/backend/internal/config"
	"github.com/zhouzirui/speakup/backend/internal/handler"
	"github.com/zhouzirui/speakup/backend/internal/handler/voice"
	lessonModel "github.com/zhouzirui/speakup/backend/internal/model/lesson"
	speechModel "github.com/zhouzirui/speakup/backend/internal/model/speech"
	"github.com/zhouzirui/speakup/backend/internal/service/ai"
	"github.com/zhouzirui/speakup/backend/internal/service/assessment"
	"github.com/zhouzirui/speakup/backend/internal/service/lesson"
	"github.com/zhouzirui/speakup/backend/internal/service/settings"
	"github.com/zhouzirui/speakup/backend/internal/service/speech"
	"github.com/zhouzirui/speakup/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// 持久化：路径为空时仅保存在内存中
	var repo store.Repository
	var pinger handler.Pinger
	if cfg.Store.Path != "" {
		sqlite, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			log.Fatalf("failed to open database %s: %v", cfg.Store.Path, err)
		}
		defer sqlite.Close()
		repo = sqlite
		pinger = sqlite
		log.Printf("SQLite store opened at %s", cfg.Store.Path)
	} else {
		log.Println("SPEAKUP_DB_PATH 为空，课程记录只保存在内存中")
	}

	settingsStore, err := settings.NewStore(ctx, repo)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	lessonService := lesson.NewService(repo)
	catalog := lessonModel.NewMemoryCatalog(lessonModel.SeedTemplates())

	// Initialize AI service
	var chatModel model.ChatModel
	var aiService *ai.Service
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err == nil {
			aiService, err = ai.NewService(ctx, chatModel, ai.Config{
				StreamResponse: cfg.AI.StreamResponse,
				HistoryLimit:   cfg.AI.HistoryLimit,
			})
		}
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - tutor replies fall back to canned lines")
			chatModel = nil
		} else {
			log.Printf("AI service initialized provider=%s", cfg.AI.Provider)
		}
	} else {
		log.Println("大模型凭证未配置，跳过 AI 功能初始化")
	}

	assessor, err := assessment.NewService(ctx, chatModel)
	if err != nil {
		log.Printf("warning: failed to initialize assessment service: %v", err)
		assessor, _ = assessment.NewService(ctx, nil)
	}

	// Initialize Speech service
	var speechService *speech.Service
	if cfg.AI.OpenAIEnabled() {
		client, err := cfg.AI.NewOpenAIClient()
		if err != nil {
			log.Printf("warning: failed to initialize speech client: %v", err)
		} else {
			speechService = speech.NewService(client, &speechModel.SpeechConfig{
				TranscriptionModel: cfg.Speech.TranscriptionModel,
				TTSModel:           cfg.Speech.TTSModel,
				Voice:              cfg.Speech.Voice,
				SpeedPercent:       cfg.Speech.SpeedPercent,
				Language:           cfg.Speech.Language,
				Timeout:            cfg.Speech.Timeout,
			})
			log.Println("Speech service initialized successfully")
		}
	} else {
		log.Println("语音服务凭证未配置，导师回复使用浏览器本地语音")
	}

	hub := voice.NewHub()
	defer hub.CloseAll()

	router := handler.NewRouter(handler.Deps{
		Config:   cfg,
		AI:       aiService,
		Assessor: assessor,
		Speech:   speechService,
		Lessons:  lessonService,
		Settings: settingsStore,
		Catalog:  catalog,
		Store:    pinger,
		Hub:      hub,
	})

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("SpeakUp backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Printf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
