// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"hyperchat-go/internal/config"
	"hyperchat-go/internal/handler"
	"hyperchat-go/internal/middleware"
	"hyperchat-go/internal/model"
	"hyperchat-go/internal/repository"
	"hyperchat-go/internal/service"
	"hyperchat-go/pkg/database"
	"hyperchat-go/pkg/llm"
	"hyperchat-go/pkg/log"
	"hyperchat-go/pkg/token"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化持久化存储
	store, err := newStore(cfg.Store)
	if err != nil {
		log.Fatal("初始化存储失败", err)
	}

	// 4. 初始化补全服务和会话引擎 (依赖注入)
	engine := service.NewSessionEngine(store, newProviders(cfg.Providers), service.OptionsFromConfig(cfg))
	conversationService := service.NewConversationService(store, engine)
	tickets := token.NewTicketManager(cfg.Server.Secret, cfg.Server.TicketTTL)

	// 5. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())
	registerRoutes(r, conversationService, engine, tickets)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	// 引擎关闭时会等待已发出的会话写入完成
	if err := engine.Close(); err != nil {
		log.Errorf("会话引擎关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

func registerRoutes(r *gin.Engine, conversationService service.ConversationService, engine service.SessionEngine, tickets *token.TicketManager) {
	conversationHandler := handler.NewConversationHandler(conversationService)
	chatHandler := handler.NewChatHandler(engine, tickets)

	apiV1 := r.Group("/api/v1")
	{
		conversations := apiV1.Group("/conversations")
		{
			conversations.GET("", conversationHandler.GetConversations)
			conversations.POST("", conversationHandler.CreateConversation)
			conversations.GET("/:id", conversationHandler.GetConversation)
			conversations.PUT("/:id/summary", conversationHandler.RenameConversation)
		}

		// Chat 路由 (WebSocket)
		apiV1.GET("/chat/websocket-token", chatHandler.GetWebsocketToken)
	}
	r.GET("/chat/:token", middleware.TicketAuth(tickets), chatHandler.Handle)
}

// newStore 根据 store.driver 选择持久化后端。
func newStore(cfg config.StoreConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		database.InitSQLite(cfg.SQLite.Path)
		return repository.NewSQLiteStore(context.Background(), database.SQLite)
	case "redis":
		database.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		return repository.NewRedisStore(database.RDB), nil
	case "mysql":
		database.InitMySQL(cfg.MySQL.DSN)
		return repository.NewGormStore(database.DB)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// newProviders 为每个产品创建补全服务。未配置 API Key 的服务商对应的产品不可用。
func newProviders(cfg config.ProvidersConfig) map[model.Product]llm.Client {
	providers := make(map[model.Product]llm.Client)
	if cfg.OpenAI.APIKey != "" {
		providers[model.ProductChat] = llm.NewChatClient(cfg.OpenAI, nil)
		providers[model.ProductTextCompletion] = llm.NewCompletionClient(cfg.OpenAI)
		providers[model.ProductImageGeneration] = llm.NewImageClient(cfg.OpenAI)
		providers[model.ProductModeration] = llm.NewModerationClient(cfg.OpenAI)
	} else {
		log.Warnf("未配置 OpenAI API Key，chat / text_completion / image_generation / moderation 不可用")
	}
	if cfg.Anthropic.APIKey != "" {
		providers[model.ProductAnthropicChat] = llm.NewAnthropicClient(cfg.Anthropic)
	} else {
		log.Warnf("未配置 Anthropic API Key，anthropic_chat 不可用")
	}
	return providers
}
