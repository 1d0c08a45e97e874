package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/clipforge/clipforge-agent/internal/assistant"
	"github.com/clipforge/clipforge-agent/internal/auth"
	"github.com/clipforge/clipforge-agent/internal/cloud"
	"github.com/clipforge/clipforge-agent/internal/config"
	"github.com/clipforge/clipforge-agent/internal/db"
	"github.com/clipforge/clipforge-agent/internal/llm"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/session"
	"github.com/clipforge/clipforge-agent/internal/store"
	"github.com/clipforge/clipforge-agent/internal/suggest"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, logLevelFlag: logLevelFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && *c.logLevelFlag != "" {
			cfg.LogLevel = *c.logLevelFlag
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			c.configErr = fmt.Errorf("create data dir: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// runtime is everything a command needs to drive a session against the processing service.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	database *db.DB
	repo     *store.SQLiteRepository
	auth     *auth.Session
	client   *cloud.HTTPClient
	session  *session.Session
	deviceID string
}

// open wires the store, credentials, service client and session. Log output goes to w.
func (c *commandContext) open(ctx context.Context, w io.Writer) (*runtime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(w, cfg.LogLevel, cfg.LogFormat)

	database, err := db.Open(ctx, cfg.DBPath(), logging.WithComponent(logger, "db"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, database: database}
	rt.repo = store.NewRepository(database.Conn())

	if rt.deviceID, err = ensureSecret(ctx, rt.repo, store.ConfigKeyDeviceID, 16); err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to ensure device ID: %w", err)
	}

	rt.auth = auth.NewSession(rt.repo, logging.WithComponent(logger, "auth"))
	if err := rt.auth.Load(ctx); err != nil {
		rt.close()
		return nil, err
	}
	if token := strings.TrimSpace(cfg.Service.Token); token != "" && !rt.auth.IsAuthenticated() {
		if err := rt.auth.SignIn(ctx, token); err != nil {
			rt.close()
			return nil, err
		}
	}

	rt.client, err = cloud.NewHTTPClient(cfg.Service.URL, rt.auth, cfg.ServiceTimeout(), logging.WithComponent(logger, "cloud"))
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.client.SetDeviceID(rt.deviceID)

	sessCfg := session.Config{
		Service:        rt.client,
		Auth:           rt.auth,
		Journal:        rt.repo,
		ArtifactsDir:   cfg.ArtifactsDir(),
		Options:        cfg.Build.Options,
		MaxConcurrency: cfg.Build.MaxConcurrency,
		Logger:         logger,
	}
	if err := wireProviders(cfg, &sessCfg, logger); err != nil {
		rt.close()
		return nil, err
	}

	rt.session, err = session.New(sessCfg)
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

// wireProviders swaps in the chat model for suggestions or the assistant when configured.
func wireProviders(cfg *config.Config, sc *session.Config, logger *slog.Logger) error {
	if cfg.LLM.SuggestProvider != config.ProviderLLM && cfg.LLM.AssistantProvider != config.ProviderLLM {
		return nil
	}
	client := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
	})

	if cfg.LLM.SuggestProvider == config.ProviderLLM {
		prompt := suggest.DefaultPrompt()
		if cfg.LLM.PromptFile != "" {
			p, err := suggest.LoadPrompt(cfg.LLM.PromptFile)
			if err != nil {
				return fmt.Errorf("load suggestion prompt: %w", err)
			}
			prompt = p
		}
		sc.Suggester = suggest.NewLLMService(client, prompt)
		logger.Info("suggestions use chat model", "model", cfg.LLM.Model)
	}
	if cfg.LLM.AssistantProvider == config.ProviderLLM {
		sc.Assistant = assistant.NewLLMService(client)
		logger.Info("assistant uses chat model", "model", cfg.LLM.Model)
	}
	return nil
}

func (rt *runtime) close() {
	if rt.session != nil {
		if err := rt.session.Close(); err != nil {
			rt.logger.Warn("failed to close session", "error", err)
		}
	}
	if rt.database != nil {
		rt.database.Close()
	}
}

// ensureSecret returns the stored value for key, generating n random bytes on first use.
func ensureSecret(ctx context.Context, repo *store.SQLiteRepository, key string, n int) (string, error) {
	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	value := hex.EncodeToString(buf)

	if err := repo.SetConfig(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
