package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/humanloop/internal/config"
	"github.com/ent0n29/humanloop/internal/dialog"
	"github.com/ent0n29/humanloop/internal/httpapi"
	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/kvstore"
	"github.com/ent0n29/humanloop/internal/observability"
	"github.com/ent0n29/humanloop/internal/orchestrator"
	"github.com/ent0n29/humanloop/internal/redact"
	"github.com/ent0n29/humanloop/internal/session"
	"github.com/ent0n29/humanloop/internal/tasklist"
	"github.com/ent0n29/humanloop/internal/uibridge"
)

// Stores are the persisted collections. The CLI opens them without the rest
// of the service.
type Stores struct {
	KV           kvstore.Store
	Interactions *interactions.Store
	TaskLists    *tasklist.Store
}

func OpenStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	kv, err := kvstore.Open(ctx, cfg.DatabaseURL, cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}
	return &Stores{
		KV:           kv,
		Interactions: interactions.NewStore(kv),
		TaskLists:    tasklist.NewStore(kv),
	}, nil
}

func (s *Stores) Close() error {
	return s.KV.Close()
}

type BuildResult struct {
	Config   config.Config
	Stores   *Stores
	Service  *orchestrator.Service
	Hub      *uibridge.Hub
	Sessions *session.Manager
	API      *httpapi.Server
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release the UI connections and the store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("state store: %s", stores.KV.Mode())

	var prompter orchestrator.Prompter
	if cfg.DialogFallback {
		prompter = dialog.NewTTY()
	}

	svc := orchestrator.New(orchestrator.Config{
		PreviewMaxChars: cfg.PreviewMaxChars,
		WorkspaceRoot:   cfg.WorkspaceRoot,
		DialogFallback:  cfg.DialogFallback,
	}, orchestrator.Deps{
		History:  stores.Interactions,
		Lists:    stores.TaskLists,
		Prompter: prompter,
		Metrics:  metrics,
		Hooks: orchestrator.Hooks{
			OnInteraction: []orchestrator.InteractionHook{logInteraction},
		},
	})

	sessions := session.NewManager(cfg.UIInactivityTimeout)
	hub := uibridge.NewHub(svc, sessions, metrics, uibridge.Options{AllowAnyOrigin: cfg.AllowAnyOrigin})
	svc.SetPresenter(hub)

	api := httpapi.New(cfg, svc, hub, metrics)

	cleanup := func() error {
		var errs []string
		hub.Close()
		if err := stores.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		Stores:   stores,
		Service:  svc,
		Hub:      hub,
		Sessions: sessions,
		API:      api,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

func logInteraction(_ context.Context, rec interactions.Interaction) error {
	status := string(rec.Status)
	if status == "" {
		status = "recorded"
		if rec.Cancelled {
			status = "cancelled"
		} else if rec.Response != "" {
			status = "answered"
		}
	}
	text := rec.Title
	if text == "" {
		text = rec.Question
	}
	text, _ = redact.Text(text)
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 80 {
		text = string(r[:77]) + "..."
	}
	log.Printf("interaction %s (%s) %s: %q", rec.ID, rec.Type, status, text)
	return nil
}
