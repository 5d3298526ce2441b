// Package serve runs the scout daemon's network-facing surface: the bus
// ingress HTTP endpoint agents and outposts post envelopes to, and the
// optional Telegram operator console, layered over a *controller.Context
// that already owns the persistent stores and the loop scheduler. The
// structure mirrors the teacher's serve.Server: one long-lived Start
// that blocks until ctx is cancelled, with a graceful HTTP shutdown.
package serve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rmed/scout/bus"
	"github.com/rmed/scout/controller"
	"github.com/rmed/scout/sampler"
)

// Config holds the daemon's network configuration.
type Config struct {
	Addr          string // bus ingress HTTP listen address
	TelegramToken string // TELEGRAM_BOT_TOKEN; empty disables the console
	ChatSender    func(chatID, userID int64) string
}

// Server is the scoutd network daemon.
type Server struct {
	ctx      *controller.Context
	cfg      Config
	loops    *controller.Loops
	telegram *controller.TelegramConsole
}

// New creates a Server around an already-constructed controller Context.
func New(c *controller.Context, cfg Config) *Server {
	return &Server{ctx: c, cfg: cfg}
}

// Start runs the bus ingress, the controller's periodic loops, and (if
// configured) the Telegram console, blocking until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.loops = controller.NewLoops(s.ctx)
	go s.loops.Start(ctx)

	if s.cfg.TelegramToken != "" {
		tc, err := controller.NewTelegramConsole(s.cfg.TelegramToken, s.ctx, s.cfg.ChatSender)
		if err != nil {
			slog.Warn("serve: telegram console init failed, continuing without it", "error", err)
		} else {
			s.telegram = tc
			go tc.Start(ctx)
			slog.Info("serve: telegram console started")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /bus", s.handleBus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	httpSrv := &http.Server{Addr: s.cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serve: bus ingress started", "addr", s.cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("serve: shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("serve: http shutdown error", "error", err)
	}
	return nil
}

// handleBus accepts one envelope per request: operator commands arrive
// with a "cmd" field carrying the raw `scout ...` line, anything else is
// routed by tag through the migration protocol's handlers.
func (s *Server) handleBus(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	env, err := bus.DecodeRequest(body)
	if err != nil {
		http.Error(w, "decode envelope", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sender, _ := env.Get("sender")

	if line, ok := env.Get("cmd"); ok {
		cmd, ok := controller.ParseCommand(line)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		feedback, err := s.ctx.Dispatch(ctx, sender, cmd)
		if err != nil {
			feedback = err.Error()
		}
		fmt.Fprint(w, feedback)
		return
	}

	if err := s.dispatchTag(ctx, env); err != nil {
		slog.Warn("serve: bus handler failed", "dst", env.Dst, "tag", env.Tag, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) dispatchTag(ctx context.Context, env *bus.Envelope) error {
	agent, _ := env.Get("agent")
	switch {
	case env.HasTag(bus.TagStoreInfo):
		return s.ctx.Migration.HandleStoreInfo(ctx, env)
	case env.HasTag(bus.TagStoreMsg):
		return s.ctx.Migration.HandleStoreMsg(ctx, env)
	case env.HasTag(bus.TagRetrieveInfo):
		return s.ctx.Migration.HandleRetrieveInfo(ctx, agent)
	case env.HasTag(bus.TagRetrieveMsg):
		return s.ctx.Migration.HandleRetrieveMsg(ctx, agent)
	case env.HasTag(bus.TagAgentsGathered):
		return s.handleAgentsGathered(ctx, env)
	default:
		return fmt.Errorf("serve: no handler for tag %v", env.Tag)
	}
}

// handleAgentsGathered commits an outpost's reply to a gather-agents
// action into the Zone Book. The reply carries one field per sampled
// agent, keyed "agent-<name>" with the value rendered by
// sampler.Serialize (spec.md §4.5: "a map {agent-<name>: serialized
// (mips)}"); a field that fails to parse is skipped rather than aborting
// the whole batch, since one outpost's malformed sample shouldn't cost
// every other agent in the same reply its update.
func (s *Server) handleAgentsGathered(ctx context.Context, env *bus.Envelope) error {
	samples := make(map[string]float64, len(env.Fields))
	for key, value := range env.Fields {
		name, ok := strings.CutPrefix(key, "agent-")
		if !ok {
			continue
		}
		mips, err := sampler.Deserialize(value)
		if err != nil {
			slog.Warn("serve: agents-gathered: unparseable sample", "outpost", env.Src, "agent", name, "error", err)
			continue
		}
		samples[name] = mips
	}
	s.ctx.CommitSamples(ctx, samples)
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
