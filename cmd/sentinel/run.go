package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mylxsw/asteria/log"
	"github.com/spf13/cobra"

	"github.com/sentinel-hq/sentinel/internal/channel"
	"github.com/sentinel-hq/sentinel/internal/config"
	"github.com/sentinel-hq/sentinel/internal/control"
	"github.com/sentinel-hq/sentinel/internal/detector"
	"github.com/sentinel-hq/sentinel/internal/model"
	"github.com/sentinel-hq/sentinel/internal/opview"
	"github.com/sentinel-hq/sentinel/internal/policy"
	"github.com/sentinel-hq/sentinel/internal/ptysup"
	"github.com/sentinel-hq/sentinel/internal/router"
	"github.com/sentinel-hq/sentinel/internal/scheduler"
	"github.com/sentinel-hq/sentinel/internal/trace"
)

// inboundRatePerMinute/inboundRateBurst bound how often a single replying
// identity can be processed, independent of the prompt TTL it answers.
const (
	inboundRatePerMinute = 20
	inboundRateBurst     = 5
)

var runCmd = &cobra.Command{
	Use:                "run <tool> [args...]",
	Short:              "Supervise <tool>, routing any prompt it blocks on through policy and, if needed, a human",
	Args:               cobra.MinimumNArgs(1),
	DisableFlagParsing: true, // everything after `run` belongs to the wrapped tool
	RunE:               runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	toolName, toolArgs := args[0], args[1:]

	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr(fmt.Errorf("run: %w", err))
	}

	daemon := scheduler.New(cfg.Store.Path + ".lock")
	ctx, err := daemon.Start(cfg)
	if err != nil {
		return lifecycleErr(fmt.Errorf("run: %w", err))
	}
	defer daemon.Shutdown()

	ch, cleanupChannel, err := buildChannel(cfg)
	if err != nil {
		return channelErr(fmt.Errorf("run: %w", err))
	}
	if cleanupChannel != nil {
		defer cleanupChannel()
	}

	tracer, err := trace.NewWriter(cfgTraceFile(cfg))
	if err != nil {
		return lifecycleErr(fmt.Errorf("run: %w", err))
	}

	if err := scheduler.RestartRecovery(ctx, daemon.Store, daemon.Audit, func(sessionID string) (*channel.Guarded, bool) {
		return ch, ch != nil
	}); err != nil {
		log.Errorf("run: restart recovery: %v", err)
	}

	sessionID := uuid.NewString()
	sess := model.Session{
		ID: sessionID, ToolName: toolName, StartedAt: time.Now(),
		Status: model.SessionActive, AutonomyMode: model.AutonomyMode(cfg.Sessions.AutonomyMode),
		ConversationState: model.ConversationRunning,
	}
	if err := daemon.Store.CreateSession(ctx, sess); err != nil {
		return lifecycleErr(fmt.Errorf("run: create session: %w", err))
	}
	if _, err := daemon.Audit.Append(ctx, model.AuditSessionStarted, sessionID, "", map[string]any{"tool": toolName}); err != nil {
		log.Warningf("run: audit session_started failed: %v", err)
	}

	sup := ptysup.New(ptysup.DefaultSilenceThreshold, ptysup.DefaultEchoWindow)
	if err := sup.Start(ctx, toolName, toolArgs, os.Environ()); err != nil {
		_ = daemon.Store.UpdateSession(ctx, sessionID, map[string]any{"status": model.SessionCrashed})
		return lifecycleErr(fmt.Errorf("run: start %s: %w", toolName, err))
	}

	r := router.New(sessionID, daemon.Store, router.WrapSupervisor(sup), func() policy.Policy { return daemon.Watcher.Current() },
		daemon.Limiter, daemon.Audit, tracer, ch, cfg.Sessions.PromptTTLSeconds)

	sweeper := router.NewSweeper(daemon.Store, func(id string) (*router.Router, bool) {
		if id == sessionID {
			return r, true
		}
		return nil, false
	}, func() bool { return true })
	go sweeper.Run(ctx)

	var opviewServer *http.Server
	if cfg.OpviewAddr != "" {
		opviewServer = &http.Server{Addr: cfg.OpviewAddr, Handler: opview.NewRouter(opview.NewHandler(daemon.Store))}
		go func() {
			if err := opviewServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("run: opview server: %v", err)
			}
		}()
	}

	det := detector.New()
	done := daemon.Track()
	go runDetectLoop(ctx, sup, det, r, done)

	if ch != nil {
		inboundDone := daemon.Track()
		go runInboundLoop(ctx, cfg, daemon, ch, r, inboundDone)
	}

	<-ctx.Done()
	log.Infof("run: shutting down session %s", sessionID)

	if opviewServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = opviewServer.Shutdown(shutdownCtx)
		cancel()
	}

	_ = sup.Close()
	_ = daemon.Store.UpdateSession(context.Background(), sessionID, map[string]any{"status": model.SessionEnded, "conversation_state": model.ConversationStopped})
	_, _ = daemon.Audit.Append(context.Background(), model.AuditSessionEnded, sessionID, "", map[string]any{})

	return nil
}

// blockedPollInterval is how often runDetectLoop polls the PTY master fd
// for the MED-confidence "blocked on read" signal (spec section 4.2,
// signal #2). It runs independently of the idle watchdog's silence
// threshold since a child can be blocked on read well before its output
// goes silent long enough to trip the LOW signal.
const blockedPollInterval = 500 * time.Millisecond

// runDetectLoop feeds the supervisor's output/idle streams, plus a
// periodic TTY-blocked-on-read poll, through the detector and hands any
// surviving detection to the router.
func runDetectLoop(ctx context.Context, sup *ptysup.Supervisor, det *detector.Detector, r *router.Router, done func()) {
	defer done()

	ticker := time.NewTicker(blockedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sup.Done():
			return
		case chunk, ok := <-sup.Output():
			if !ok {
				return
			}
			if chunk.EchoSuspect {
				continue
			}
			if d, ok := detector.ClassifyPattern(chunk.Data); ok {
				handleDetected(ctx, det, r, d)
			}
		case idle, ok := <-sup.Idle():
			if !ok {
				return
			}
			if d, ok := detector.ClassifySilence(idle.BufferSnapshot); ok {
				handleDetected(ctx, det, r, d)
			}
		case <-ticker.C:
			fd := sup.Fd()
			if fd < 0 {
				continue
			}
			blocked, err := detector.TTYBlockedOnRead(fd)
			if err != nil {
				log.Debugf("run: tty blocked-on-read poll: %v", err)
				continue
			}
			if !blocked {
				continue
			}
			snap := sup.Snapshot()
			pattern, patternOK := detector.ClassifyPattern(snap)
			blockedDet, blockedOK := detector.ClassifyBlocked(snap)
			if !patternOK && !blockedOK {
				continue
			}
			var combined detector.Detection
			if patternOK && blockedOK {
				combined, _ = detector.Combine(pattern, blockedDet)
			} else if patternOK {
				combined = pattern
			} else {
				combined = blockedDet
			}
			handleDetected(ctx, det, r, combined)
		}
	}
}

func handleDetected(ctx context.Context, det *detector.Detector, r *router.Router, d detector.Detection) {
	if det.Dedup(d.ContentHash) {
		return
	}
	if err := r.HandleDetection(ctx, d, ""); err != nil {
		log.Errorf("run: handle detection: %v", err)
	}
}

// runInboundLoop gates and routes every inbound channel reply.
func runInboundLoop(ctx context.Context, cfg config.Config, daemon *scheduler.Daemon, ch *channel.Guarded, r *router.Router, done func()) {
	defer done()

	var allowed []string
	if len(cfg.Channels) > 0 {
		allowed = cfg.Channels[0].Allowlist
	}
	allowlist := channel.NewAllowlist(allowed...)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch.Inbound():
			if !ok {
				return
			}
			cs, err := control.Load(control.Path(cfg.Store.Path))
			if err != nil {
				log.Errorf("run: load control state: %v", err)
				continue
			}

			gateCfg := channel.GateConfig{
				Allowlist:     allowlist,
				Paused:        func() bool { return cs.Paused },
				RateLimiter:   daemon.Store,
				RatePerMinute: inboundRatePerMinute,
				RateBurst:     inboundRateBurst,
				Prompts:       daemon.Store,
				Policy:        func() policy.Policy { return daemon.Watcher.Current() },
			}
			if rej, ok := channel.Gate(ctx, gateCfg, msg, time.Now()); !ok {
				log.Warningf("run: inbound message rejected: %s", rej)
				continue
			}

			if err := r.HandleInboundReply(ctx, msg.PromptID, msg.Nonce, msg.Body); err != nil {
				log.Errorf("run: handle inbound reply: %v", err)
			}
		}
	}
}

// buildChannel constructs the first configured channel (Telegram or
// Slack), wrapped in the circuit breaker/backoff guard. Returns a nil
// channel (not an error) when no channel is configured, so a tool can be
// supervised with every prompt routed straight to REQUIRE_HUMAN logging
// without ever needing a chat integration.
func buildChannel(cfg config.Config) (*channel.Guarded, func(), error) {
	if len(cfg.Channels) == 0 {
		return nil, nil, nil
	}
	chCfg := cfg.Channels[0]

	resolver := config.EnvResolver{}
	token, err := config.ResolveToken(resolver, chCfg)
	if err != nil {
		return nil, nil, err
	}

	switch chCfg.Kind {
	case "telegram":
		tg := channel.NewTelegram(token)
		ctx, cancel := context.WithCancel(context.Background())
		go tg.Run(ctx)
		return channel.NewGuarded(tg, nil), cancel, nil

	case "slack":
		secret, err := config.ResolveSigningSecret(resolver, chCfg)
		if err != nil {
			return nil, nil, err
		}
		sl := channel.NewSlack(token, secret)
		var srv *http.Server
		if chCfg.WebhookAddr != "" {
			srv = &http.Server{Addr: chCfg.WebhookAddr, Handler: sl.WebhookHandler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("run: slack webhook server: %v", err)
				}
			}()
		}
		cleanup := func() {
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}
		}
		return channel.NewGuarded(sl, nil), cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown channel kind %q", chCfg.Kind)
	}
}

func cfgTraceFile(cfg config.Config) string {
	if cfg.TraceDir == "" {
		return "sentinel-trace.jsonl"
	}
	return cfg.TraceDir + "/decisions.jsonl"
}
