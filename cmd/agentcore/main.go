// Command agentcore runs the real-time voice agent streaming server: it
// admits client WebSocket connections on /agent, and for each one runs a
// session supervisor coordinating STT, LLM, and TTS upstream clients.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxrelay/agentcore/internal/agentcore/config"
	"github.com/voxrelay/agentcore/internal/agentcore/logging"
	"github.com/voxrelay/agentcore/internal/agentcore/pool"
	"github.com/voxrelay/agentcore/internal/agentcore/registry"
	"github.com/voxrelay/agentcore/internal/agentcore/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	p := pool.New(pool.Config{
		MaxConnections:    cfg.MaxConnections,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}, log)
	go p.RunHeartbeat()

	sessions := registry.New()

	deps := session.Dependencies{
		STTBaseURL:           "wss://api.deepgram.com/v1/listen",
		STTAPIKey:            cfg.STTAPIKey,
		TTSBaseURL:           "wss://api.elevenlabs.io/v1/text-to-speech",
		TTSAPIKey:            cfg.TTSAPIKey,
		LLMAPIKey:            cfg.LLMAPIKey,
		ReconnectDisabled:    cfg.ReconnectDisabled,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/agent", func(w http.ResponseWriter, r *http.Request) {
		conn, err := pool.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", logging.Err(err))
			return
		}
		id := fmt.Sprintf("conn_%d", time.Now().UnixNano())
		poolConn, ok := p.Admit(id, conn)
		if !ok {
			_ = conn.WriteControl(8 /* CloseMessage */, []byte{0x03, 0xe8}, time.Now().Add(5*time.Second))
			_ = conn.Close()
			return
		}
		sup := session.New(conn, poolConn, p, deps, log)
		sup.SetRegistry(sessions)
		go sup.Run()
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		log.Info("agentcore listening", logging.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", logging.Err(err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	p.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildLogger(level string) (logging.Logger, error) {
	return logging.NewProductionAtLevel(level)
}
