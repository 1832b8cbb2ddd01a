// Command hashleafd is hashleaf's standalone server: a newline-framed TCP
// line protocol (PUT/GET/DELETE/STATS/CHECKPOINT) in front of a single
// internal/engine.Engine, backed by the content-addressed engine and
// logging through zap.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/engine"
	"github.com/hashleaf/hashleaf/pkg/config"
	"github.com/hashleaf/hashleaf/pkg/logger"
	"github.com/hashleaf/hashleaf/pkg/telemetry"
)

// request is a parsed client command.
type request struct {
	command string
	key     int64
	value   string
}

// response is the server's reply, written as "STATUS message\n".
type response struct {
	status  string
	message string
}

func parseRequest(raw string) (request, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return request{}, fmt.Errorf("empty command")
	}
	cmd := strings.ToUpper(parts[0])
	req := request{command: cmd}

	switch cmd {
	case "PUT":
		if len(parts) < 3 {
			return request{}, fmt.Errorf("PUT requires key and value")
		}
		key, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return request{}, fmt.Errorf("PUT key must be an integer: %w", err)
		}
		req.key = key
		req.value = strings.Join(parts[2:], " ")
	case "GET", "DELETE":
		if len(parts) < 2 {
			return request{}, fmt.Errorf("%s requires a key", cmd)
		}
		key, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return request{}, fmt.Errorf("%s key must be an integer: %w", cmd, err)
		}
		req.key = key
	case "STATS", "CHECKPOINT":
		// no arguments
	default:
		return request{}, fmt.Errorf("unknown command: %s", cmd)
	}
	return req, nil
}

// server holds the shared Engine and dispatches requests from every
// connection; the Engine's own locking makes this safe without a
// server-level lock.
type server struct {
	eng *engine.Engine
	log *zap.Logger
}

func (s *server) handle(req request) response {
	switch req.command {
	case "PUT":
		if err := s.eng.Insert(req.key, req.value); err != nil {
			return response{"ERROR", fmt.Sprintf("PUT failed: %v", err)}
		}
		return response{"OK", "inserted"}
	case "GET":
		val, found, err := s.eng.Search(req.key)
		if err != nil {
			return response{"ERROR", fmt.Sprintf("GET failed: %v", err)}
		}
		if !found {
			return response{"NOT_FOUND", fmt.Sprintf("key %d not found", req.key)}
		}
		return response{"OK", val}
	case "DELETE":
		if err := s.eng.Delete(req.key); err != nil {
			return response{"ERROR", fmt.Sprintf("DELETE failed: %v", err)}
		}
		return response{"OK", "deleted"}
	case "STATS":
		st := s.eng.Stats()
		return response{"OK", fmt.Sprintf(
			"blobs=%d cache=%d dirty=%d cache_hits=%d cache_misses=%d writer_queue_depth=%d last_checkpoint_lsn=%d scheduler_healthy=%t",
			st.BlobCount, st.CacheEntries, st.DirtyPages, st.CacheHits, st.CacheMisses,
			st.WriterQueueDepth, st.LastCheckpointLSN, st.SchedulerHealthy)}
	case "CHECKPOINT":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.eng.Checkpoint(ctx); err != nil {
			return response{"ERROR", fmt.Sprintf("CHECKPOINT failed: %v", err)}
		}
		return response{"OK", "checkpoint complete"}
	default:
		return response{"ERROR", fmt.Sprintf("unsupported command: %s", req.command)}
	}
}

func (s *server) handleConnection(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.log.Info("client connected", zap.String("remote", remote))

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.log.Info("client disconnected", zap.String("remote", remote))
			} else {
				s.log.Warn("read error", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		raw := strings.TrimSpace(line)
		if raw == "" {
			continue
		}

		req, err := parseRequest(raw)
		if err != nil {
			writeResponse(conn, response{"ERROR", fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		writeResponse(conn, s.handle(req))
	}
}

func writeResponse(conn net.Conn, resp response) {
	fmt.Fprintf(conn, "%s %s\n", resp.status, resp.message)
}

func main() {
	configPath := flag.String("config", "", "path to a hashleaf.yaml config file (optional)")
	addr := flag.String("addr", ":9090", "TCP listen address")
	dataDir := flag.String("data-dir", "", "overrides the config file's engine.data_dir")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hashleafd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.Engine.DataDir = *dataDir
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hashleafd: logger init: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlog.Fatal("telemetry init failed", zap.Error(err))
	}
	defer shutdownTelemetry(context.Background())

	engCfg := cfg.Engine.ToEngineConfig()
	engCfg.Telemetry = tel
	eng, err := engine.Open(engCfg, zlog)
	if err != nil {
		zlog.Fatal("engine open failed", zap.Error(err))
	}
	defer eng.Close()

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		zlog.Fatal("listen failed", zap.String("addr", *addr), zap.Error(err))
	}
	defer listener.Close()

	srv := &server{eng: eng, log: zlog}

	zlog.Info("hashleafd listening",
		zap.String("addr", *addr),
		zap.String("data_dir", cfg.Engine.DataDir),
		zap.String("commands", "PUT <key> <value>, GET <key>, DELETE <key>, STATS, CHECKPOINT"),
	)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				zlog.Warn("accept failed", zap.Error(err))
				return
			}
			go srv.handleConnection(conn)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zlog.Info("shutting down", zap.String("signal", sig.String()))
}
