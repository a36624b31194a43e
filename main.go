package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/sequencer/logging"
	"github.com/swarmguard/sequencer/natsevent"
	"github.com/swarmguard/sequencer/otelinit"
	"github.com/swarmguard/sequencer/schedule"
	"github.com/swarmguard/sequencer/sequence"
	"github.com/swarmguard/sequencer/store"
)

type runRequest struct {
	Definition string `json:"definition"`
}

type cancelRequest struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

type eventRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func main() {
	service := "sequencerd"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)

	tracer := otel.Tracer(service)
	meter := otel.GetMeterProvider().Meter(service)

	dbPath := getEnvDefault("SEQ_DB_PATH", "./data")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		slog.Error("create data dir", "path", dbPath, "error", err)
		os.Exit(1)
	}
	st, err := store.Open(dbPath, meter)
	if err != nil {
		slog.Error("open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	plugins := newPluginSet(nil)
	cancelMgr := NewCancellationManager(meter)
	go cancelMgr.StartCleanupLoop(ctx, time.Minute, 15*time.Minute)

	// Optional NATS event sink. Events of each run are forwarded
	// best-effort; the stored execution record is authoritative.
	var sink *natsevent.Sink
	if natsURL := os.Getenv("SEQ_NATS_URL"); natsURL != "" {
		nc, err := nats.Connect(natsURL, nats.Name(service))
		if err != nil {
			slog.Warn("nats connect failed, event sink disabled", "url", natsURL, "error", err)
		} else {
			defer nc.Close()
			sink = natsevent.NewSink(nc, os.Getenv("SEQ_NATS_SUBJECT"))
			slog.Info("nats event sink enabled", "url", natsURL)
		}
	}

	runDefinition := func(ctx context.Context, def store.Definition) (*store.ExecutionRecord, error) {
		execID := uuid.NewString()
		runCtx, cancelRun := context.WithCancel(ctx)
		defer cancelRun()
		cancelMgr.Register(execID, def.Name, cancelRun)

		var bus *sequence.Bus
		if sink != nil {
			bus = sequence.NewBus()
			fwdCtx, stopFwd := context.WithCancel(context.Background())
			defer stopFwd()
			go sink.Forward(fwdCtx, bus)
		}

		rec, err := executeDefinition(runCtx, execID, def, plugins, bus, tracer, meter)
		finishExecution(cancelMgr, st, execID, rec, err)
		return rec, err
	}

	scheduler := schedule.New(st, func(ctx context.Context, def store.Definition) error {
		_, err := runDefinition(ctx, def)
		return err
	}, meter)
	if err := scheduler.RestoreSchedules(ctx); err != nil {
		slog.Error("restore schedules", "error", err)
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/definitions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var def store.Definition
			if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if def.Name == "" {
				http.Error(w, "name required", http.StatusBadRequest)
				return
			}
			if err := st.PutDefinition(r.Context(), def); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(def)
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			if name == "" {
				defs, err := st.ListDefinitions(r.Context(), 100, 0)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				_ = json.NewEncoder(w).Encode(defs)
				return
			}
			def, found, err := st.GetDefinition(r.Context(), name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !found {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(def)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		def, found, err := st.GetDefinition(r.Context(), req.Definition)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "definition not found", http.StatusNotFound)
			return
		}

		// The run outlives a dropped client connection; /v1/cancel is the
		// way to stop it.
		rec, runErr := runDefinition(context.WithoutCancel(r.Context()), def)
		if rec == nil {
			http.Error(w, runErr.Error(), http.StatusBadRequest)
			return
		}
		if runErr != nil {
			w.WriteHeader(http.StatusConflict)
		}
		_ = json.NewEncoder(w).Encode(rec)
	})

	mux.HandleFunc("/v1/executions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if id := r.URL.Query().Get("id"); id != "" {
			rec, found, err := st.GetExecution(r.Context(), id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !found {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(rec)
			return
		}

		definition := r.URL.Query().Get("definition")
		if definition == "" {
			http.Error(w, "definition or id required", http.StatusBadRequest)
			return
		}
		from := parseTimeDefault(r.URL.Query().Get("from"), time.Time{})
		to := parseTimeDefault(r.URL.Query().Get("to"), time.Now())
		limit := parseIntDefault(r.URL.Query().Get("limit"), 50)

		recs, err := st.ListExecutions(r.Context(), definition, from, to, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(recs)
	})

	mux.HandleFunc("/v1/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req cancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := cancelMgr.Cancel(r.Context(), req.ExecutionID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cancelled"))
	})

	mux.HandleFunc("/v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var config schedule.Config
			if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if err := scheduler.AddSchedule(r.Context(), &config); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			schedules, err := scheduler.ListSchedules(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(schedules)
		case http.MethodDelete:
			name := r.URL.Query().Get("definition")
			if name == "" {
				http.Error(w, "definition required", http.StatusBadRequest)
				return
			}
			if err := scheduler.RemoveSchedule(r.Context(), name); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := scheduler.TriggerEvent(r.Context(), req.Type, req.Data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"store":      st.Stats(),
			"schedules":  scheduler.Stats(),
			"executions": cancelMgr.Counts(),
		})
	})

	srv := &http.Server{Addr: getEnvDefault("SEQ_LISTEN", ":8080"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started", "addr", srv.Addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	cancelled := cancelMgr.CancelAll(ctxSd, "service shutdown")
	if cancelled > 0 {
		slog.Info("cancelled running executions", "count", cancelled)
	}
	_ = scheduler.Stop(ctxSd)
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

// finishExecution records terminal state and persists the record when the
// run produced one.
func finishExecution(cancelMgr *CancellationManager, st *store.Store, execID string, rec *store.ExecutionRecord, runErr error) {
	status := ExecutionCompleted
	switch {
	case errors.Is(runErr, context.Canceled):
		status = ExecutionCancelled
	case runErr != nil:
		status = ExecutionFailed
	}
	cancelMgr.Complete(execID, status)

	if rec != nil {
		if err := st.PutExecution(context.Background(), rec); err != nil {
			slog.Error("store execution", "execution_id", execID, "error", err)
		}
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func parseTimeDefault(s string, def time.Time) time.Time {
	if s == "" {
		return def
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return def
	}
	return t
}
