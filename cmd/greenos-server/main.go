package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/berylholdingsa/berylecosysteme-sub000/internal/auditmeta"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/impact"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/ledger"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/mrv"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/outbox"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/db"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/httpx"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/secrets"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/signing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func main() {
	ctx := context.Background()
	production := os.Getenv("GREENOS_ENV") == "production"

	pool := db.MustConnect()
	if err := db.EnsureSchema(ctx, pool,
		ledger.Schema,
		outbox.Schema, outbox.SchemaIndex,
		mrv.MethodologySchema, mrv.ExportSchema,
		auditmeta.Schema,
	); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	provider := secrets.NewCachedProvider(secrets.NewEnvProvider("GREENOS"), 5*time.Minute)
	signer, err := signing.NewSigner(ctx, provider, production)
	if err != nil {
		// Misconfigured key material must never boot a signing service.
		log.Fatalf("signer init: %v", err)
	}

	factorsPath := os.Getenv("EMISSION_FACTORS_FILE")
	if factorsPath == "" {
		factorsPath = "config/factors.yaml"
	}
	factors, err := impact.LoadFactorTable(factorsPath)
	if err != nil {
		log.Fatalf("load emission factors: %v", err)
	}

	ledgerStore := ledger.NewStore(pool)
	outboxStore := outbox.NewStore(pool)
	methodologyStore := mrv.NewMethodologyStore(pool)
	exportStore := mrv.NewPgExportStore(pool)
	auditStore := auditmeta.NewStore(pool)

	engine := impact.NewEngine(factors, signer)
	impactSvc := impact.NewService(engine, ledgerStore, impact.NewTxBinder(pool, ledgerStore, outboxStore))
	exportEngine := mrv.NewExportEngine(ledgerStore, methodologyStore, factors, signer, exportStore)
	auditSvc := auditmeta.NewService(ledgerStore, signer, auditmeta.NewTxCommitter(pool, auditStore, outboxStore))

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	publisher := outbox.NewRedisPublisher(redis.NewClient(&redis.Options{Addr: redisAddr}), os.Getenv("OUTBOX_STREAM_PREFIX"))
	relay := outbox.NewRelay(outboxStore, publisher)
	go relay.RunForever(ctx, relayBatchSize())

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8090"
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/green", func(api chi.Router) {

		api.Post("/impact/calculate", func(w http.ResponseWriter, r *http.Request) {
			var req impact.Request
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			rec, wasIdempotent, err := impactSvc.Record(r.Context(), req)
			if err != nil {
				if errors.Is(err, impact.ErrCountryFactorNotConfigured) {
					httpx.WriteError(w, 422, "COUNTRY_NOT_CONFIGURED", err.Error(), nil)
					return
				}
				if errors.Is(err, impact.ErrInvalidRequest) {
					httpx.WriteError(w, 400, "BAD_REQUEST", err.Error(), nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			status := 201
			if wasIdempotent {
				status = 200
			}
			httpx.WriteJSON(w, status, map[string]any{
				"request_id":     httpx.RequestID(r),
				"impact":         rec,
				"was_idempotent": wasIdempotent,
			})
		})

		api.Get("/impact/{trip_id}", func(w http.ResponseWriter, r *http.Request) {
			tripID := chi.URLParam(r, "trip_id")
			rec, err := ledgerStore.Get(r.Context(), tripID, r.URL.Query().Get("model_version"))
			if err != nil {
				httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "impact": rec})
		})

		api.Get("/impact/{trip_id}/confidence", func(w http.ResponseWriter, r *http.Request) {
			tripID := chi.URLParam(r, "trip_id")
			rec, err := ledgerStore.Get(r.Context(), tripID, r.URL.Query().Get("model_version"))
			if err != nil {
				httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":       httpx.RequestID(r),
				"trip_id":          rec.TripID,
				"model_version":    rec.ModelVersion,
				"confidence_score": rec.ConfidenceScore,
				"integrity_index":  rec.IntegrityIndex,
				"anomaly_flags":    rec.AnomalyFlags,
				"aoq_status":       rec.AOQStatus,
				"reasoning":        rec.Explanation,
			})
		})

		api.Post("/mrv/export", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				PeriodMonths int `json:"period_months"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			exp, err := exportEngine.BuildExport(r.Context(), req.PeriodMonths, time.Now())
			if err != nil {
				switch {
				case errors.Is(err, mrv.ErrDuplicatePeriod):
					httpx.WriteError(w, 409, "DUPLICATE_PERIOD", err.Error(), nil)
				case errors.Is(err, mrv.ErrInvalidPeriod),
					errors.Is(err, mrv.ErrNoActiveMethodology),
					errors.Is(err, mrv.ErrMethodologyIncomplete),
					errors.Is(err, mrv.ErrMethodologyScopeUncovered):
					httpx.WriteError(w, 422, "EXPORT_VALIDATION", err.Error(), nil)
				default:
					httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				}
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.RequestID(r), "export": exp})
		})

		api.Get("/mrv/export/{export_id}/verify", func(w http.ResponseWriter, r *http.Request) {
			exportID := chi.URLParam(r, "export_id")
			exp, err := exportStore.Get(r.Context(), exportID)
			if err != nil {
				httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
				return
			}
			res := mrv.VerifyExport(r.Context(), exp, signer, methodologyStore)
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":   httpx.RequestID(r),
				"export_id":    exp.ID,
				"verification": res,
			})
		})

		api.Post("/mrv/methodologies", func(w http.ResponseWriter, r *http.Request) {
			var m mrv.Methodology
			if err := httpx.ReadJSON(r, &m); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if m.ID == "" {
				m.ID = "meth_" + uuid.NewString()
			}
			m.Status = mrv.MethodologyActive
			created, err := methodologyStore.Create(r.Context(), m)
			if err != nil {
				if errors.Is(err, mrv.ErrActiveMethodologyExists) {
					httpx.WriteError(w, 409, "ACTIVE_METHODOLOGY_EXISTS", err.Error(), nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.RequestID(r), "methodology": created})
		})

		api.Post("/mrv/methodologies/{methodology_id}/deprecate", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "methodology_id")
			if err := methodologyStore.Deprecate(r.Context(), id); err != nil {
				if errors.Is(err, mrv.ErrMethodologyNotFound) {
					httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "methodology_id": id, "status": mrv.MethodologyDeprecated})
		})

		api.Get("/mrv/methodologies/active", func(w http.ResponseWriter, r *http.Request) {
			m, err := methodologyStore.GetActive(r.Context())
			if err != nil {
				httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "methodology": m})
		})

		api.Get("/keys/public", func(w http.ResponseWriter, r *http.Request) {
			info, err := signer.PublicKey(r.URL.Query().Get("version"))
			if err != nil {
				httpx.WriteError(w, 404, "UNKNOWN_KEY_VERSION", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "key": info})
		})

		api.Post("/audit/preview", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				From time.Time `json:"from"`
				To   time.Time `json:"to"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			rec, err := auditSvc.GeneratePreview(r.Context(), req.From, req.To)
			if err != nil {
				if errors.Is(err, auditmeta.ErrInvalidWindow) {
					httpx.WriteError(w, 400, "BAD_REQUEST", err.Error(), nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.RequestID(r), "audit_preview": rec})
		})

		api.Get("/audit/trips/{trip_id}", func(w http.ResponseWriter, r *http.Request) {
			tripID := chi.URLParam(r, "trip_id")
			previews, err := auditStore.FindForTrip(r.Context(), tripID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":     httpx.RequestID(r),
				"trip_id":        tripID,
				"covered":        len(previews) > 0,
				"audit_previews": previews,
			})
		})
	})

	log.Printf("greenos-server listening on :%s", port)
	http.ListenAndServe(":"+port, r)
}

func relayBatchSize() int {
	v := os.Getenv("OUTBOX_BATCH_SIZE")
	if v == "" {
		return 50
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid OUTBOX_BATCH_SIZE %q", v)
	}
	return n
}
