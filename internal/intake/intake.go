// Copyright 2025 James Ross
// Package intake is Submission Intake: the one path by which new jobs
// enter the pipeline, either synchronously over HTTP or asynchronously
// off the submissions queue. Both paths converge on the same Admitter
// call. The HTTP path's per-IP rate limiter is grounded on the
// producer's Redis INCR/EXPIRE fixed-window limiter; the queue-consumer
// path is grounded on the worker's priority dequeue loop, generalized to
// a single queue with no priority tiers.
package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/queueadapter"
)

// Admitter is the subset of the Pipeline Controller intake depends on.
type Admitter interface {
	Admit(ctx context.Context, jobID string, brief pipeline.Brief) (pipeline.Job, error)
}

// BlobGetter resolves a referenced submission's brief from the blob store.
type BlobGetter interface {
	Get(ctx context.Context, key string, out interface{}) error
}

// Intake is Submission Intake.
type Intake struct {
	cfg       *config.Config
	rdb       *redis.Client
	blob      BlobGetter
	queue     *queueadapter.Adapter
	admitter  Admitter
	log       *zap.Logger
}

// New builds an Intake.
func New(cfg *config.Config, rdb *redis.Client, blob BlobGetter, queue *queueadapter.Adapter, admitter Admitter, log *zap.Logger) *Intake {
	return &Intake{cfg: cfg, rdb: rdb, blob: blob, queue: queue, admitter: admitter, log: log}
}

// submitRequest is the HTTP POST /jobs request body.
type submitRequest struct {
	JobID    string `json:"job_id,omitempty"`
	Product  string `json:"product"`
	Audience string `json:"audience"`
	Tone     string `json:"tone"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Router builds the HTTP router exposing POST /jobs.
func (in *Intake) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware(in.log))
	r.HandleFunc("/jobs", in.handleSubmit).Methods(http.MethodPost)
	return r
}

func (in *Intake) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	brief := pipeline.Brief{Product: req.Product, Audience: req.Audience, Tone: req.Tone}
	if err := brief.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ip := clientIP(r)
	allowed, err := in.allow(r.Context(), ip)
	if err != nil {
		in.log.Error("rate limit check failed", obs.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	if !allowed {
		obs.SubmissionsRateLimited.Inc()
		w.Header().Set("Retry-After", "60")
		writeJSONError(w, http.StatusTooManyRequests, "one submission per window per IP")
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	job, err := in.admitter.Admit(r.Context(), jobID, brief)
	if err != nil {
		in.log.Error("admit failed", obs.String("job_id", jobID), obs.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to admit job")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(submitResponse{JobID: job.ID, Status: "queued"})
}

// allow implements a fixed-window limiter: at most RateLimitPerIP
// submissions per RateLimitWindow per IP address, keyed in Redis with
// INCR/EXPIRE. A submission is counted when it passes validation,
// before admission is attempted.
func (in *Intake) allow(ctx context.Context, ip string) (bool, error) {
	if in.cfg.Intake.RateLimitPerIP <= 0 {
		return true, nil
	}
	key := in.cfg.Intake.RateLimitKeyPrefix + ":" + ip
	n, err := in.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		_ = in.rdb.Expire(ctx, key, in.cfg.Intake.RateLimitWindow).Err()
	}
	return int(n) <= in.cfg.Intake.RateLimitPerIP, nil
}

// ConsumeSubmissions long-polls the submissions queue and admits each
// message, resolving blob-referenced briefs before admission. Runs until
// ctx is canceled.
func (in *Intake) ConsumeSubmissions(ctx context.Context, consumerID string) {
	for ctx.Err() == nil {
		msg, ok, err := in.queue.Receive(ctx, in.cfg.QueueTransport.SubmissionsQueue, consumerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			in.log.Warn("submissions receive error", obs.Err(err))
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}

		if err := in.processSubmission(ctx, msg.Body); err != nil {
			in.log.Error("submission processing failed", obs.Err(err))
			continue
		}
		if err := in.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			in.log.Error("submission delete failed", obs.Err(err))
		}
	}
}

func (in *Intake) processSubmission(ctx context.Context, body string) error {
	sub, err := pipeline.UnmarshalSubmission(body)
	if err != nil {
		return err
	}

	brief := sub.InlineBrief()
	if sub.IsReference() {
		if err := in.blob.Get(ctx, sub.PayloadKey, &brief); err != nil {
			return err
		}
	}
	if err := brief.Validate(); err != nil {
		return err
	}

	jobID := sub.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	_, err = in.admitter.Admit(ctx, jobID, brief)
	return err
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func recoveryMiddleware(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic recovered", obs.String("path", r.URL.Path))
					writeJSONError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
