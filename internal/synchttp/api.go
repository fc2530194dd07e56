// Package synchttp serves the server-mode sync endpoints: a GitHub push
// webhook, an authenticated manual trigger and a status report. Syncs run
// synchronously and one at a time; a request that arrives while a sync is
// running gets 409.
package synchttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v66/github"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncstate"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/trigger"
)

// Routes.
const (
	PathGitHubHook = "/v1/hooks/github"
	PathSync       = "/v1/sync"
	PathStatus     = "/v1/status"
)

// Response statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusIgnored = "ignored"
	StatusPong    = "pong"
)

type Options struct {
	Runner *syncstate.Runner
	Logger log.Logger
	// WebhookSecret enables PathGitHubHook when set.
	WebhookSecret string
	// SyncToken enables PathSync and PathStatus when set.
	SyncToken string
}

// API implements the sync endpoints.
type API struct {
	runner        *syncstate.Runner
	logger        log.Logger
	webhookSecret []byte
	syncToken     []byte
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &API{
		runner:        opts.Runner,
		logger:        opts.Logger,
		webhookSecret: []byte(opts.WebhookSecret),
		syncToken:     []byte(opts.SyncToken),
	}
}

// RegisterRoutes attaches the enabled endpoints. An endpoint without a
// secret is not registered and falls through to the router's 404.
func (api *API) RegisterRoutes(r chi.Router) {
	if len(api.webhookSecret) > 0 {
		r.With(httpmw.Scope("github_hook")).Post(PathGitHubHook, api.HandleGitHubHook)
	}
	if len(api.syncToken) > 0 {
		r.With(httpmw.Scope("manual_sync"), api.requireToken).Post(PathSync, api.HandleSync)
		r.With(httpmw.Scope("status"), api.requireToken).Get(PathStatus, api.HandleStatus)
	}
}

// HandleGitHubHook verifies the delivery signature and syncs push events.
func (api *API) HandleGitHubHook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	payload, err := github.ValidatePayload(r, api.webhookSecret)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpmw.WriteError(w, r, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		L.Warn(ctx, "rejected webhook delivery", "error", err)
		httpmw.WriteError(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}

	deliveryID := github.DeliveryID(r)
	eventType := github.WebHookType(r)
	ev, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		httpmw.WriteError(w, r, http.StatusBadRequest, "unparseable payload")
		return
	}

	switch e := ev.(type) {
	case *github.PingEvent:
		api.writeJSON(ctx, w, http.StatusOK, SyncResponse{Status: StatusPong, EventID: deliveryID, Results: []ResultView{}})
	case *github.PushEvent:
		api.run(w, r, syncstate.OriginWebhook, trigger.FromGitHubPush(e, deliveryID))
	default:
		L.Debug(ctx, "ignoring webhook event", "event", eventType, "delivery", deliveryID)
		api.writeJSON(ctx, w, http.StatusAccepted, SyncResponse{Status: StatusIgnored, EventID: deliveryID, Results: []ResultView{}})
	}
}

// HandleSync accepts a trigger.Event from an operator or CI job.
func (api *API) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ev trigger.Event
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpmw.WriteError(w, r, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httpmw.WriteError(w, r, http.StatusBadRequest, "invalid trigger event")
		return
	}
	if len(ev.Records) == 0 {
		httpmw.WriteError(w, r, http.StatusBadRequest, "no records")
		return
	}
	for _, rec := range ev.Records {
		if rec.Ref == "" || rec.After == "" {
			httpmw.WriteError(w, r, http.StatusBadRequest, "records need ref and after")
			return
		}
	}
	if ev.ID == "" {
		ev.ID = httpmw.RequestIDFromContext(ctx)
	}
	api.run(w, r, syncstate.OriginManual, ev)
}

func (api *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !api.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sitesync"`)
			httpmw.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (api *API) authorized(r *http.Request) bool {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || tok == "" {
		return false
	}
	return cryptoutil.SecretEqual([]byte(tok), api.syncToken)
}

// run executes ev on the shared runner. The sync is detached from client
// cancellation so a dropped connection does not abandon a half-published
// revision; the engine's own budget still applies.
func (api *API) run(w http.ResponseWriter, r *http.Request, origin string, ev trigger.Event) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	results, err := api.runner.Run(context.WithoutCancel(ctx), origin, ev)
	if errors.Is(err, syncstate.ErrBusy) {
		L.Warn(ctx, "sync already running, rejecting trigger", "event_id", ev.ID, "origin", origin)
		httpmw.WriteError(w, r, http.StatusConflict, err.Error())
		return
	}

	resp := SyncResponse{
		Status:  StatusOK,
		EventID: ev.ID,
		Results: ViewResults(results),
	}
	status := http.StatusOK
	if err != nil {
		// already logged and notified by the engine
		resp.Status = StatusFailed
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	api.writeJSON(ctx, w, status, resp)
}

// HandleStatus reports the running sync and the last outcomes.
func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{ServerTime: time.Now().UTC().Truncate(time.Second)}
	if s, ok := api.runner.Running(); ok {
		resp.Running = viewSnapshot(s)
	}
	if s, ok := api.runner.Last(); ok {
		resp.Last = viewSnapshot(s)
	}
	if s, ok := api.runner.LastSuccess(); ok {
		resp.LastSuccess = viewSnapshot(s)
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
