// Package router maps endpoints to rate limit categories and guards HTTP
// handlers with the configured limiters.
package router

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/category"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/meta"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/risk"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/window"
)

// RetryAfterSeconds is advertised on every 429.
const RetryAfterSeconds = 60

// ReasonBucket marks verdicts denied by the token bucket pre-gate.
const ReasonBucket = "bucket"

const bucketLimiterName = "bucket"

// Admitter makes the per-request decision.
type Admitter interface {
	Allow(ctx context.Context, category string, att window.Attempt) risk.Verdict
}

// Consumer is a token bucket pre-gate.
type Consumer interface {
	TryConsume(ctx context.Context, category, client string) bool
}

// Resetter forgets the attempts of client in category.
type Resetter interface {
	Reset(ctx context.Context, category, client string)
}

// SuccessPolicy selects the requests whose success clears the attempts
// counted against the client.
type SuccessPolicy struct {
	// Categories reset on a successful POST.
	Categories []string
	// FailureMarker, when found in the Location of a redirect, marks the
	// redirect as a failed attempt.
	FailureMarker string
}

// Succeeded reports whether an upstream answer with status and location
// counts as a successful attempt. A zero status is an implicit 200.
func (p SuccessPolicy) Succeeded(status int, location string) bool {
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusBadRequest || status < http.StatusOK {
		return false
	}
	if status >= http.StatusMultipleChoices && p.FailureMarker != "" {
		return !strings.Contains(location, p.FailureMarker)
	}
	return true
}

// Router hands requests to the admitter under a fixed category.
type Router struct {
	admitter Admitter
	buckets  Consumer
	reporter window.BlockReporter
	observer window.DecisionObserver

	success   SuccessPolicy
	resetOn   map[string]bool
	resetters []Resetter
}

// Option configures a Router.
type Option func(*Router)

// WithTokenBucket runs c before the admitter in Middleware.
func WithTokenBucket(c Consumer) Option {
	return func(rt *Router) { rt.buckets = c }
}

// WithReporter receives requests denied by the token bucket.
func WithReporter(r window.BlockReporter) Option {
	return func(rt *Router) { rt.reporter = r }
}

// WithObserver is notified of token bucket decisions.
func WithObserver(o window.DecisionObserver) Option {
	return func(rt *Router) { rt.observer = o }
}

// WithSuccessReset clears the attempts of a client through rs once a POST
// in one of p.Categories succeeds upstream.
func WithSuccessReset(p SuccessPolicy, rs ...Resetter) Option {
	return func(rt *Router) {
		rt.success = p
		rt.resetOn = make(map[string]bool, len(p.Categories))
		for _, c := range p.Categories {
			rt.resetOn[c] = true
		}
		rt.resetters = rs
	}
}

// New creates a Router.
func New(a Admitter, opts ...Option) *Router {
	rt := &Router{admitter: a}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) isAllowed(w http.ResponseWriter, r *http.Request, cat string) bool {
	v := rt.admitter.Allow(r.Context(), cat, window.AttemptFromRequest(r))
	v.WriteHeaders(w.Header())
	return v.Allowed
}

func (rt *Router) IsLoginAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Login)
}

func (rt *Router) IsRegisterAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Register)
}

func (rt *Router) IsForgotPasswordAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.ForgotPassword)
}

func (rt *Router) IsResetPasswordAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.ResetPassword)
}

func (rt *Router) IsBookingAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Booking)
}

func (rt *Router) IsChatAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Chat)
}

func (rt *Router) IsReviewAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Review)
}

func (rt *Router) IsGeneralAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.General)
}

func (rt *Router) IsFileUploadAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.FileUpload)
}

func (rt *Router) IsPaymentAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Payment)
}

func (rt *Router) IsAPIAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.API)
}

func (rt *Router) IsSearchAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Search)
}

func (rt *Router) IsProfileAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Profile)
}

func (rt *Router) IsNotificationAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Notification)
}

func (rt *Router) IsRestaurantAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Restaurant)
}

func (rt *Router) IsCustomerAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Customer)
}

func (rt *Router) IsAdminAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Admin)
}

func (rt *Router) IsReportAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Report)
}

func (rt *Router) IsVoucherAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Voucher)
}

func (rt *Router) IsWaitlistAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Waitlist)
}

func (rt *Router) IsTableAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Table)
}

func (rt *Router) IsMenuAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Menu)
}

func (rt *Router) IsReservationAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Reservation)
}

func (rt *Router) IsFeedbackAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Feedback)
}

func (rt *Router) IsSupportAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Support)
}

func (rt *Router) IsAnalyticsAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Analytics)
}

func (rt *Router) IsSettingsAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Settings)
}

func (rt *Router) IsDashboardAllowed(w http.ResponseWriter, r *http.Request) bool {
	return rt.isAllowed(w, r, category.Dashboard)
}

// Middleware limits every non-static request by its classified category.
// The token bucket runs first; requests it admits go to the admitter.
func (rt *Router) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsStatic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, md := meta.Ensure(r.Context())
		att := window.AttemptFromRequest(r)
		cat := Classify(r.Method, r.URL.Path)
		md.Set(meta.KeyClient, att.Client)
		md.Set(meta.KeyCategory, cat)

		if rt.buckets != nil {
			ok := rt.buckets.TryConsume(ctx, cat, att.Client)
			if rt.observer != nil {
				rt.observer.ObserveDecision(bucketLimiterName, cat, ok)
			}
			if !ok {
				if rt.reporter != nil {
					rt.reporter.LogBlockedRequest(att.Client, att.Path, att.UserAgent)
				}
				md.Set(meta.KeyVerdict, risk.Verdict{Category: cat, Reason: ReasonBucket})
				deny(w, r, att.Client, cat, ReasonBucket, 0)
				return
			}
		}

		v := rt.admitter.Allow(ctx, cat, att)
		md.Set(meta.KeyVerdict, v)
		v.WriteHeaders(w.Header())
		if !v.Allowed {
			deny(w, r, att.Client, cat, v.Reason, blockedFor(v))
			return
		}
		if r.Method != http.MethodPost || !rt.resetOn[cat] {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		if rt.success.Succeeded(ww.Status(), ww.Header().Get("Location")) {
			rt.resetAttempts(ctx, cat, att.Client)
		}
	})
}

func (rt *Router) resetAttempts(ctx context.Context, cat, client string) {
	for _, rs := range rt.resetters {
		rs.Reset(ctx, cat, client)
	}
	log.Info().Str("client", client).Str("category", cat).Msg("attempts reset after successful request")
}

type denial struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

var denialBody, _ = json.Marshal(denial{
	Error:      "Rate limit exceeded. Please try again later.",
	RetryAfter: RetryAfterSeconds,
})

// blockedFor is how long the window block behind v lasts, or zero when
// v was not denied by a window block.
func blockedFor(v risk.Verdict) time.Duration {
	if v.Reason == risk.ReasonWindow && v.Window.State == window.StateBlocked {
		return v.Window.ResetIn
	}
	return 0
}

// deny writes the 429. X-RateLimit-Reset carries resetIn when known and
// the fixed retry hint otherwise.
func deny(w http.ResponseWriter, r *http.Request, client, cat, reason string, resetIn time.Duration) {
	log.Warn().Str("client", client).Str("path", r.URL.Path).Str("method", r.Method).
		Str("category", cat).Str("reason", reason).Msg("rate limit exceeded")

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Retry-After", "60")
	h.Set(window.HeaderLimit, "Exceeded")
	h.Set(window.HeaderRemaining, "0")
	if resetIn > 0 {
		h.Set(window.HeaderReset, strconv.FormatInt(int64(math.Ceil(resetIn.Seconds())), 10))
	} else {
		h.Set(window.HeaderReset, strconv.Itoa(RetryAfterSeconds))
	}
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(denialBody)
}

// Verdict returns the verdict the middleware stored for the request.
func Verdict(ctx context.Context) (risk.Verdict, bool) {
	v, err := meta.Get[risk.Verdict](ctx, meta.KeyVerdict)
	return v, err == nil
}
