// Package hook intercepts the booking tab's own REST traffic, pairs each
// response with the request body stored under the same URL, and forwards a
// normalized payload to the backend. The matching itself is a plain map
// lookup keyed by URL; the delete-mobile action is the one case dispatched
// from the response alone.
package hook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
)

// Intercepted booking-site actions.
const (
	ActionRegister     = "register"
	ActionEdit         = "edit"
	ActionEditMove     = "edit_move"
	ActionDelete       = "delete"
	ActionDeleteMobile = "delete_mobile"
	ActionDetail       = "detail"
)

// pattern matches a REST path plus the query keys that must be present.
// The site's endpoints are distinguished by query shape, so a plain path
// regex is not enough for the polling and detail routes.
type pattern struct {
	path  *regexp.Regexp
	query []string
}

func (p pattern) match(u *url.URL) bool {
	if !p.path.MatchString(u.Path) {
		return false
	}
	q := u.Query()
	for _, key := range p.query {
		if !q.Has(key) {
			return false
		}
	}
	return true
}

// patterns is ordered: more specific paths first so /delete and /edit never
// fall through to the bare detail route.
var patterns = []struct {
	action string
	pattern
}{
	{ActionRegister, pattern{path: regexp.MustCompile(`/rest/ui/booking/register$`)}},
	{ActionEditMove, pattern{path: regexp.MustCompile(`/rest/ui/booking/\d+/ajax-edit$`)}},
	{ActionEdit, pattern{path: regexp.MustCompile(`/rest/ui/booking/\d+/edit$`)}},
	{ActionDelete, pattern{path: regexp.MustCompile(`/rest/ui/booking/\d+/delete$`)}},
	{ActionDeleteMobile, pattern{
		path:  regexp.MustCompile(`/rest/ui/polling/booking/\d+$`),
		query: []string{"timestamp", "bookingStartDt", "data", "bookingNumber"},
	}},
	{ActionDetail, pattern{
		path:  regexp.MustCompile(`/rest/ui/booking/\d+$`),
		query: []string{"timestamp", "bookingStartDt"},
	}},
}

// matchAction resolves the intercepted URL to an action name.
func matchAction(u *url.URL) (string, bool) {
	for _, p := range patterns {
		if p.match(u) {
			return p.action, true
		}
	}
	return "", false
}

type savedRequest struct {
	action string
	data   map[string]any
}

// Dispatcher is the subset of the backend client the hook needs; split out
// so the dispatch tests run against a recorder.
type Dispatcher interface {
	Post(ctx context.Context, payload any, paramType, date string) error
	Patch(ctx context.Context, payload any, paramType string) error
	Delete(ctx context.Context, payload any, paramType string) error
}

type Router struct {
	out Dispatcher

	mu       sync.Mutex
	requests map[string]savedRequest
	hijack   *rod.HijackRouter
}

func NewRouter(out Dispatcher) *Router {
	return &Router{out: out, requests: make(map[string]savedRequest)}
}

// Attach hijacks the booking tab's REST calls. Requests are forwarded
// unmodified apart from cache-busting headers; bodies are captured on the
// way through.
func (r *Router) Attach(page *rod.Page) {
	router := page.HijackRequests()
	err := router.Add("*/rest/ui/*", "", func(h *rod.Hijack) {
		r.handle(h)
	})
	if err != nil {
		log.Error().Err(err).Msg("attach request hook")
		return
	}
	r.mu.Lock()
	r.hijack = router
	r.mu.Unlock()
	go router.Run()
	log.Info().Msg("request hook connected")
}

// Detach stops the hijack router and drops pending request state.
func (r *Router) Detach() {
	r.mu.Lock()
	router := r.hijack
	r.hijack = nil
	r.requests = make(map[string]savedRequest)
	r.mu.Unlock()
	if router != nil {
		_ = router.Stop()
	}
}

func (r *Router) handle(h *rod.Hijack) {
	reqURL := h.Request.URL()
	action, ok := matchAction(reqURL)
	if !ok {
		_ = h.LoadResponse(http.DefaultClient, true)
		return
	}

	if data, ok := r.parseRequest(h); ok {
		r.mu.Lock()
		r.requests[reqURL.String()] = savedRequest{action: action, data: data}
		r.mu.Unlock()
		log.Debug().Str("action", action).Str("url", reqURL.String()).Msg("request captured")
	}

	h.Request.Req().Header.Set("Cache-Control", "no-cache")
	h.Request.Req().Header.Set("Pragma", "no-cache")
	if err := h.LoadResponse(http.DefaultClient, true); err != nil {
		log.Error().Err(err).Str("url", reqURL.String()).Msg("load hijacked response")
		return
	}
	r.handleResponse(action, reqURL.String(), h.Response.Body())
}

// parseRequest extracts the request parameters: query string for GET,
// JSON or form body for POST/PUT.
func (r *Router) parseRequest(h *rod.Hijack) (map[string]any, bool) {
	method := h.Request.Method()
	if method == http.MethodGet {
		data := make(map[string]any)
		for key, vals := range h.Request.URL().Query() {
			if len(vals) == 1 {
				data[key] = vals[0]
			} else {
				data[key] = vals
			}
		}
		return data, true
	}
	if method != http.MethodPost && method != http.MethodPut {
		return nil, false
	}
	body := h.Request.Body()
	if body == "" {
		return nil, false
	}
	contentType := h.Request.Header("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var data map[string]any
		if err := json.Unmarshal([]byte(body), &data); err != nil {
			log.Error().Err(err).Msg("parse hijacked JSON body")
			return nil, false
		}
		return data, true
	}
	// Form-encoded and text/plain bodies both decode as key=value pairs.
	values, err := url.ParseQuery(body)
	if err != nil {
		log.Error().Err(err).Msg("parse hijacked form body")
		return nil, false
	}
	data := make(map[string]any)
	for key, vals := range values {
		if len(vals) == 1 {
			data[key] = vals[0]
		} else {
			data[key] = anySlice(vals)
		}
	}
	return data, true
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// handleResponse pairs the response with its stored request and dispatches.
func (r *Router) handleResponse(action, urlStr, body string) {
	if body == "" {
		return
	}
	var response map[string]any
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		// HTML and empty bodies come through here; only JSON matters.
		return
	}

	r.mu.Lock()
	entry, found := r.requests[urlStr]
	if found {
		delete(r.requests, urlStr)
	}
	r.mu.Unlock()

	if action == ActionDeleteMobile {
		// No stored request exists for customer-initiated deletes.
		r.dispatch(action, nil, response)
		return
	}
	if !found || entry.action != action {
		return
	}
	log.Info().Str("action", action).Str("url", urlStr).Msg("request-response matched")
	r.dispatch(action, entry.data, response)
}
