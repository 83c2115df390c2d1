package commander

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/plugins"
)

var validate = validator.New()

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var errRateLimited = errors.New("rate limited")

func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)

	var status int
	if errors.Is(err, errRateLimited) {
		status = http.StatusTooManyRequests
	} else {
		status = statusFor(code)
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func statusFor(code string) int {
	switch code {
	case "bad_request":
		return http.StatusBadRequest
	case "unauthenticated":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorCode maps internal errors onto the stable error.code strings all
// bindings share.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, auth.ErrBadCredentials), errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrSessionInvalid):
		return "unauthenticated"
	case errors.Is(err, errForbidden), errors.Is(err, auth.ErrBanned), errors.Is(err, auth.ErrInactive), errors.Is(err, plugins.ErrCapabilityDenied):
		return "forbidden"
	case errors.Is(err, database.ErrNotFound):
		return "not_found"
	case errors.Is(err, database.ErrConflict), errors.Is(err, plugins.ErrUnsignedNeedsConfirmation):
		return "conflict"
	case errors.Is(err, errRateLimited):
		return "conflict"
	case errors.Is(err, database.ErrTransient):
		return "unavailable"
	case err.Error() == "not_found":
		return "not_found"
	}
	return "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RestRouter builds the /v1 surface. Rate limiting and token
// verification run in middleware, in front of every route, so this
// binding shares policy with the TCP and RPC bindings.
func (s *Service) RestRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.ipRateLimit)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/auth/login", s.handleLogin)

		v1.Group(func(authed chi.Router) {
			authed.Use(s.requireAuth)

			authed.Get("/server", s.op("serverinfo", nil))
			authed.Patch("/server", s.opWithBody("serveredit"))

			authed.Get("/channels", s.op("channellist", nil))
			authed.Post("/channels", s.opWithBody("channelcreate"))
			authed.Patch("/channels/{id}", s.opWithParam("channeledit", "channelID"))
			authed.Delete("/channels/{id}", s.opWithParam("channeldelete", "channelID"))
			authed.Get("/channels/{id}/export", s.opWithParam("channelexport", "channelID"))
			authed.Post("/channels/import", s.opWithBody("channelimport"))

			authed.Get("/clients", s.op("clientlist", nil))
			authed.Post("/clients/{id}/kick", s.opWithSessionParam("clientkick"))
			authed.Post("/clients/{id}/move", s.opWithSessionParam("clientmove"))
			authed.Post("/clients/{id}/poke", s.opWithSessionParam("clientpoke"))
			authed.Post("/bans", s.opWithBody("clientban"))
			authed.Get("/bans", s.op("banlist", nil))
			authed.Delete("/bans/{id}", s.opWithParam("bandelete", "banID"))

			authed.Get("/permissions", s.op("permissionlist", nil))
			authed.Post("/permissions", s.opWithBody("permissionadd"))
			authed.Delete("/permissions", s.opWithBody("permissionremove"))

			authed.Get("/channels/{id}/files", s.expensive(s.opWithParam("filelist", "channelID")))
			authed.Delete("/files/{id}", s.opWithParam("filedelete", "fileID"))

			authed.Get("/logs", s.expensive(s.op("loglist", nil)))
			authed.Get("/logs/export", s.expensive(s.handleLogExport))

			authed.Get("/plugins", s.op("pluginlist", nil))
			authed.Post("/plugins/{id}/install", s.opWithParam("plugininstall", "name"))
			authed.Post("/plugins/{id}/enable", s.opWithParam("pluginenable", "name"))
			authed.Post("/plugins/{id}/disable", s.opWithParam("plugindisable", "name"))

			authed.Post("/invites", s.opWithBody("invitecreate"))
			authed.Get("/invites", s.op("invitelist", nil))
			authed.Delete("/invites/{id}", s.opWithParam("invitedelete", "inviteID"))

			authed.Post("/tokens", s.opWithBody("tokencreate"))
			authed.Get("/tokens", s.op("tokenlist", nil))
			authed.Delete("/tokens/{id}", s.opWithParam("tokenrevoke", "tokenID"))
		})
	})

	return r
}

type principalKey struct{}

func contextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

func (s *Service) ipRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := s.limiter.AllowIP(clientIP(r))
		if !allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeError(w, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		credential, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || credential == "" {
			writeError(w, auth.ErrTokenInvalid)
			return
		}

		principal, err := s.Authenticate(credential)
		if err != nil {
			writeError(w, err)
			return
		}

		if principal.Via == "token" {
			allowed, retryAfter := s.limiter.AllowToken(principal.TokenID)
			if !allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				writeError(w, errRateLimited)
				return
			}
		}

		r = r.WithContext(contextWithPrincipal(r.Context(), &principal))
		next.ServeHTTP(w, r)
	})
}

// expensive gates heavy operations behind the separate budget.
func (s *Service) expensive(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := s.limiter.AllowExpensive(clientIP(r))
		if !allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeError(w, errRateLimited)
			return
		}
		next(w, r)
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, errBadRequest)
		return
	}

	token, err := s.Login(req.Username, req.Password, clientIP(r))
	if err != nil {
		s.sugar.Debug(err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// op runs a dispatch operation with fixed args plus query parameters.
func (s *Service) op(name string, fixed map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := map[string]any{}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				args[key] = values[0]
			}
		}
		for key, value := range fixed {
			args[key] = value
		}
		s.runOp(w, r, name, args)
	}
}

func (s *Service) opWithBody(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := map[string]any{}
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil && err.Error() != "EOF" {
				writeError(w, errBadRequest)
				return
			}
		}
		s.runOp(w, r, name, args)
	}
}

func (s *Service) opWithParam(name string, argName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := map[string]any{}
		if r.Body != nil && r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
				writeError(w, errBadRequest)
				return
			}
		}
		args[argName] = chi.URLParam(r, "id")
		s.runOp(w, r, name, args)
	}
}

// opWithSessionParam parses the {id} path segment as a session id.
func (s *Service) opWithSessionParam(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := map[string]any{}
		if r.Body != nil && r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
				writeError(w, errBadRequest)
				return
			}
		}

		sessionID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, errBadRequest)
			return
		}
		args["sessionID"] = sessionID
		s.runOp(w, r, name, args)
	}
}

func (s *Service) runOp(w http.ResponseWriter, r *http.Request, name string, args map[string]any) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeError(w, auth.ErrTokenInvalid)
		return
	}

	result, err := s.Dispatch(principal, name, args)
	if err != nil {
		s.sugar.Debug(err)
		writeError(w, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleLogExport(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeError(w, auth.ErrTokenInvalid)
		return
	}

	args := map[string]any{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			args[key] = values[0]
		}
	}

	compressed, err := s.LogExport(principal, args)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", "attachment; filename=audit-log.ndjson.zst")
	w.WriteHeader(http.StatusOK)
	w.Write(compressed)
}
