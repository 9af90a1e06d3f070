package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/scheduler"
)

type saveCookieRequest struct {
	CookieString string `json:"cookie_string"`
}

type checkCookieRequest struct {
	CookieString string   `json:"cookie_string"`
	City         string   `json:"city"`
	Categories   []string `json:"categories"`
}

func (s *Server) listCookies(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cookies.List(r.Context())
	if err != nil {
		s.logger.Error("list cookies failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cookies")
		return
	}
	if ids == nil {
		ids = []cookie.Identity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cookies": ids})
}

// saveCookie handles PUT /v1/cookies/{name}. The raw cookie is never echoed.
func (s *Server) saveCookie(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req saveCookieRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.cookies.Save(name, req.CookieString); err != nil {
		if errors.Is(err, cookie.ErrInvalidName) || errors.Is(err, cookie.ErrInvalidFormat) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("save cookie failed", zap.String("name", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save cookie")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "saved"})
}

func (s *Server) deleteCookie(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.cookies.Delete(name); err != nil {
		switch {
		case errors.Is(err, cookie.ErrInvalidName):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, crawler.ErrNotFound):
			writeError(w, http.StatusNotFound, "cookie not found")
		default:
			s.logger.Error("delete cookie failed", zap.String("name", name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to delete cookie")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkCookie handles POST /v1/cookies/check. It reports the restriction
// result without consuming quota.
func (s *Server) checkCookie(w http.ResponseWriter, r *http.Request) {
	var req checkCookieRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.tasks.CheckCookie(r.Context(), req.CookieString, req.City, req.Categories)
	if err != nil {
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		s.logger.Error("check cookie failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to check cookie")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
