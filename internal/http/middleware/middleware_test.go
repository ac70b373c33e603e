package middleware_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/parley/internal/http/middleware"
)

var _ = Describe("RequireAdminKey", func() {
	newRouter := func(key string) *gin.Engine {
		r := gin.New()
		r.Use(middleware.RequireAdminKey(key))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return r
	}

	do := func(r *gin.Engine, header, value string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if header != "" {
			req.Header.Set(header, value)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	It("passes everything through when no key is configured", func() {
		Expect(do(newRouter(""), "", "")).To(Equal(http.StatusNoContent))
	})

	It("returns 401 without credentials", func() {
		Expect(do(newRouter("secret"), "", "")).To(Equal(http.StatusUnauthorized))
	})

	It("returns 403 for a wrong key", func() {
		Expect(do(newRouter("secret"), "X-Admin-API-Key", "nope")).To(Equal(http.StatusForbidden))
	})

	It("accepts the header or a bearer token", func() {
		r := newRouter("secret")
		Expect(do(r, "X-Admin-API-Key", "secret")).To(Equal(http.StatusNoContent))
		Expect(do(r, "Authorization", "Bearer secret")).To(Equal(http.StatusNoContent))
	})
})

var _ = Describe("Recovery", func() {
	It("turns a panic into a 500", func() {
		r := gin.New()
		r.Use(middleware.Recovery())
		r.GET("/boom", func(*gin.Context) { panic("kaboom") })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
		Expect(w.Body.String()).To(ContainSubstring("internal server error"))
		Expect(w.Body.String()).NotTo(ContainSubstring("kaboom"))
	})
})

var _ = Describe("Logger", func() {
	It("passes the response through", func() {
		r := gin.New()
		r.Use(middleware.Logger())
		r.GET("/sessions/:session_id", func(c *gin.Context) { c.String(http.StatusOK, c.Param("session_id")) })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/chat-1", nil))

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(Equal("chat-1"))
	})
})
