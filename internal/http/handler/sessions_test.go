package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/parley/internal/http/handler"
	"basegraph.app/parley/internal/orchestrator"
	"basegraph.app/parley/internal/queue"
)

var _ = Describe("SessionHandler", func() {
	var (
		router   *gin.Engine
		sessions *mockSessions
		producer *mockProducer
	)

	BeforeEach(func() {
		router = gin.New()
		sessions = &mockSessions{}
		producer = &mockProducer{}
		h := handler.NewSessionHandler(sessions, producer, "X-Trace-ID")
		router.GET("/sessions", h.List)
		router.DELETE("/sessions/:session_id", h.Abort)
		router.POST("/sessions/:session_id/messages", h.Enqueue)
	})

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	Describe("List", func() {
		It("returns the turns in progress", func() {
			sessions.listFn = func() []orchestrator.SessionInfo {
				return []orchestrator.SessionInfo{
					{SessionID: "chat-1", TurnID: 42, Depth: 2, StartedAt: time.Unix(0, 0).UTC()},
				}
			}

			w := serve(httptest.NewRequest(http.MethodGet, "/sessions", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp struct {
				Sessions []map[string]any `json:"sessions"`
			}
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Sessions).To(HaveLen(1))
			Expect(resp.Sessions[0]["session_id"]).To(Equal("chat-1"))
			Expect(resp.Sessions[0]["depth"]).To(BeNumerically("==", 2))
		})
	})

	Describe("Abort", func() {
		It("returns 202 when the session has a turn in progress", func() {
			var got string
			sessions.abortFn = func(id string) error {
				got = id
				return nil
			}

			w := serve(httptest.NewRequest(http.MethodDelete, "/sessions/chat-1", nil))

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(got).To(Equal("chat-1"))
		})

		It("returns 404 when nothing is running", func() {
			sessions.abortFn = func(string) error {
				return orchestrator.ErrSessionUnknown
			}

			w := serve(httptest.NewRequest(http.MethodDelete, "/sessions/chat-1", nil))

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 500 on unexpected errors", func() {
			sessions.abortFn = func(string) error {
				return errors.New("boom")
			}

			w := serve(httptest.NewRequest(http.MethodDelete, "/sessions/chat-1", nil))

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("Enqueue", func() {
		post := func(body string, header map[string]string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/sessions/chat-1/messages", bytes.NewBufferString(body))
			req.Header.Set("Content-Type", "application/json")
			for k, v := range header {
				req.Header.Set(k, v)
			}
			return serve(req)
		}

		It("queues the message and returns the stream id", func() {
			w := post(`{"text":"hi there","sender":"Ana","sender_id":"u-1"}`, map[string]string{"X-Trace-ID": "abc"})

			Expect(w.Code).To(Equal(http.StatusAccepted))
			var resp map[string]string
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["stream_id"]).To(Equal("1-0"))
			Expect(resp["session_id"]).To(Equal("chat-1"))

			Expect(producer.enqueued).To(HaveLen(1))
			msg := producer.enqueued[0]
			Expect(msg.SessionID).To(Equal("chat-1"))
			Expect(msg.Text).To(Equal("hi there"))
			Expect(msg.Sender).To(Equal("Ana"))
			Expect(msg.SenderID).To(Equal("u-1"))
			Expect(msg.TraceID).NotTo(BeNil())
			Expect(*msg.TraceID).To(Equal("abc"))
		})

		It("leaves the trace id empty without a header or span", func() {
			w := post(`{"text":"hi"}`, nil)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(producer.enqueued[0].TraceID).To(BeNil())
		})

		It("returns 400 when text is missing", func() {
			w := post(`{"sender":"Ana"}`, nil)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(producer.enqueued).To(BeEmpty())
		})

		It("returns 500 when the queue is unavailable", func() {
			producer.enqueueFn = func(context.Context, queue.InboundMessage) (string, error) {
				return "", errors.New("redis down")
			}

			w := post(`{"text":"hi"}`, nil)

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})
})
