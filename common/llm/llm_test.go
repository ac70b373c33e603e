package llm_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"basegraph.app/parley/common/llm"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SanitizeName", func() {
	DescribeTable("makes display names valid participant names",
		func(input, expected string) {
			Expect(llm.SanitizeName(input)).To(Equal(expected))
		},
		Entry("valid name unchanged", "alice", "alice"),
		Entry("hyphens and underscores kept", "alice-dev_2", "alice-dev_2"),
		Entry("punctuation replaced", "alice.smith@dev!", "alice_smith_dev_"),
		Entry("spaces replaced", "Ana Maria", "Ana_Maria"),
		Entry("truncated to 64 chars", strings.Repeat("a", 100), strings.Repeat("a", 64)),
		Entry("empty stays empty", "", ""),
	)
})

var _ = Describe("NewStreamClient", func() {
	It("defaults to openai", func() {
		c, err := llm.NewStreamClient(llm.Config{Model: "gpt-test"})
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Model()).To(Equal("gpt-test"))
	})

	It("builds an anthropic client", func() {
		c, err := llm.NewStreamClient(llm.Config{Provider: llm.ProviderAnthropic, Model: "claude-test"})
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Model()).To(Equal("claude-test"))
	})

	It("rejects unknown providers", func() {
		_, err := llm.NewStreamClient(llm.Config{Provider: "cohere"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("openai streaming", func() {
	var (
		server  *httptest.Server
		status  int
		auth    string
		body    string
		content []string
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		status = http.StatusOK
		content = []string{"Hel", "lo [sticker:cat]"}

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			raw, _ := io.ReadAll(r.Body)
			body = string(raw)

			if status != http.StatusOK {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
				return
			}

			w.Header().Set("Content-Type", "text/event-stream")
			for i, text := range content {
				fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", text)
				if i == 0 {
					// Chunks without text are skipped.
					fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[]}\n\n")
				}
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	newClient := func() llm.StreamClient {
		c, err := llm.NewStreamClient(llm.Config{BaseURL: server.URL, Model: "gpt-test"})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	It("yields text chunks until EOF using the request key", func() {
		s, err := newClient().ChatStream(ctx, llm.StreamRequest{
			APIKey: "k2",
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "be brief"},
				{Role: llm.RoleUser, Name: "alice_smith", Content: "hi"},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		var got []string
		for {
			chunk, err := s.Recv()
			if err == io.EOF {
				break
			}
			Expect(err).NotTo(HaveOccurred())
			got = append(got, chunk)
		}

		Expect(got).To(Equal([]string{"Hel", "lo [sticker:cat]"}))
		Expect(auth).To(Equal("Bearer k2"))
		Expect(body).To(ContainSubstring(`"name":"alice_smith"`))
		Expect(body).To(ContainSubstring(`"stream":true`))
	})

	It("requires a key", func() {
		_, err := newClient().ChatStream(ctx, llm.StreamRequest{})
		Expect(err).To(MatchError(llm.ErrAPIKeyRequired))
	})

	It("surfaces provider rate limits as retryable", func() {
		status = http.StatusTooManyRequests

		_, err := newClient().ChatStream(ctx, llm.StreamRequest{
			APIKey:   "k1",
			Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		})
		Expect(err).To(HaveOccurred())
		Expect(llm.Classify(ctx, err)).To(Equal(llm.ClassRateLimited))
	})
})
