package llm_test

import (
	"context"
	"errors"
	"fmt"

	"basegraph.app/parley/common/llm"
	"github.com/anthropics/anthropic-sdk-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/openai/openai-go"
)

var _ = Describe("Classify", func() {
	ctx := context.Background()

	DescribeTable("OpenAI status codes",
		func(status int, want llm.ErrorClass) {
			Expect(llm.Classify(ctx, &openai.Error{StatusCode: status})).To(Equal(want))
		},
		Entry("429 is rate limited", 429, llm.ClassRateLimited),
		Entry("500 is transient", 500, llm.ClassTransient),
		Entry("503 is transient", 503, llm.ClassTransient),
		Entry("408 is transient", 408, llm.ClassTransient),
		Entry("400 is fatal", 400, llm.ClassFatal),
		Entry("401 is fatal", 401, llm.ClassFatal),
	)

	DescribeTable("Anthropic status codes",
		func(status int, want llm.ErrorClass) {
			Expect(llm.Classify(ctx, &anthropic.Error{StatusCode: status})).To(Equal(want))
		},
		Entry("429 is rate limited", 429, llm.ClassRateLimited),
		Entry("529 overloaded is transient", 529, llm.ClassTransient),
		Entry("404 is fatal", 404, llm.ClassFatal),
	)

	It("treats context errors as canceled", func() {
		Expect(llm.Classify(ctx, context.Canceled)).To(Equal(llm.ClassCanceled))
		Expect(llm.Classify(ctx, fmt.Errorf("stream: %w", context.DeadlineExceeded))).To(Equal(llm.ClassCanceled))
	})

	It("honours wrapped sentinels", func() {
		Expect(llm.Classify(ctx, fmt.Errorf("recv: %w", llm.ErrRateLimited))).To(Equal(llm.ClassRateLimited))
		Expect(llm.Classify(ctx, fmt.Errorf("recv: %w", llm.ErrTransient))).To(Equal(llm.ClassTransient))
		Expect(llm.Classify(ctx, llm.ErrInvalidRequest)).To(Equal(llm.ClassFatal))
	})

	It("treats unknown errors as network failures", func() {
		Expect(llm.Classify(ctx, errors.New("connection reset by peer"))).To(Equal(llm.ClassTransient))
	})

	It("returns no class for nil", func() {
		Expect(llm.Classify(ctx, nil)).To(BeEmpty())
	})

	It("marks only rate limits and transient failures retryable", func() {
		Expect(llm.ClassRateLimited.Retryable()).To(BeTrue())
		Expect(llm.ClassTransient.Retryable()).To(BeTrue())
		Expect(llm.ClassFatal.Retryable()).To(BeFalse())
		Expect(llm.ClassCanceled.Retryable()).To(BeFalse())
	})
})
