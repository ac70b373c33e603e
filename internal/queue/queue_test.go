package queue_test

import (
	"context"
	"time"

	"basegraph.app/parley/internal/queue"
	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("Redis queue", func() {
	var (
		mr       *miniredis.Miniredis
		client   *redis.Client
		producer queue.Producer
		consumer *queue.RedisConsumer
		ctx      context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		ctx = context.Background()

		producer = queue.NewRedisProducer(client, "inbound", nil)
		consumer, err = queue.NewRedisConsumer(client, queue.ConsumerConfig{
			Stream:      "inbound",
			Group:       "parley",
			Consumer:    "worker-1",
			DLQStream:   "inbound-dlq",
			BatchSize:   10,
			Block:       20 * time.Millisecond,
			MaxAttempts: 3,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = client.Close()
		mr.Close()
	})

	It("delivers enqueued messages to the consumer group", func() {
		trace := "4bf92f3577b34da6a3ce929d0e0e4736"
		id, err := producer.Enqueue(ctx, queue.InboundMessage{
			SessionID: "chat-1",
			Text:      "hello [sticker:cat]",
			Sender:    "Ana",
			SenderID:  "u-1",
			TraceID:   &trace,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).NotTo(BeEmpty())

		msgs, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))

		msg := msgs[0]
		Expect(msg.ID).To(Equal(id))
		Expect(msg.SessionID).To(Equal("chat-1"))
		Expect(msg.Text).To(Equal("hello [sticker:cat]"))
		Expect(msg.Sender).To(Equal("Ana"))
		Expect(msg.SenderID).To(Equal("u-1"))
		Expect(msg.TraceID).To(Equal(trace))
		Expect(msg.Attempt).To(Equal(1))
		Expect(msg.EnqueuedAt).NotTo(BeZero())
	})

	It("rejects a message without a session", func() {
		_, err := producer.Enqueue(ctx, queue.InboundMessage{Text: "hi"})
		Expect(err).To(MatchError(queue.ErrMissingSession))
	})

	It("returns an empty batch when nothing is waiting", func() {
		msgs, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(BeEmpty())
	})

	It("acks and skips messages it cannot parse", func() {
		Expect(client.XAdd(ctx, &redis.XAddArgs{Stream: "inbound", Values: map[string]any{"text": "orphan"}}).Err()).To(Succeed())

		msgs, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(BeEmpty())

		pending, err := client.XPending(ctx, "inbound", "parley").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending.Count).To(BeZero())
	})

	It("requeues with the next attempt and the failure reason", func() {
		_, err := producer.Enqueue(ctx, queue.InboundMessage{SessionID: "chat-1", Text: "hi"})
		Expect(err).NotTo(HaveOccurred())
		msgs, _ := consumer.Read(ctx)

		Expect(consumer.Requeue(ctx, msgs[0], "redis hiccup")).To(Succeed())

		again, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(HaveLen(1))
		Expect(again[0].Attempt).To(Equal(2))
		Expect(again[0].LastError).To(Equal("redis hiccup"))
		Expect(again[0].ID).NotTo(Equal(msgs[0].ID))
	})

	It("moves a message to the dead letter stream", func() {
		_, err := producer.Enqueue(ctx, queue.InboundMessage{SessionID: "chat-1", Text: "hi"})
		Expect(err).NotTo(HaveOccurred())
		msgs, _ := consumer.Read(ctx)

		Expect(consumer.SendDLQ(ctx, msgs[0], "boom")).To(Succeed())

		dead, err := client.XRange(ctx, "inbound-dlq", "-", "+").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(dead).To(HaveLen(1))
		Expect(dead[0].Values).To(HaveKeyWithValue("error", "boom"))
		Expect(dead[0].Values).To(HaveKeyWithValue("session_id", "chat-1"))
	})
})
