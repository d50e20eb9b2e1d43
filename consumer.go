package wire

// ChannelReaderConsumer receives every complete message an InboundReader assembles.
// Consume runs on the probing goroutine and must not block indefinitely;
// it is expected to queue the message and return.
type ChannelReaderConsumer interface {
	Consume(message RawMessage)
}

// ChannelReaderConsumerFunc adapts a function to ChannelReaderConsumer.
type ChannelReaderConsumerFunc func(message RawMessage)

// Consume calls f(message).
func (f ChannelReaderConsumerFunc) Consume(message RawMessage) { f(message) }

// RequestChannelConsumer handles the requests of one server-side connection.
// A consumer instance is bound to a single RequestContext at accept time.
type RequestChannelConsumer interface {
	// Consume receives a flipped buffer holding the bytes drained from the
	// socket. The consumer owns buffer and must release it.
	Consume(ctx *RequestContext, buffer *ConsumerByteBuffer)
	// CloseWith is called once when the connection closes, with the token
	// previously set through RequestContext.WhenClosing.
	CloseWith(ctx *RequestContext, data any)
}

// RequestChannelConsumerProvider returns a fresh consumer for each accepted connection.
type RequestChannelConsumerProvider interface {
	RequestChannelConsumer() RequestChannelConsumer
}

// RequestChannelConsumerProviderFunc adapts a function to RequestChannelConsumerProvider.
type RequestChannelConsumerProviderFunc func() RequestChannelConsumer

// RequestChannelConsumer calls f().
func (f RequestChannelConsumerProviderFunc) RequestChannelConsumer() RequestChannelConsumer {
	return f()
}

// ResponseSender lets a consumer answer a request at any later time.
type ResponseSender interface {
	// RespondWith queues buffer for writing on ctx's connection. The buffer
	// is released after its send attempt.
	RespondWith(ctx *RequestContext, buffer *ConsumerByteBuffer)
	// Abandon closes ctx's connection.
	Abandon(ctx *RequestContext)
}

// ResponseChannelConsumer receives the bytes a ClientChannel reads from its server.
// The consumer owns buffer and must release it.
type ResponseChannelConsumer interface {
	Consume(buffer *ConsumerByteBuffer)
}

// ResponseChannelConsumerFunc adapts a function to ResponseChannelConsumer.
type ResponseChannelConsumerFunc func(buffer *ConsumerByteBuffer)

// Consume calls f(buffer).
func (f ResponseChannelConsumerFunc) Consume(buffer *ConsumerByteBuffer) { f(buffer) }
