package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/wire"
)

// echoConsumer answers every request with the same bytes.
type echoConsumer struct {
	pool *wire.ByteBufferPool
}

func (c *echoConsumer) Consume(ctx *wire.RequestContext, buffer *wire.ConsumerByteBuffer) {
	defer buffer.Release()

	response, err := c.pool.Acquire(context.Background())
	if err != nil {
		slog.Error("no response buffer", "context", ctx.ID(), "error", err)
		return
	}
	if err := response.Put(buffer.Bytes()); err != nil {
		response.Release()
		slog.Error("response too large", "context", ctx.ID(), "error", err)
		return
	}
	ctx.RespondWith(response.Flip())
}

func (c *echoConsumer) CloseWith(ctx *wire.RequestContext, data any) {
	slog.Info("context closed", "context", ctx.ID(), "data", data)
}

func main() {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:12345")
	if err != nil {
		panic(err)
	}

	pool := wire.NewByteBufferPool(64, 4096)
	provider := wire.RequestChannelConsumerProviderFunc(func() wire.RequestChannelConsumer {
		return &echoConsumer{pool: pool}
	})

	server, err := wire.New(addr, provider,
		wire.ServerNameOption("echo"),
		wire.ProcessorPoolSizeOption(2),
		wire.ProcessorOptions(wire.SharedPoolOption(pool)),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	go func() {
		client := wire.NewClientChannel(addr.String(), wire.ResponseChannelConsumerFunc(func(buffer *wire.ConsumerByteBuffer) {
			slog.Info("echo received", "payload", buffer.String())
			buffer.Release()
		}))
		defer client.Close()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.RequestWith([]byte("hello")); err != nil {
					slog.Warn("request failed", "error", err)
				}
				client.ProbeChannel()
			}
		}
	}()

	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
