// Package valkeytest runs a disposable Valkey server for the repository tests.
package valkeytest

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/go-connections/nat"
	"github.com/valkey-io/valkey-go"

	valkeycontainer "github.com/testcontainers/testcontainers-go/modules/valkey"
	slogctx "github.com/veqryn/slog-context"
)

const image = "valkey/valkey:8-alpine"

// Start runs a Valkey container and returns a client connected to it, and a
// function that closes the client and removes the container. It is meant for
// TestMain and panics when the server cannot be reached.
func Start(ctx context.Context) (valkey.Client, func(ctx context.Context)) {
	container, err := valkeycontainer.Run(ctx, image)
	if err != nil {
		panic(fmt.Errorf("running valkey container: %w", err))
	}

	host, err := container.Host(ctx)
	if err != nil {
		panic(fmt.Errorf("resolving valkey container host: %w", err))
	}

	port, err := container.MappedPort(ctx, nat.Port("6379/tcp"))
	if err != nil {
		panic(fmt.Errorf("mapping valkey port: %w", err))
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{net.JoinHostPort(host, port.Port())},
	})
	if err != nil {
		_ = container.Terminate(ctx)
		panic(fmt.Errorf("connecting to valkey container: %w", err))
	}

	return client, func(ctx context.Context) {
		client.Close()
		if err := container.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Could not remove the valkey container", "error", err)
		}
	}
}
