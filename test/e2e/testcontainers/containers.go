// Package testcontainers starts the backing services of water-monitor
// (PostgreSQL, RabbitMQ, redis and an MQTT broker) for e2e tests.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// start runs req and resolves the host and mapped port of port. The
// container is terminated when the endpoint cannot be resolved.
func start(ctx context.Context, req testcontainers.ContainerRequest, port nat.Port) (testcontainers.Container, string, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to start %s container: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", "", terminate(ctx, container, fmt.Errorf("failed to get container host: %w", err))
	}

	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		return nil, "", "", terminate(ctx, container, fmt.Errorf("failed to get container port: %w", err))
	}

	return container, host, mapped.Port(), nil
}

func terminate(ctx context.Context, c testcontainers.Container, err error) error {
	if termErr := c.Terminate(ctx); termErr != nil {
		return fmt.Errorf("%w (cleanup error: %w)", err, termErr)
	}
	return err
}

// StartRedis starts a redis container and returns its address.
func StartRedis(ctx context.Context) (testcontainers.Container, string, error) {
	container, host, port, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379")
	if err != nil {
		return nil, "", err
	}
	return container, host + ":" + port, nil
}

// StartMosquitto starts an MQTT broker accepting anonymous clients and
// returns its tcp:// URL.
func StartMosquitto(ctx context.Context) (testcontainers.Container, string, error) {
	container, host, port, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
	}, "1883")
	if err != nil {
		return nil, "", err
	}
	return container, "tcp://" + host + ":" + port, nil
}
