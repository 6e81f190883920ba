// Package docker starts throwaway service containers for integration tests.
package docker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/ory/dockertest"
)

// Resource is a running container
type Resource struct {
	pool     *dockertest.Pool
	resource *dockertest.Resource
}

// GetHostPort returns host:port for the container's exposed port id, e.g. "5432/tcp"
func (r *Resource) GetHostPort(id string) string {
	return fmt.Sprintf("localhost:%s", r.resource.GetPort(id))
}

// Close removes the container
func (r *Resource) Close() error {
	return r.pool.Purge(r.resource)
}

// StartPostgres starts a postgres container and waits until it accepts connections
func StartPostgres() (*Resource, error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, err
	}
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.Run("postgres", "14", []string{
		"POSTGRES_USER=postgres",
		"POSTGRES_PASSWORD=postgres",
		"POSTGRES_DB=postgres",
	})
	if err != nil {
		return nil, err
	}

	r := &Resource{pool: pool, resource: resource}
	err = pool.Retry(func() error {
		client, err := sql.Open("postgres", fmt.Sprintf("postgres://postgres:postgres@%s/postgres?sslmode=disable", r.GetHostPort("5432/tcp")))
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Ping()
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// StartRedis starts a redis container and waits until it answers pings
func StartRedis() (*Resource, error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, err
	}
	pool.MaxWait = time.Minute

	resource, err := pool.Run("redis", "6", nil)
	if err != nil {
		return nil, err
	}

	r := &Resource{pool: pool, resource: resource}
	err = pool.Retry(func() error {
		client := redis.NewClient(&redis.Options{Addr: r.GetHostPort("6379/tcp")})
		defer client.Close()
		return client.Ping(context.Background()).Err()
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}
