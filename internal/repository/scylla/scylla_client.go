package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"charity-auth-service/internal/config"
	"charity-auth-service/internal/util"
)

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if err == gocql.ErrNotFound {
				return err
			}
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
