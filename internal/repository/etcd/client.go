// Package etcd provides etcd client functionality for distributed coordination.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/config"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

// Client wraps an etcd client with leader election for the planner loop.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(30))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		logger:  logger,
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// =============================================================================
// Key-Value Operations
// =============================================================================

// Put stores a value in etcd.
func (c *Client) Put(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	_, err = c.client.Put(ctx, key, string(data))
	if err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}

	return nil
}

// Get retrieves a value from etcd.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get key: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return ErrKeyNotFound
	}

	return json.Unmarshal(resp.Kvs[0].Value, dest)
}

// Delete removes a key from etcd.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.Delete(ctx, key)
	return err
}

// =============================================================================
// Analysis Run Bookkeeping
// =============================================================================

// RunRecord is the last-run marker the planner leader writes after each pass.
type RunRecord struct {
	PlanID     string    `json:"plan_id"`
	NodesFreed int       `json:"nodes_freed"`
	FinishedAt time.Time `json:"finished_at"`
}

// RecordLastRun stores the marker of the most recent analysis pass.
func (c *Client) RecordLastRun(ctx context.Context, rec RunRecord) error {
	return c.Put(ctx, "/virtpack/planner/last-run", rec)
}

// GetLastRun retrieves the marker of the most recent analysis pass.
func (c *Client) GetLastRun(ctx context.Context) (*RunRecord, error) {
	var rec RunRecord
	if err := c.Get(ctx, "/virtpack/planner/last-run", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// =============================================================================
// Leader Election
// =============================================================================

// Leader represents a leader election participant.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	isLeader bool
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// CampaignForLeader starts a leader election campaign.
func (c *Client) CampaignForLeader(ctx context.Context, name string, callback LeaderCallback) (*Leader, error) {
	election := concurrency.NewElection(c.session, fmt.Sprintf("/leaders/%s", name))

	leader := &Leader{
		election: election,
		client:   c,
		name:     name,
		isLeader: false,
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := election.Campaign(ctx, fmt.Sprintf("%d", c.session.Lease())); err != nil {
					if ctx.Err() != nil {
						return
					}
					c.logger.Warn("Leader campaign failed, retrying", zap.Error(err))
					time.Sleep(5 * time.Second)
					continue
				}

				leader.isLeader = true
				c.logger.Info("Became leader", zap.String("name", name))
				if callback != nil {
					callback(true)
				}

				// Wait until we lose leadership
				select {
				case <-ctx.Done():
					return
				case <-c.session.Done():
					leader.isLeader = false
					c.logger.Info("Lost leadership", zap.String("name", name))
					if callback != nil {
						callback(false)
					}
					return
				}
			}
		}
	}()

	return leader, nil
}

// IsLeader returns true if this instance is currently the leader.
func (l *Leader) IsLeader() bool {
	return l.isLeader
}

// Resign resigns from leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if l.election == nil || !l.isLeader {
		return nil
	}

	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}

	l.isLeader = false
	l.client.logger.Info("Resigned from leadership", zap.String("name", l.name))
	return nil
}

// GetLeader returns the current leader's value.
func (c *Client) GetLeader(ctx context.Context, name string) (string, error) {
	election := concurrency.NewElection(c.session, fmt.Sprintf("/leaders/%s", name))

	resp, err := election.Leader(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get leader: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return "", ErrKeyNotFound
	}

	return string(resp.Kvs[0].Value), nil
}
