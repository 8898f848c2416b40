// Package etcdcluster manages a docker-compose based etcd cluster for the
// election integration tests.
package etcdcluster

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/coreos/etcd/clientv3"
	"golang.org/x/net/context"
)

const (
	defaultSize        = 3
	defaultBasePort    = 2370
	defaultComposeFile = "docker-compose.yml"

	composeTimeout = 30 * time.Second
)

// Options configures the cluster. The zero value matches the checked-in
// compose file: three nodes named etcd0..etcd2 with client ports mapped
// to 2370..2372 on the host.
type Options struct {
	// Size is the number of etcd nodes.
	Size int

	// BasePort is the host client port of node 0; node i uses BasePort+i.
	BasePort int

	// ComposeFile is the docker-compose file describing the nodes.
	ComposeFile string
}

func (o Options) withDefaults() Options {
	if o.Size == 0 {
		o.Size = defaultSize
	}
	if o.BasePort == 0 {
		o.BasePort = defaultBasePort
	}
	if o.ComposeFile == "" {
		o.ComposeFile = defaultComposeFile
	}
	return o
}

// Cluster is a handle on a docker-compose etcd cluster. Start brings the
// containers up; the cluster is only usable once WaitReady returns.
type Cluster struct {
	opts Options

	mu     sync.Mutex
	client *clientv3.Client
}

// New creates a new unstarted cluster based on opts.
func New(opts Options) (*Cluster, error) {
	opts = opts.withDefaults()
	if opts.Size < 1 {
		return nil, fmt.Errorf("invalid cluster size %d", opts.Size)
	}

	return &Cluster{opts: opts}, nil
}

// Endpoints returns the host-side client endpoints of all nodes.
func (c *Cluster) Endpoints() []string {
	epts := make([]string, c.opts.Size)
	for i := range epts {
		epts[i] = fmt.Sprintf("127.0.0.1:%d", c.opts.BasePort+i)
	}
	return epts
}

// Start spins up the underlying docker containers. The etcd cluster is
// not necessarily ready to serve when Start returns; use WaitReady.
func (c *Cluster) Start() error {
	return c.compose("up", "-d")
}

// Stop gracefully terminates (SIGTERM) the given node.
func (c *Cluster) Stop(node int) error {
	return c.compose("kill", "-s", "SIGTERM", c.containerName(node))
}

// HardStop kills the given node without graceful shutdown.
func (c *Cluster) HardStop(node int) error {
	return c.compose("kill", c.containerName(node))
}

// KillLeader takes down the node that is currently the raft leader. When
// graceful is true the node is stopped with SIGTERM, giving it a chance
// to transfer raft leadership before exiting.
func (c *Cluster) KillLeader(graceful bool) error {
	node, err := c.leaderNode()
	if err != nil {
		return err
	}

	if graceful {
		return c.Stop(node)
	}
	return c.HardStop(node)
}

// Shutdown tears the cluster down and deletes its volumes.
func (c *Cluster) Shutdown() error {
	c.mu.Lock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.mu.Unlock()

	return c.compose("down", "-v")
}

// Client returns a shared client connected to the whole cluster.
func (c *Cluster) Client() (*clientv3.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   c.Endpoints(),
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		c.client = cli
	}

	return c.client, nil
}

// WaitReady blocks until every node serves linearizable reads, returning
// an error if any node is still unhealthy after timeout.
func (c *Cluster) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for i, ept := range c.Endpoints() {
		if err := waitEndpoint(ept, time.Until(deadline)); err != nil {
			return fmt.Errorf("node %d: %v", i, err)
		}
	}

	return nil
}

func (c *Cluster) containerName(node int) string {
	// must match the service names in the compose file
	return fmt.Sprintf("etcd%d", node)
}

func (c *Cluster) compose(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), composeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker-compose", append([]string{"-f", c.opts.ComposeFile}, args...)...)
	_, err := cmd.Output() // Output populates err.Stderr on failure
	return err
}

// leaderNode asks each member for its status until one reports itself as
// the raft leader.
func (c *Cluster) leaderNode() (int, error) {
	cli, err := c.Client()
	if err != nil {
		return 0, err
	}

	for i, ept := range c.Endpoints() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		status, err := cli.Status(ctx, ept)
		cancel()
		if err != nil {
			return 0, err
		}

		if status.Header.MemberId == status.Leader {
			return i, nil
		}
	}

	return 0, fmt.Errorf("no node reports itself as leader")
}

func waitEndpoint(endpoint string, timeout time.Duration) error {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return err
	}
	defer cli.Close()

	deadline := time.Now().Add(timeout)
	for {
		// a quorum read of any key proves the node is serving
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := cli.Get(ctx, "health")
		cancel()
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("endpoint %s not healthy within %s: %v", endpoint, timeout, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
