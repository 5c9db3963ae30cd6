package etcd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mcp_gateway/backend/go/internal/config"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// kv is the part of the etcd client the discovery needs.
type kv interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Close() error
}

// ServiceDiscovery registers the gateway and resolves its upstream through etcd.
// Services live under "/<service>/<addr>" with the address as value.
type ServiceDiscovery struct {
	cli kv
}

// NewServiceDiscovery creates a new ServiceDiscovery.
func NewServiceDiscovery(cfg config.EtcdConfig) (*ServiceDiscovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &ServiceDiscovery{cli: cli}, nil
}

func serviceKey(serviceName, addr string) string {
	return "/" + serviceName + "/" + addr
}

// Register publishes addr under serviceName with a lease of ttl seconds and
// keeps the lease alive. Closing the returned channel removes the entry.
func (s *ServiceDiscovery) Register(ctx context.Context, serviceName, addr string, ttl int64) (chan<- struct{}, error) {
	leaseResp, err := s.cli.Grant(ctx, ttl)
	if err != nil {
		return nil, err
	}

	if _, err = s.cli.Put(ctx, serviceKey(serviceName, addr), addr, clientv3.WithLease(leaseResp.ID)); err != nil {
		return nil, err
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := s.cli.KeepAlive(keepAliveCtx, leaseResp.ID)
	if err != nil {
		cancel()
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		defer cancel()
		for {
			select {
			case <-stop:
				s.revoke(serviceName, addr)
				return
			case _, ok := <-keepAliveCh:
				if !ok {
					// Lease expired or was revoked.
					s.revoke(serviceName, addr)
					return
				}
			}
		}
	}()

	return stop, nil
}

// revoke removes the entry without waiting for the lease to expire.
func (s *ServiceDiscovery) revoke(serviceName, addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.cli.Delete(ctx, serviceKey(serviceName, addr))
}

// Discover lists the registered addresses of serviceName in key order.
func (s *ServiceDiscovery) Discover(ctx context.Context, serviceName string) ([]string, error) {
	resp, err := s.cli.Get(ctx, "/"+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, ev := range resp.Kvs {
		addrs = append(addrs, string(ev.Value))
	}
	sort.Strings(addrs)
	return addrs, nil
}

// Resolve returns one address of serviceName. It satisfies mcp_host.Resolver.
func (s *ServiceDiscovery) Resolve(ctx context.Context, serviceName string) (string, error) {
	addrs, err := s.Discover(ctx, serviceName)
	if err != nil {
		return "", fmt.Errorf("failed to discover '%s': %w", serviceName, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no instance of '%s' is registered", serviceName)
	}
	return addrs[0], nil
}

// Close closes the etcd client.
func (s *ServiceDiscovery) Close() error {
	return s.cli.Close()
}
