package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/policyhub/core/infra/schema"
	"github.com/cordum/policyhub/core/policy"
	"github.com/redis/go-redis/v9"
)

// commandConn records the command names written on one connection.
type commandConn struct {
	net.Conn
	mu      sync.Mutex
	pending []byte
	cmds    []string
}

func (c *commandConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.pending = append(c.pending, p...)
	for {
		name, n, ok := parseRESPCommand(c.pending)
		if !ok {
			break
		}
		c.cmds = append(c.cmds, name)
		c.pending = c.pending[n:]
	}
	c.mu.Unlock()
	return c.Conn.Write(p)
}

func (c *commandConn) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cmds...)
}

func parseRESPCommand(buf []byte) (string, int, bool) {
	if len(buf) == 0 || buf[0] != '*' {
		return "", 0, false
	}
	line, pos, ok := respLine(buf, 1)
	if !ok {
		return "", 0, false
	}
	count, err := strconv.Atoi(line)
	if err != nil {
		return "", 0, false
	}
	name := ""
	for i := 0; i < count; i++ {
		if pos >= len(buf) || buf[pos] != '$' {
			return "", 0, false
		}
		line, next, ok := respLine(buf, pos+1)
		if !ok {
			return "", 0, false
		}
		size, err := strconv.Atoi(line)
		if err != nil || next+size+2 > len(buf) {
			return "", 0, false
		}
		if i == 0 {
			name = strings.ToUpper(string(buf[next : next+size]))
		}
		pos = next + size + 2
	}
	return name, pos, true
}

func respLine(buf []byte, from int) (string, int, bool) {
	idx := bytes.Index(buf[from:], []byte("\r\n"))
	if idx < 0 {
		return "", 0, false
	}
	return string(buf[from : from+idx]), from + idx + 2, true
}

func TestStoreWaitsOnTheWritingConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	var mu sync.Mutex
	var conns []*commandConn
	client := redis.NewClient(&redis.Options{
		Addr:     mr.Addr(),
		PoolSize: 4,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			raw, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			c := &commandConn{Conn: raw}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			return c, nil
		},
	})
	t.Cleanup(func() { _ = client.Close() })

	reg := schema.NewRegistryWithClient(client)
	id, body := policy.Mapping()
	mgr := NewIndexManager(client, reg, testIndex, MappingSpec{ID: id, Schema: body, Version: policy.CurrentSchemaVersion})
	if ack, err := mgr.Ensure(context.Background()); err != nil || !ack.Acknowledged {
		t.Fatalf("ensure index: ack=%+v err=%v", ack, err)
	}
	store := New(client, Options{Index: testIndex, Validator: reg, WaitReplicas: 1, ReplicaWaitTimeout: 5 * time.Millisecond})

	const writers = 8
	body = storedBody(t, "wait")
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := createReq(fmt.Sprintf("p%d", i), body)
			req.Refresh = policy.RefreshNone
			res, err := store.Put(context.Background(), req)
			if err == nil && res.Shards.Total != 2 {
				err = errors.New("replicas not counted")
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	waits := 0
	for _, c := range conns {
		cmds := c.commands()
		for i, name := range cmds {
			if name != "WAIT" {
				continue
			}
			waits++
			if i == 0 || cmds[i-1] != "EXEC" {
				t.Fatalf("WAIT not issued right after EXEC on its connection: %v", cmds)
			}
		}
	}
	if waits != writers {
		t.Fatalf("expected %d WAITs, got %d", writers, waits)
	}
}

type fakeWaiter struct {
	acked int64
	err   error
}

func (f fakeWaiter) Wait(ctx context.Context, _ int, _ time.Duration) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "wait")
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(f.acked)
	}
	return cmd
}

func TestAwaitReplicasAccounting(t *testing.T) {
	ctx := context.Background()
	none := New(nil, Options{})
	if got := none.awaitReplicas(ctx, fakeWaiter{err: errors.New("unused")}); got != (policy.Shards{Total: 1, Successful: 1}) {
		t.Fatalf("no replicas configured: %+v", got)
	}

	s := New(nil, Options{WaitReplicas: 2})
	if got := s.awaitReplicas(ctx, fakeWaiter{acked: 2}); got != (policy.Shards{Total: 3, Successful: 3}) {
		t.Fatalf("all acked: %+v", got)
	}
	if got := s.awaitReplicas(ctx, fakeWaiter{acked: 5}); got != (policy.Shards{Total: 3, Successful: 3}) {
		t.Fatalf("extra acks must be clamped: %+v", got)
	}
	if got := s.awaitReplicas(ctx, fakeWaiter{err: errors.New("timeout")}); got != (policy.Shards{Total: 3, Successful: 1, Failed: 2}) {
		t.Fatalf("failed wait counts only the primary: %+v", got)
	}
}

// replicaAckHook answers WAIT as if acked replicas confirmed the write.
type replicaAckHook struct {
	acked int64
}

func (replicaAckHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h replicaAckHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if wait, ok := cmd.(*redis.IntCmd); ok && cmd.Name() == "wait" {
			wait.SetVal(h.acked)
			return nil
		}
		return next(ctx, cmd)
	}
}

func (replicaAckHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestStoreCountsReplicasWithoutRefresh(t *testing.T) {
	store, _, mr := newTestStore(t, Options{WaitReplicas: 2})
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client.AddHook(replicaAckHook{acked: 2})
	t.Cleanup(func() { _ = client.Close() })
	store.client = client

	for _, refresh := range []policy.Refresh{policy.RefreshNone, policy.RefreshWaitFor, policy.RefreshImmediate} {
		req := createReq("p-"+string(refresh), storedBody(t, "acked"))
		req.Refresh = refresh
		res, err := store.Put(context.Background(), req)
		if err != nil {
			t.Fatalf("put refresh=%s: %v", refresh, err)
		}
		if res.Shards != (policy.Shards{Total: 3, Successful: 3}) {
			t.Fatalf("refresh=%s: unexpected shards %+v", refresh, res.Shards)
		}
	}
}
