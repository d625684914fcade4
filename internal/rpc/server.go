package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/emberworks/cinder/internal/active"
	"github.com/emberworks/cinder/internal/debug"
	"github.com/emberworks/cinder/internal/janitor"
	"github.com/emberworks/cinder/internal/queue"
	"github.com/emberworks/cinder/internal/semaphore"
)

// maxRequestBytes bounds one request line; job payloads are opaque blobs but
// they still have to fit a store value, so this is generous.
const maxRequestBytes = 4 << 20

// defaultRequestTimeout bounds server-side work per request.
const defaultRequestTimeout = 30 * time.Second

// Server dispatches requests to the queue engine.
type Server struct {
	queue   *queue.Queue
	active  *active.Tracker
	janitor *janitor.Janitor
	sem     *semaphore.Semaphore

	version   string
	startedAt time.Time

	handlers map[string]func(ctx context.Context, args json.RawMessage) (interface{}, error)

	mu           sync.Mutex
	listener     net.Listener
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	metrics *serverMetrics
}

// NewServer wires the engine components behind the op table.
func NewServer(q *queue.Queue, a *active.Tracker, j *janitor.Janitor, sem *semaphore.Semaphore, version string) *Server {
	s := &Server{
		queue:        q,
		active:       a,
		janitor:      j,
		sem:          sem,
		version:      version,
		startedAt:    time.Now(),
		shutdownChan: make(chan struct{}),
		metrics:      newServerMetrics(),
	}
	s.handlers = s.buildHandlers()
	return s
}

// Serve accepts connections on ln until Shutdown. Each connection carries a
// sequence of newline-delimited request/response pairs.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdownChan:
				s.wg.Wait()
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener and stops connection handlers from taking
// new requests; Serve returns once in-flight requests have finished.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	})
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// Unblock an idle read at shutdown so Serve does not wait on clients
	// that keep their connection open.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdownChan:
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxRequestBytes)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		select {
		case <-s.shutdownChan:
			return
		default:
		}

		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.writeResponse(writer, Response{Success: false, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		s.writeResponse(writer, s.dispatch(&req))
	}
}

func (s *Server) writeResponse(w *bufio.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"success":false,"error":"response encoding failed"}`)
	}
	w.Write(data)
	w.WriteByte('\n')
	w.Flush()
}

func (s *Server) dispatch(req *Request) Response {
	handler, ok := s.handlers[req.Operation]
	if !ok {
		return Response{Success: false, Error: fmt.Sprintf("unknown operation %q", req.Operation)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	start := time.Now()
	result, err := handler(ctx, req.Args)
	s.metrics.record(ctx, req.Operation, time.Since(start), err)

	if err != nil {
		debug.Logf("rpc: %s (%s): %v\n", req.Operation, req.RequestID, err)
		return Response{Success: false, Error: err.Error()}
	}

	var data json.RawMessage
	if result != nil {
		data, err = json.Marshal(result)
		if err != nil {
			return Response{Success: false, Error: fmt.Sprintf("encoding %s result: %v", req.Operation, err)}
		}
	}
	return Response{Success: true, Data: data}
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 {
		return args, fmt.Errorf("missing args")
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("decoding args: %w", err)
	}
	return args, nil
}

func (s *Server) buildHandlers() map[string]func(ctx context.Context, args json.RawMessage) (interface{}, error) {
	h := map[string]func(ctx context.Context, args json.RawMessage) (interface{}, error){}

	h[OpPing] = func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return nil, nil
	}

	h[OpStatus] = func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return StatusResult{
			Version:       s.version,
			UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
			PID:           os.Getpid(),
		}, nil
	}

	h[OpShutdown] = func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		go s.Shutdown()
		return nil, nil
	}

	h[OpPush] = func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[PushArgs](raw)
		if err != nil {
			return nil, err
		}
		job := args.Job
		if err := s.queue.Push(&job, time.Duration(args.TimeoutMs)*time.Millisecond); err != nil {
			return nil, err
		}
		return nil, nil
	}

	h[OpPop] = func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[PopArgs](raw)
		if err != nil {
			return nil, err
		}
		claimed, err := s.queue.Pop(ctx, args.TeamID, args.WorkerID, args.BlockedCrawlIDs)
		if err != nil {
			return nil, err
		}
		return PopResult{Job: claimed}, nil
	}

	h[OpComplete] = func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[CompleteArgs](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.queue.Complete(args.QueueKey)
	}

	h[OpRelease] = func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[ReleaseArgs](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.queue.Release(args.JobID)
	}

	h[OpCancelCrawl] = func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[CancelCrawlArgs](raw)
		if err != nil {
			return nil, err
		}
		removed, err := s.queue.CancelCrawl(ctx, args.CrawlID)
		if err != nil {
			return nil, err
		}
		return CleanupResult{Removed: removed}, nil
	}

	h[OpQueueCountTeam] = s.countHandler(func(id string) (int64, error) { return s.queue.TeamCount(id) })
	h[OpQueueCountCrawl] = s.countHandler(func(id string) (int64, error) { return s.queue.CrawlCount(id) })
	h[OpActiveCountTeam] = s.countHandler(func(id string) (int64, error) { return s.active.Count(active.ScopeTeam, id) })
	h[OpActiveCountCrawl] = s.countHandler(func(id string) (int64, error) { return s.active.Count(active.ScopeCrawl, id) })

	h[OpActivePushTeam] = s.activePushHandler(active.ScopeTeam)
	h[OpActivePushCrawl] = s.activePushHandler(active.ScopeCrawl)
	h[OpActiveRemoveTeam] = s.activeRemoveHandler(active.ScopeTeam)
	h[OpActiveRemoveCrawl] = s.activeRemoveHandler(active.ScopeCrawl)
	h[OpActiveListTeam] = s.activeListHandler(active.ScopeTeam)
	h[OpActiveListCrawl] = s.activeListHandler(active.ScopeCrawl)

	h[OpCleanupExpiredJobs] = s.cleanupHandler(s.janitor.SweepExpiredJobs)
	h[OpCleanupExpiredActive] = s.cleanupHandler(s.janitor.SweepExpiredActive)
	h[OpCleanupOrphanedClaims] = s.cleanupHandler(s.janitor.SweepOrphanClaims)
	h[OpCleanupStaleCounters] = s.cleanupHandler(s.janitor.SweepStaleCounters)

	h[OpReconcileTeamQueue] = s.reconcileHandler(s.queue.ReconcileTeamQueue)
	h[OpReconcileCrawlQueue] = s.reconcileHandler(s.queue.ReconcileCrawlQueue)
	h[OpReconcileTeamActive] = s.reconcileHandler(func(id string) (int64, error) { return s.active.Reconcile(active.ScopeTeam, id) })
	h[OpReconcileCrawlActive] = s.reconcileHandler(func(id string) (int64, error) { return s.active.Reconcile(active.ScopeCrawl, id) })

	h[OpSemAcquire] = func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[SemAcquireArgs](raw)
		if err != nil {
			return nil, err
		}
		acq, err := s.sem.TryAcquire(ctx, args.TeamID, args.HolderID, args.Limit, time.Duration(args.TTLMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return SemAcquireResult{Granted: acq.Granted, Count: acq.Count, Removed: acq.Removed}, nil
	}

	h[OpSemHeartbeat] = func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[SemHeartbeatArgs](raw)
		if err != nil {
			return nil, err
		}
		ok, err := s.sem.Heartbeat(ctx, args.TeamID, args.HolderID, time.Duration(args.TTLMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return SemHeartbeatResult{OK: ok}, nil
	}

	h[OpSemRelease] = func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[SemReleaseArgs](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.sem.Release(ctx, args.TeamID, args.HolderID)
	}

	return h
}

func (s *Server) countHandler(count func(id string) (int64, error)) func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[ScopeArgs](raw)
		if err != nil {
			return nil, err
		}
		n, err := count(args.ScopeID)
		if err != nil {
			return nil, err
		}
		return CountResult{Count: n}, nil
	}
}

func (s *Server) activePushHandler(scope active.Scope) func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[ActiveArgs](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.active.Push(scope, args.ScopeID, args.JobID, time.Duration(args.TTLMs)*time.Millisecond)
	}
}

func (s *Server) activeRemoveHandler(scope active.Scope) func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[ActiveArgs](raw)
		if err != nil {
			return nil, err
		}
		removed, err := s.active.Remove(scope, args.ScopeID, args.JobID)
		if err != nil {
			return nil, err
		}
		return ActiveRemoveResult{Removed: removed}, nil
	}
}

func (s *Server) activeListHandler(scope active.Scope) func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[ScopeArgs](raw)
		if err != nil {
			return nil, err
		}
		jobs, err := s.active.List(scope, args.ScopeID)
		if err != nil {
			return nil, err
		}
		return ActiveListResult{JobIDs: jobs}, nil
	}
}

func (s *Server) cleanupHandler(sweep func() (int, error)) func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		removed, err := sweep()
		if err != nil {
			return nil, err
		}
		return CleanupResult{Removed: removed}, nil
	}
}

func (s *Server) reconcileHandler(reconcile func(id string) (int64, error)) func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		args, err := decodeArgs[ScopeArgs](raw)
		if err != nil {
			return nil, err
		}
		delta, err := reconcile(args.ScopeID)
		if err != nil {
			return nil, err
		}
		return ReconcileResult{Delta: delta}, nil
	}
}
