// Package respond keeps the printer firmware convinced that its own
// camera daemon is still alive. While anyone is watching the H.264
// path, two impersonation loops run: one on the vendor's MQTT broker
// answering video commands with the daemon's own report format, and
// one on the local JSON-RPC port answering the firmware's stream
// requests. Without them the firmware notices the daemon is gone and
// tears the slicer's stream down after a few seconds.
package respond

import (
	"context"
	"sync"

	"github.com/camforge/gkcam-bridge/internal/logger"
	"github.com/camforge/gkcam-bridge/internal/metrics"
)

// Supervisor owns both responders and runs them only while clients
// are attached. Start and Stop map onto the streaming server's
// first-client and last-client edges.
type Supervisor struct {
	cloud *CloudResponder
	rpc   *RPCResponder
	met   *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func NewSupervisor(cloud *CloudResponder, rpc *RPCResponder, met *metrics.Metrics) *Supervisor {
	return &Supervisor{cloud: cloud, rpc: rpc, met: met}
}

// Start launches both responder loops. Calling it while they already
// run does nothing.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.cloud.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.rpc.Run(ctx)
	}()

	s.cancel = cancel
	s.wg = wg
	s.met.RespondersActive.Store(1)
	logger.Info("RESPOND", "impersonation responders started")
}

// Stop cancels both loops and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, wg := s.cancel, s.wg
	s.cancel, s.wg = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	wg.Wait()
	s.met.RespondersActive.Store(0)
	logger.Info("RESPOND", "impersonation responders stopped")
}

// Running reports whether the responders are currently up.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
