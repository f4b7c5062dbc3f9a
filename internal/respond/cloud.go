package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/camforge/gkcam-bridge/internal/config"
	"github.com/camforge/gkcam-bridge/internal/logger"
	"github.com/camforge/gkcam-bridge/internal/metrics"
	"github.com/camforge/gkcam-bridge/internal/mqtt"
)

// Command actions and the report states the daemon pairs them with.
const (
	ActionStart = "startCapture"
	ActionStop  = "stopCapture"

	stateInit    = "initSuccess"
	stateStopped = "pushStopped"
)

const (
	cloudReconnectDelay = 5 * time.Second
	cloudReadTimeout    = time.Second
	// pingInterval keeps well inside the 60s keepalive sent in CONNECT.
	pingInterval = 30 * time.Second
)

// report mirrors the camera daemon's status report. The firmware and
// slicer parse this loosely, but field order is kept identical to the
// daemon's output so the impersonation is not distinguishable on the
// wire.
type report struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
	Msgid     string `json:"msgid"`
	State     string `json:"state"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	Data      any    `json:"data"`
}

// inbound is the subset of a video command or report we act on.
type inbound struct {
	Action string `json:"action"`
	Msgid  string `json:"msgid"`
}

// CloudResponder impersonates the camera daemon on the vendor broker.
// It answers startCapture/stopCapture commands with the daemon's own
// report format and counters the firmware's spurious stop reports so
// the slicer keeps its stream open.
type CloudResponder struct {
	addr   string
	id     *config.Identity
	dialer mqtt.Dialer // nil means TLS with verification disabled
	dedup  *MsgidDedupSet
	met    *metrics.Metrics

	reconnectDelay time.Duration
	paused         atomic.Bool
}

func NewCloudResponder(brokerAddr string, id *config.Identity, dedup *MsgidDedupSet, met *metrics.Metrics) *CloudResponder {
	return &CloudResponder{
		addr:           brokerAddr,
		id:             id,
		dedup:          dedup,
		met:            met,
		reconnectDelay: cloudReconnectDelay,
	}
}

// Paused reports whether the last command seen was a stop. The stream
// itself keeps flowing either way; this only tracks what the cloud
// side believes.
func (r *CloudResponder) Paused() bool {
	return r.paused.Load()
}

// Run connects and listens until the context ends, reconnecting with a
// fixed delay after any failure.
func (r *CloudResponder) Run(ctx context.Context) {
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.met.CloudErrors.Add(1)
			logger.Warn("CLOUD", "session failed: %v, reconnecting in %s", err, r.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reconnectDelay):
		}
		r.met.CloudReconnects.Add(1)
	}
}

func (r *CloudResponder) session(ctx context.Context) error {
	u := uuid.New()
	clientID := fmt.Sprintf("gkbridge_%x", u[0:4])

	conn, err := mqtt.Dial(ctx, mqtt.Options{
		Addr:     r.addr,
		ClientID: clientID,
		Username: r.id.Username,
		Password: r.id.Password,
		Dialer:   r.dialer,
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("CLOUD", "connected to %s as %s", r.addr, clientID)

	// One subscription per topic, distinct packet ids. SUBACKs are
	// drained and discarded by the listen loop.
	subs := []string{
		WebVideoTopic(r.id),
		SlicerVideoTopic(r.id),
		VideoReportTopic(r.id),
	}
	for i, topic := range subs {
		if err := conn.Subscribe(uint16(i+1), topic); err != nil {
			return err
		}
	}
	logger.Info("CLOUD", "subscribed to video command and report topics (model=%s)", r.id.ModelID)

	lastTraffic := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		pkt, err := conn.ReadPacket(cloudReadTimeout)
		if errors.Is(err, mqtt.ErrTimeout) {
			if time.Since(lastTraffic) >= pingInterval {
				if err := conn.Pingreq(); err != nil {
					return err
				}
				lastTraffic = time.Now()
			}
			continue
		}
		if err != nil {
			return err
		}
		lastTraffic = time.Now()

		if pkt.Type != mqtt.TypePublish {
			continue
		}
		if err := r.handlePublish(conn, pkt); err != nil {
			return err
		}
	}
}

func (r *CloudResponder) handlePublish(conn *mqtt.Conn, pkt *mqtt.Packet) error {
	pub, err := mqtt.ParsePublish(pkt)
	if err != nil {
		logger.Warn("CLOUD", "discarding publish: %v", err)
		return nil
	}
	if pub.QoS == 1 {
		if err := conn.Puback(pub.PacketID); err != nil {
			return err
		}
	}

	var msg inbound
	if err := json.Unmarshal(pub.Payload, &msg); err != nil {
		return nil
	}

	switch {
	case strings.Contains(pub.Topic, "/video/report"):
		// A stop report we did not publish means the real daemon (or
		// what the firmware thinks is the real daemon) is tearing the
		// stream down on its own. Counter it immediately.
		if msg.Action == ActionStop && msg.Msgid != "" && !r.dedup.Seen(msg.Msgid) {
			logger.Info("CLOUD", "firmware reported %s (msgid=%.8s), countering", msg.Action, msg.Msgid)
			r.met.StopsCountered.Add(1)
			return r.publishReport(conn, ActionStart)
		}

	case strings.Contains(pub.Topic, "/video"):
		if msg.Action != ActionStart && msg.Action != ActionStop {
			return nil
		}
		if r.dedup.Seen(msg.Msgid) {
			r.met.DedupSkips.Add(1)
			logger.Debug("CLOUD", "duplicate %s ignored (msgid=%.8s)", msg.Action, msg.Msgid)
			return nil
		}
		r.dedup.Record(msg.Msgid)

		r.paused.Store(msg.Action == ActionStop)
		logger.Info("CLOUD", "%s command received (msgid=%.8s)", msg.Action, msg.Msgid)
		return r.publishReport(conn, msg.Action)
	}
	return nil
}

// publishReport sends the daemon-format status report for an action.
// The report's own msgid is recorded first so the broker echoing it
// back on the report subscription cannot trigger a counter.
func (r *CloudResponder) publishReport(conn *mqtt.Conn, action string) error {
	state := stateInit
	if action == ActionStop {
		state = stateStopped
	}
	msgid := uuid.NewString()
	r.dedup.Record(msgid)

	payload, err := json.Marshal(report{
		Type:      "video",
		Action:    action,
		Timestamp: time.Now().UnixMilli(),
		Msgid:     msgid,
		State:     state,
		Code:      200,
		Msg:       "",
		Data:      nil,
	})
	if err != nil {
		return err
	}
	if err := conn.Publish(VideoReportTopic(r.id), payload, 0, 0); err != nil {
		return err
	}
	r.met.ReportsPublished.Add(1)
	logger.Info("CLOUD", "published %s report (%s)", action, state)
	return nil
}
