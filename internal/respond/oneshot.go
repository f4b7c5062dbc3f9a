package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camforge/gkcam-bridge/internal/config"
	"github.com/camforge/gkcam-bridge/internal/logger"
	"github.com/camforge/gkcam-bridge/internal/mqtt"
)

// videoCommand is the shape the slicer uses for its own video
// commands.
type videoCommand struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
	Msgid     string `json:"msgid"`
	Data      any    `json:"data"`
}

// lightCommand is the web frontend's light-control message.
type lightCommand struct {
	Type      string     `json:"type"`
	Action    string     `json:"action"`
	Timestamp int64      `json:"timestamp"`
	Msgid     string     `json:"msgid"`
	Data      lightState `json:"data"`
}

type lightState struct {
	Type       int `json:"type"`
	Status     int `json:"status"`
	Brightness int `json:"brightness"`
}

// StartCapture publishes the slicer's start command once at QoS 1.
// Used to wake the vendor daemon before relaying its stream, and by
// the control CLI.
func StartCapture(ctx context.Context, brokerAddr string, id *config.Identity, dialer mqtt.Dialer) error {
	payload, err := json.Marshal(videoCommand{
		Type:      "video",
		Action:    ActionStart,
		Timestamp: time.Now().UnixMilli(),
		Msgid:     uuid.NewString(),
		Data:      nil,
	})
	if err != nil {
		return err
	}
	return publishOnce(ctx, brokerAddr, id, dialer, WebVideoTopic(id), payload, 5*time.Second)
}

// SetLight switches the printer's camera light on or off.
func SetLight(ctx context.Context, brokerAddr string, id *config.Identity, on bool, dialer mqtt.Dialer) error {
	status := 0
	if on {
		status = 1
	}
	payload, err := json.Marshal(lightCommand{
		Type:      "light",
		Action:    "control",
		Timestamp: time.Now().UnixMilli(),
		Msgid:     uuid.NewString(),
		Data:      lightState{Type: 2, Status: status, Brightness: 100},
	})
	if err != nil {
		return err
	}
	return publishOnce(ctx, brokerAddr, id, dialer, LightTopic(id), payload, 3*time.Second)
}

// publishOnce opens a throwaway connection, publishes one QoS 1
// message and disconnects. A missing PUBACK is tolerated: the broker
// forwards the publish either way, and the stock tooling shrugs it
// off too.
func publishOnce(ctx context.Context, addr string, id *config.Identity, dialer mqtt.Dialer, topic string, payload []byte, ackTimeout time.Duration) error {
	u := uuid.New()
	conn, err := mqtt.Dial(ctx, mqtt.Options{
		Addr:     addr,
		ClientID: fmt.Sprintf("gkctl_%x", u[0:4]),
		Username: id.Username,
		Password: id.Password,
		Timeout:  ackTimeout,
		Dialer:   dialer,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Publish(topic, payload, 1, 1); err != nil {
		if errors.Is(err, mqtt.ErrTimeout) {
			logger.Warn("CLOUD", "no PUBACK for %s, assuming delivered", topic)
			return nil
		}
		return err
	}
	return nil
}
