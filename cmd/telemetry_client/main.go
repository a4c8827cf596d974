// Command telemetry_client prints the hermes telemetry feed, reconnecting
// when the relay goes away.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/telemetry"
)

var (
	url            = flag.String("url", "ws://localhost:8080/ws/telemetry", "Telemetry feed URL")
	format         = flag.String("format", "json", "Feed encoding (json, proto)")
	reconnectDelay = flag.Duration("reconnect-delay", 3*time.Second, "Pause between connection attempts")
	maxRetry       = flag.Int("max-retry", 10, "Connection attempts before giving up, negative retries forever")
	logLevel       = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()
	logs.Init(logs.ParseLevel(*logLevel), os.Stderr)
	log := logs.Scoped(nil, "telemetry-client")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target := *url
	if *format == "proto" {
		target += "?format=proto"
	}

	for attempt := 1; ; attempt++ {
		err := follow(ctx, target)
		if ctx.Err() != nil {
			return
		}

		log.Warnf("feed lost: %v", err)
		if *maxRetry >= 0 && attempt >= *maxRetry {
			log.Errorf("giving up after %d attempts", attempt)
			os.Exit(1)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(*reconnectDelay):
		}
	}
}

func follow(ctx context.Context, target string) error {
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.CloseNow()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("closed by relay")
			}
			return err
		}

		line, err := render(typ, data)
		if err != nil {
			return err
		}
		fmt.Println(line)
	}
}

func render(typ websocket.MessageType, data []byte) (string, error) {
	if typ == websocket.MessageBinary {
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return "", fmt.Errorf("decoding snapshot: %w", err)
		}
		out, err := json.Marshal(st.AsMap())
		return string(out), err
	}

	var snap telemetry.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return "", fmt.Errorf("decoding snapshot: %w", err)
	}

	return fmt.Sprintf("%s bat=%d%% h=%dcm temp=%.1fC baro=%.0fcm yaw=%d speed=%v accel=%v",
		snap.Time.Format(time.TimeOnly), snap.Battery, snap.Height, snap.Temperature,
		snap.Pressure, snap.YawVelocity, snap.Speed, snap.Acceleration), nil
}
