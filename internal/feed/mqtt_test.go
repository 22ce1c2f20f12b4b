package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

func TestNewMQTT(t *testing.T) {
	tests := []struct {
		name    string
		opts    MQTTOptions
		wantErr bool
	}{
		{"defaults", MQTTOptions{Broker: "tcp://localhost:1883"}, false},
		{"no broker", MQTTOptions{}, true},
		{"bad qos", MQTTOptions{Broker: "tcp://localhost:1883", QoS: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewMQTT(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMQTT() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tr.opts.Topic != defaultMQTTTopic {
				t.Errorf("Topic = %q, want %q", tr.opts.Topic, defaultMQTTTopic)
			}
			if tr.opts.ClientID == "" {
				t.Error("ClientID not generated")
			}
		})
	}
}

func TestClassifyConnectError(t *testing.T) {
	tests := []struct {
		err      error
		wantAuth bool
	}{
		{packets.ErrorRefusedBadUsernameOrPassword, true},
		{packets.ErrorRefusedNotAuthorised, true},
		{packets.ErrorRefusedServerUnavailable, false},
		{errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		err := classifyConnectError(tt.err)
		var authErr *AuthError
		var connErr *ConnectionError
		switch {
		case tt.wantAuth && !errors.As(err, &authErr):
			t.Errorf("classifyConnectError(%v) = %T, want *AuthError", tt.err, err)
		case !tt.wantAuth && !errors.As(err, &connErr):
			t.Errorf("classifyConnectError(%v) = %T, want *ConnectionError", tt.err, err)
		}
	}
}

func TestMQTTConn_CloseUnblocksNext(t *testing.T) {
	tr, err := NewMQTT(MQTTOptions{Broker: "tcp://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewMQTT() error = %v", err)
	}
	conn, err := tr.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.Next()
		done <- err
	}()
	conn.Close()
	conn.Close()
	if err := <-done; err == nil {
		t.Error("Next() after Close returned nil error")
	}
	if err := conn.Ping(); err == nil {
		t.Error("Ping() on an unconnected client should fail")
	}
}
