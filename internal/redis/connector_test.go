package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MrSnakeDoc/minienv/internal/logger"
)

func TestConnectOptionsValidate(t *testing.T) {
	valid := ConnectOptions{
		Addr:           "localhost:6379",
		ConnectTimeout: time.Second,
		RetryInterval:  time.Millisecond,
		MaxWait:        time.Second,
		PingTimeout:    time.Second,
	}
	if err := valid.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ConnectOptions)
		want   string
	}{
		{"no addr", func(o *ConnectOptions) { o.Addr = "" }, "address"},
		{"no connect timeout", func(o *ConnectOptions) { o.ConnectTimeout = 0 }, "ConnectTimeout"},
		{"no retry interval", func(o *ConnectOptions) { o.RetryInterval = 0 }, "RetryInterval"},
		{"no max wait", func(o *ConnectOptions) { o.MaxWait = -1 }, "MaxWait"},
		{"no ping timeout", func(o *ConnectOptions) { o.PingTimeout = 0 }, "PingTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			err := opts.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNewGivesUpWhenUnreachable(t *testing.T) {
	opts := ConnectOptions{
		Addr:           "127.0.0.1:1",
		DialTimeout:    50 * time.Millisecond,
		ConnectTimeout: 150 * time.Millisecond,
		RetryInterval:  10 * time.Millisecond,
		MaxWait:        20 * time.Millisecond,
		PingTimeout:    50 * time.Millisecond,
	}
	client, err := New(context.Background(), opts, logger.Nop())
	if err == nil {
		t.Fatal("New() expected error for unreachable redis")
	}
	if client != nil {
		t.Error("New() returned a client on failure")
	}
}
