package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	segkafka "github.com/segmentio/kafka-go"
)

type dialFunc func(ctx context.Context, network, address string) (io.Closer, error)

// CheckConnectivity dials brokers in order until one answers. Startup uses
// it as a reachability check; a failure is reported, not fatal.
func CheckConnectivity(ctx context.Context, brokers []string) error {
	return checkConnectivity(ctx, brokers, defaultDialer())
}

func checkConnectivity(ctx context.Context, brokers []string, dial dialFunc) error {
	if len(brokers) == 0 {
		return errors.New("no brokers configured")
	}
	var lastErr error
	for _, broker := range brokers {
		conn, err := dial(ctx, "tcp", broker)
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", broker, err)
			continue
		}
		return conn.Close()
	}
	return lastErr
}

func defaultDialer() dialFunc {
	dialer := &segkafka.Dialer{Timeout: 2 * time.Second}
	return func(ctx context.Context, network, address string) (io.Closer, error) {
		return dialer.DialContext(ctx, network, address)
	}
}
