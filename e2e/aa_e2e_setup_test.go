//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	lifecyclekafka "github.com/hugolhafner/go-filesink/lifecycle/kafka"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

const consumeWait = 30 * time.Second

// ensureBroker returns the seed brokers from FILESINK_E2E_BROKERS and skips
// the test when none are configured.
func ensureBroker(t *testing.T) []string {
	t.Helper()

	v := os.Getenv("FILESINK_E2E_BROKERS")
	if v == "" {
		t.Skip("FILESINK_E2E_BROKERS not set")
	}
	return strings.Split(v, ",")
}

func testTopicName(suffix string) string {
	return fmt.Sprintf("filesink-e2e-%s-%d", suffix, time.Now().UnixNano())
}

type keyedEvent struct {
	Key   string
	Event lifecyclekafka.Event
}

// consumeEvents reads want lifecycle events from the start of topic.
func consumeEvents(t *testing.T, brokers []string, topic string, want int) []keyedEvent {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), consumeWait)
	defer cancel()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer client.Close()

	var out []keyedEvent
	for len(out) < want {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			t.Fatalf("timed out after %d of %d events", len(out), want)
		}
		for _, fe := range fetches.Errors() {
			t.Logf("fetch error on %s/%d: %v", fe.Topic, fe.Partition, fe.Err)
		}

		fetches.EachRecord(
			func(r *kgo.Record) {
				var e lifecyclekafka.Event
				require.NoError(t, json.Unmarshal(r.Value, &e))
				out = append(out, keyedEvent{Key: string(r.Key), Event: e})
			},
		)
	}
	return out
}
