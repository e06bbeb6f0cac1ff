package inference

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/segforge/segcore/internal/domain"
)

const progressTopic = "segmentation.progress"

// KafkaProgressSource consumes the ML service's progress-stream topic and
// fans records out to per-request subscribers (spec.md's domain-stack
// wiring for InferenceClient). Used only when KAFKA_BROKERS is set; the
// client falls back to HTTP polling otherwise.
type KafkaProgressSource struct {
	client *kgo.Client

	mu   sync.Mutex
	subs map[string][]chan domain.InferenceProgress
}

type progressRecord struct {
	RequestID string `json:"requestId"`
	Stage     string `json:"stage"`
	Progress  int    `json:"progress"`
}

// NewKafkaProgressSource connects to brokers and starts consuming
// progressTopic in the background. Call Close when done.
func NewKafkaProgressSource(brokers []string, groupID string) (*KafkaProgressSource, error) {
	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(progressTopic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
	)
	if err != nil {
		return nil, err
	}

	s := &KafkaProgressSource{client: client, subs: map[string][]chan domain.InferenceProgress{}}
	go s.run()
	return s, nil
}

func (s *KafkaProgressSource) run() {
	ctx := context.Background()
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(_ string, _ int32, err error) {
			slog.Warn("inference progress stream fetch error", slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			var pr progressRecord
			if err := json.Unmarshal(rec.Value, &pr); err != nil {
				slog.Warn("inference progress stream decode error", slog.Any("error", err))
				return
			}
			s.dispatch(pr)
		})
	}
}

func (s *KafkaProgressSource) dispatch(pr progressRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[pr.RequestID] {
		select {
		case ch <- domain.InferenceProgress{Stage: domain.ProgressStage(pr.Stage), Progress: pr.Progress}:
		default:
		}
	}
}

// Subscribe registers a channel that receives progress events for requestID
// until the returned unsubscribe func is called, which also closes the
// channel. ctx is not watched; cancelling it does not unsubscribe.
func (s *KafkaProgressSource) Subscribe(ctx context.Context, requestID string) (<-chan domain.InferenceProgress, func()) {
	ch := make(chan domain.InferenceProgress, 16)
	s.mu.Lock()
	s.subs[requestID] = append(s.subs[requestID], ch)
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[requestID]
		for i, c := range list {
			if c == ch {
				s.subs[requestID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.subs[requestID]) == 0 {
			delete(s.subs, requestID)
		}
		close(ch)
	}
	return ch, unsubscribe
}

// Close stops the consumer.
func (s *KafkaProgressSource) Close() error {
	s.client.Close()
	return nil
}
