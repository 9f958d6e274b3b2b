package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"dps-allocation-webhook/queues"
	"dps-allocation-webhook/wire"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial error: %#v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("client error: %#v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

type args struct {
	res *queues.AllocationResult
}

type test struct {
	name    string
	setup   func() *Publisher
	args    args
	wantErr bool
}

func TestPublisher_PublishResult(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	ctx := context.Background()
	client, srv := newTestClient(t)

	tests := []test{
		{
			name: "success",
			setup: func() *Publisher {
				topic, err := client.CreateTopic(ctx, "decisions")
				if err != nil {
					t.Fatalf("create topic: %#v", err)
				}
				return &Publisher{projectID: "test-project", resultTopic: "decisions", client: client, topic: topic}
			},
			args:    args{res: queues.NewSuccess("r1", queues.SourceWebhook, &wire.Response{IoTHubHostName: "hubA"})},
			wantErr: false,
		},
		{
			name: "missing topic error",
			setup: func() *Publisher {
				topic := client.Topic("missing-topic")
				return &Publisher{projectID: "test-project", resultTopic: "missing-topic", client: client, topic: topic}
			},
			args:    args{res: queues.NewFailure("r2", queues.SourcePubSub, "bad body")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.setup()
			err := p.PublishResult(ctx, tt.args.res)
			gotErr := (err != nil)
			if gotErr != tt.wantErr {
				t.Errorf("PublishResult() error mismatch\ngotErr: %#v\nwantErr: %#v\nerr: %#v", gotErr, tt.wantErr, err)
			}
		})
	}

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got queues.AllocationResult
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, queues.StatusSuccess, got.Status)
	assert.Equal(t, "hubA", got.Response.IoTHubHostName)
	assert.Equal(t, "webhook", msgs[0].Attributes["source"])
}

func TestSubscriber_Start(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	client, _ := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "requests")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "requests-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	body := `{"requestId":"req-1","body":{"linkedHubs":["hubA"]}}`
	_, err = topic.Publish(ctx, &pubsub.Message{Data: []byte(body)}).Get(ctx)
	require.NoError(t, err)

	s := &Subscriber{projectID: "test-project", subscriptionName: "requests-sub", client: client, sub: client.Subscription("requests-sub")}
	got := make(chan *queues.AllocationRequest, 1)
	err = s.Start(ctx, func(_ context.Context, req *queues.AllocationRequest) error {
		select {
		case got <- req:
		default:
		}
		cancel()
		return nil
	})
	require.NoError(t, err)

	select {
	case req := <-got:
		assert.Equal(t, "req-1", req.RequestID)
		assert.JSONEq(t, `{"linkedHubs":["hubA"]}`, string(req.Body))
	default:
		t.Fatal("handler was not invoked")
	}
}
