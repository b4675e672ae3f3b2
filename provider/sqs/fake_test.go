package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeMessage struct {
	id            string
	body          string
	attrs         map[string]sqstypes.MessageAttributeValue
	sentAt        time.Time
	receiveCount  int
	receiptHandle string
	inFlight      bool
}

// fakeSQS is an in-memory stand-in for the SQS API with visibility semantics
// reduced to in-flight or visible.
type fakeSQS struct {
	mu       sync.Mutex
	queues   map[string][]*fakeMessage
	signal   chan struct{}
	next     int
	failRecv error
	calls    map[string]int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{
		queues: make(map[string][]*fakeMessage),
		signal: make(chan struct{}),
		calls:  make(map[string]int),
	}
}

func (f *fakeSQS) url(name string) string {
	return "https://sqs.local/000000000000/" + name
}

func (f *fakeSQS) wake() {
	close(f.signal)
	f.signal = make(chan struct{})
}

func (f *fakeSQS) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call]
}

func (f *fakeSQS) visible(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.queues[url] {
		if !m.inFlight {
			n++
		}
	}
	return n
}

func (f *fakeSQS) bodies(url string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.queues[url] {
		out = append(out, m.body)
	}
	return out
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *amazonsqs.GetQueueUrlInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetQueueUrl"]++
	name := aws.ToString(in.QueueName)
	if strings.HasPrefix(name, "missing") {
		return nil, errors.New("AWS.SimpleQueueService.NonExistentQueue")
	}
	return &amazonsqs.GetQueueUrlOutput{QueueUrl: aws.String(f.url(name))}, nil
}

func (f *fakeSQS) CreateQueue(_ context.Context, in *amazonsqs.CreateQueueInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateQueue"]++
	return &amazonsqs.CreateQueueOutput{QueueUrl: aws.String(f.url(aws.ToString(in.QueueName)))}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *amazonsqs.SendMessageInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SendMessage"]++
	f.next++
	id := fmt.Sprintf("msg-%d", f.next)
	url := aws.ToString(in.QueueUrl)
	f.queues[url] = append(f.queues[url], &fakeMessage{
		id:     id,
		body:   aws.ToString(in.MessageBody),
		attrs:  in.MessageAttributes,
		sentAt: time.Now(),
	})
	f.wake()
	return &amazonsqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *amazonsqs.ReceiveMessageInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error) {
	deadline := time.After(time.Duration(in.WaitTimeSeconds) * time.Second)
	for {
		f.mu.Lock()
		f.calls["ReceiveMessage"]++
		if f.failRecv != nil {
			err := f.failRecv
			f.mu.Unlock()
			return nil, err
		}
		var out []sqstypes.Message
		for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
			if m.inFlight || len(out) >= int(in.MaxNumberOfMessages) {
				continue
			}
			f.next++
			m.inFlight = true
			m.receiveCount++
			m.receiptHandle = fmt.Sprintf("rh-%d", f.next)
			out = append(out, sqstypes.Message{
				MessageId:         aws.String(m.id),
				ReceiptHandle:     aws.String(m.receiptHandle),
				Body:              aws.String(m.body),
				MessageAttributes: m.attrs,
				Attributes: map[string]string{
					"ApproximateReceiveCount": strconv.Itoa(m.receiveCount),
					"SentTimestamp":           strconv.FormatInt(m.sentAt.UnixMilli(), 10),
				},
			})
		}
		signal := f.signal
		f.mu.Unlock()

		if len(out) > 0 {
			return &amazonsqs.ReceiveMessageOutput{Messages: out}, nil
		}
		select {
		case <-signal:
		case <-deadline:
			return &amazonsqs.ReceiveMessageOutput{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *fakeSQS) find(url, handle string) (int, *fakeMessage) {
	for i, m := range f.queues[url] {
		if m.inFlight && m.receiptHandle == handle {
			return i, m
		}
	}
	return -1, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *amazonsqs.DeleteMessageInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteMessage"]++
	url := aws.ToString(in.QueueUrl)
	i, m := f.find(url, aws.ToString(in.ReceiptHandle))
	if m == nil {
		return nil, errors.New("ReceiptHandleIsInvalid")
	}
	f.queues[url] = append(f.queues[url][:i], f.queues[url][i+1:]...)
	return &amazonsqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *amazonsqs.ChangeMessageVisibilityInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ChangeMessageVisibility"]++
	_, m := f.find(aws.ToString(in.QueueUrl), aws.ToString(in.ReceiptHandle))
	if m == nil {
		return nil, errors.New("ReceiptHandleIsInvalid")
	}
	if in.VisibilityTimeout == 0 {
		m.inFlight = false
		f.wake()
	}
	return &amazonsqs.ChangeMessageVisibilityOutput{}, nil
}
