package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
)

// SQSAPI is the subset of the SQS client the listener uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig holds the parameters an SQSListener needs.
type SQSConfig struct {
	Client   SQSAPI
	QueueURL string
	// WaitTime is the long-poll duration of one receive (max 20s).
	WaitTime    time.Duration
	MaxMessages int32
	Handler     Handler
	Logger      *slog.Logger
}

// SQSListener long-polls a queue subscribed to the alarm notifications and
// hands every message to a Handler.  Handled and unparseable messages are
// deleted; messages whose shutdown failed stay on the queue and are
// redelivered after their visibility timeout.
type SQSListener struct {
	client      SQSAPI
	queueURL    string
	waitTime    int32
	maxMessages int32
	handler     Handler
	logger      *slog.Logger

	healthy atomic.Bool
}

// NewSQSListener creates an SQSListener.
func NewSQSListener(cfg SQSConfig) *SQSListener {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	wait := int32(cfg.WaitTime / time.Second)
	if wait <= 0 || wait > 20 {
		wait = 20
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	return &SQSListener{
		client:      cfg.Client,
		queueURL:    cfg.QueueURL,
		waitTime:    wait,
		maxMessages: cfg.MaxMessages,
		handler:     cfg.Handler,
		logger:      cfg.Logger,
	}
}

// NewSQSClient returns an SQS client for cfg.
func NewSQSClient(cfg awsv2.Config) *sqs.Client {
	return sqs.NewFromConfig(cfg)
}

// Healthy reports whether the last receive succeeded.
func (l *SQSListener) Healthy() bool { return l.healthy.Load() }

// Run polls until ctx is cancelled.  Receive errors are retried with
// exponential backoff.
func (l *SQSListener) Run(ctx context.Context) error {
	l.logger.Info("listening for alarm notifications", slog.String("queue_url", l.queueURL))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, err := l.Poll(ctx)
		if err == nil {
			b.Reset()
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		l.logger.Error("receive failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Poll performs one receive and dispatches the messages it got.  It
// returns the number of messages deleted from the queue.
func (l *SQSListener) Poll(ctx context.Context) (int, error) {
	out, err := l.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            awsv2.String(l.queueURL),
		MaxNumberOfMessages: l.maxMessages,
		WaitTimeSeconds:     l.waitTime,
	})
	if err != nil {
		l.healthy.Store(false)
		return 0, err
	}
	l.healthy.Store(true)

	deleted := 0
	for _, msg := range out.Messages {
		if l.dispatch(ctx, msg) {
			if err := l.delete(ctx, msg); err != nil {
				l.logger.Warn("delete message failed",
					slog.String("message_id", awsv2.ToString(msg.MessageId)),
					slog.String("error", err.Error()),
				)
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}

// dispatch reports whether msg is finished with and can be deleted.
func (l *SQSListener) dispatch(ctx context.Context, msg sqstypes.Message) bool {
	log := l.logger.With(slog.String("message_id", awsv2.ToString(msg.MessageId)))

	ev, err := Parse([]byte(awsv2.ToString(msg.Body)))
	if err != nil {
		// Redelivery cannot fix a payload we do not understand.
		log.Warn("discarding message", slog.String("error", err.Error()))
		return true
	}

	outcome, err := l.handler.Handle(ctx, ev)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		log.Error("alarm event not handled, leaving for redelivery",
			slog.String("alarm_name", ev.AlarmName),
			slog.String("error", err.Error()),
		)
		return false
	}
	log.Debug("alarm event handled", slog.String("outcome", string(outcome)))
	return true
}

func (l *SQSListener) delete(ctx context.Context, msg sqstypes.Message) error {
	_, err := l.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      awsv2.String(l.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	return err
}
