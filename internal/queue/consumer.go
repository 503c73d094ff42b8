package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const fetchWait = 5 * time.Second

// Consumer claims tasks from the stream. Every worker process binds the
// same durable name, so each task is handed to exactly one of them.
type Consumer struct {
	client *Client
	sub    *nats.Subscription
}

// Delivery is one claimed task together with its job record.
type Delivery struct {
	Envelope Envelope
	Job      Job
	msg      *nats.Msg
}

// Consumer binds a durable pull consumer over every stage subject.
func (c *Client) Consumer(durable string, ackWait time.Duration, maxDeliver int) (*Consumer, error) {
	sub, err := c.jetstreamContext.PullSubscribe(
		c.opts.SubjectPrefix+".>",
		durable,
		nats.BindStream(c.opts.StreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(maxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind consumer '%s' on stream '%s': %w", durable, c.opts.StreamName, err)
	}

	return &Consumer{client: c, sub: sub}, nil
}

// Next blocks until a task is claimed or ctx is done. Malformed messages and
// tasks whose job record has vanished are terminated and skipped.
func (c *Consumer) Next(ctx context.Context) (*Delivery, error) {
	for {
		err := ctx.Err()
		if err != nil {
			return nil, err
		}

		msg, err := c.fetchOne(ctx)
		if err != nil {
			return nil, err
		}

		if msg == nil {
			continue
		}

		var envelope Envelope

		err = json.Unmarshal(msg.Data, &envelope)
		if err != nil {
			c.client.log.Error("Dropping malformed task on %s: %v", msg.Subject, err)
			_ = msg.Term()

			continue
		}

		job, err := c.client.Fetch(ctx, envelope.JobID)
		if err != nil {
			c.client.log.Error("Dropping task for job %s: %v", envelope.JobID, err)
			_ = msg.Term()

			continue
		}

		return &Delivery{Envelope: envelope, Job: job, msg: msg}, nil
	}
}

// Unsubscribe stops claiming tasks. The durable consumer remains.
func (c *Consumer) Unsubscribe() error {
	err := c.sub.Unsubscribe()
	if err != nil {
		return fmt.Errorf("failed to unsubscribe consumer: %w", err)
	}

	return nil
}

func (c *Consumer) fetchOne(ctx context.Context) (*nats.Msg, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
	defer cancel()

	msgs, err := c.sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch task: %w", err)
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	return msgs[0], nil
}

// Ack acknowledges the task so it is removed from the stream.
func (d *Delivery) Ack() error {
	return d.msg.Ack()
}

// Term acknowledges the task as failed so it is never redelivered.
func (d *Delivery) Term() error {
	return d.msg.Term()
}

// InProgress resets the redelivery timer of a long-running task.
func (d *Delivery) InProgress() error {
	return d.msg.InProgress()
}

// Redelivered reports whether the broker handed this task out before.
func (d *Delivery) Redelivered() bool {
	meta, err := d.msg.Metadata()
	if err != nil {
		return false
	}

	return meta.NumDelivered > 1
}
