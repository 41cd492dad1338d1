// Package queue defines the work-queue contract between the enqueue poller and the send
// worker. Backends must treat a repeated job ID as a no-op.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrDuplicateJob is returned when a job with the same ID was already accepted.
var ErrDuplicateJob = errors.New("duplicate job")

// JobSendEmail is the job that triggers an immediate email for one seed delivery.
const JobSendEmail = "email.send"

// Job is one unit of work. ID is the idempotency key. Revision distinguishes
// submissions of the same ID after the ID was forgotten; zero means unset.
type Job struct {
	Name     string          `json:"name"`
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	Revision int64           `json:"revision,omitempty"`
}

// EmailPayload carries the seed delivery of a JobSendEmail job.
type EmailPayload struct {
	DeliveryID uuid.UUID `json:"deliveryId"`
}

// EmailJobID derives the deterministic job ID for a delivery.
func EmailJobID(deliveryID uuid.UUID) string {
	return "email:" + deliveryID.String()
}

// NewEmailJob builds the send job for a seed delivery.
func NewEmailJob(deliveryID uuid.UUID) (Job, error) {
	payload, err := json.Marshal(EmailPayload{DeliveryID: deliveryID})
	if err != nil {
		return Job{}, fmt.Errorf("marshal email payload: %w", err)
	}
	return Job{Name: JobSendEmail, ID: EmailJobID(deliveryID), Payload: payload}, nil
}

// DecodeEmail reads the seed delivery from a JobSendEmail job.
func (j Job) DecodeEmail() (EmailPayload, error) {
	var p EmailPayload
	if j.Name != JobSendEmail {
		return p, fmt.Errorf("job %s: unexpected name %q", j.ID, j.Name)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("job %s: decode payload: %w", j.ID, err)
	}
	if p.DeliveryID == uuid.Nil {
		return p, fmt.Errorf("job %s: missing deliveryId", j.ID)
	}
	return p, nil
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Forgetter is implemented by queues that remember accepted job IDs. Forget lets the
// same ID be submitted again.
type Forgetter interface {
	Forget(ctx context.Context, jobID string) error
}

// Forget drops jobID from q when q remembers IDs and is a no-op otherwise.
func Forget(ctx context.Context, q Queue, jobID string) error {
	if f, ok := q.(Forgetter); ok {
		return f.Forget(ctx, jobID)
	}
	return nil
}

// Handler executes one job. Returning an error leaves the job for redelivery when the
// backend supports it.
type Handler func(ctx context.Context, job Job) error
