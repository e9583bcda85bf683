package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionJobs          = "jobs"
	collectionDeadLetters   = "dead_letters"
	collectionNotifications = "notifications"
)

// Firestore stores jobs, dead letters and the notification outbox in Cloud Firestore
type Firestore struct {
	client *firestore.Client
}

// New connects to the given Firestore database
func New(projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(context.Background(), projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.Value("project_id", projectID), goerr.Value("database_id", databaseID))
	}
	return &Firestore{client: client}, nil
}

// Close releases the client
func (r *Firestore) Close() error {
	return r.client.Close()
}

type requestDoc struct {
	UserID    string `firestore:"user_id"`
	Text      string `firestore:"text"`
	Image     []byte `firestore:"image,omitempty"`
	ImageMIME string `firestore:"image_mime,omitempty"`
	Hint      string `firestore:"hint,omitempty"`
}

type jobDoc struct {
	ID           string     `firestore:"id"`
	UserID       string     `firestore:"user_id"`
	Request      requestDoc `firestore:"request"`
	Status       string     `firestore:"status"`
	Manifest     string     `firestore:"manifest,omitempty"`
	Error        string     `firestore:"error,omitempty"`
	Attempts     int        `firestore:"attempts"`
	CreatedAt    time.Time  `firestore:"created_at"`
	UpdatedAt    time.Time  `firestore:"updated_at"`
	CompletedAt  *time.Time `firestore:"completed_at,omitempty"`
	ClaimedBy    string     `firestore:"claimed_by,omitempty"`
	ClaimedUntil time.Time  `firestore:"claimed_until"`
	ExpiresAt    time.Time  `firestore:"expires_at"`
	Terminal     bool       `firestore:"terminal"`
}

type deadLetterDoc struct {
	JobID      string     `firestore:"job_id"`
	UserID     string     `firestore:"user_id"`
	Request    requestDoc `firestore:"request"`
	Attempts   int        `firestore:"attempts"`
	Reason     string     `firestore:"reason"`
	Detail     string     `firestore:"detail"`
	CreatedAt  time.Time  `firestore:"created_at"`
	FailedAt   time.Time  `firestore:"failed_at"`
	ExpiresAt  time.Time  `firestore:"expires_at"`
	RequeuedAt *time.Time `firestore:"requeued_at,omitempty"`

	History []failureDoc `firestore:"history,omitempty"`
}

type failureDoc struct {
	Reason     string     `firestore:"reason"`
	Detail     string     `firestore:"detail"`
	Attempts   int        `firestore:"attempts"`
	FailedAt   time.Time  `firestore:"failed_at"`
	RequeuedAt *time.Time `firestore:"requeued_at,omitempty"`
}

type notificationDoc struct {
	Recipient string    `firestore:"recipient"`
	Kind      string    `firestore:"kind"`
	JobID     string    `firestore:"job_id"`
	Message   string    `firestore:"message"`
	CreatedAt time.Time `firestore:"created_at"`
}

func requestToDoc(req model.Request) requestDoc {
	return requestDoc{
		UserID:    req.UserID,
		Text:      req.Text,
		Image:     req.Image,
		ImageMIME: req.ImageMIME,
		Hint:      req.Hint,
	}
}

func docToRequest(d requestDoc) model.Request {
	return model.Request{
		UserID:    d.UserID,
		Text:      d.Text,
		Image:     d.Image,
		ImageMIME: d.ImageMIME,
		Hint:      d.Hint,
	}
}

// jobToDoc stores the manifest as canonical JSON so nested arrays and free-form
// parameter defaults survive Firestore's value model unchanged
func jobToDoc(job *model.Job) (*jobDoc, error) {
	doc := &jobDoc{
		ID:           job.ID.String(),
		UserID:       job.UserID,
		Request:      requestToDoc(job.Request),
		Status:       string(job.Status),
		Error:        job.Error,
		Attempts:     job.Attempts,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		CompletedAt:  job.CompletedAt,
		ClaimedBy:    job.ClaimedBy,
		ClaimedUntil: job.ClaimedUntil,
		ExpiresAt:    job.ExpiresAt,
		Terminal:     job.Status.Terminal(),
	}
	if job.Manifest != nil {
		data, err := job.Manifest.MarshalCanonical()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to encode job manifest", goerr.Value("job_id", job.ID))
		}
		doc.Manifest = string(data)
	}
	return doc, nil
}

func docToJob(doc *jobDoc) (*model.Job, error) {
	status := model.JobStatus(doc.Status)
	if err := status.Validate(); err != nil {
		return nil, goerr.Wrap(err, "stored job has invalid status", goerr.Value("job_id", doc.ID))
	}

	job := &model.Job{
		ID:           model.JobID(doc.ID),
		UserID:       doc.UserID,
		Request:      docToRequest(doc.Request),
		Status:       status,
		Error:        doc.Error,
		Attempts:     doc.Attempts,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		CompletedAt:  doc.CompletedAt,
		ClaimedBy:    doc.ClaimedBy,
		ClaimedUntil: doc.ClaimedUntil,
		ExpiresAt:    doc.ExpiresAt,
	}
	if doc.Manifest != "" {
		m, err := model.ParseManifest([]byte(doc.Manifest))
		if err != nil {
			return nil, goerr.Wrap(err, "stored job has invalid manifest", goerr.Value("job_id", doc.ID))
		}
		job.Manifest = m
	}
	return job, nil
}

func deadLetterToDoc(dl *model.DeadLetter) *deadLetterDoc {
	var history []failureDoc
	for _, h := range dl.History {
		history = append(history, failureDoc{
			Reason:     string(h.Reason),
			Detail:     h.Detail,
			Attempts:   h.Attempts,
			FailedAt:   h.FailedAt,
			RequeuedAt: h.RequeuedAt,
		})
	}
	return &deadLetterDoc{
		History:    history,
		JobID:      dl.JobID.String(),
		UserID:     dl.UserID,
		Request:    requestToDoc(dl.Request),
		Attempts:   dl.Attempts,
		Reason:     string(dl.Reason),
		Detail:     dl.Detail,
		CreatedAt:  dl.CreatedAt,
		FailedAt:   dl.FailedAt,
		ExpiresAt:  dl.ExpiresAt,
		RequeuedAt: dl.RequeuedAt,
	}
}

func docToDeadLetter(doc *deadLetterDoc) *model.DeadLetter {
	var history []model.FailureRecord
	for _, h := range doc.History {
		history = append(history, model.FailureRecord{
			Reason:     model.FailureReason(h.Reason),
			Detail:     h.Detail,
			Attempts:   h.Attempts,
			FailedAt:   h.FailedAt,
			RequeuedAt: h.RequeuedAt,
		})
	}
	return &model.DeadLetter{
		History:    history,
		JobID:      model.JobID(doc.JobID),
		UserID:     doc.UserID,
		Request:    docToRequest(doc.Request),
		Attempts:   doc.Attempts,
		Reason:     model.FailureReason(doc.Reason),
		Detail:     doc.Detail,
		CreatedAt:  doc.CreatedAt,
		FailedAt:   doc.FailedAt,
		ExpiresAt:  doc.ExpiresAt,
		RequeuedAt: doc.RequeuedAt,
	}
}

func (r *Firestore) PutJob(ctx context.Context, job *model.Job) error {
	doc, err := jobToDoc(job)
	if err != nil {
		return err
	}
	if _, err := r.client.Collection(collectionJobs).Doc(doc.ID).Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to put job", goerr.Value("job_id", job.ID))
	}
	return nil
}

func (r *Firestore) GetJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	snap, err := r.client.Collection(collectionJobs).Doc(id.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrJobNotFound, "job not found", goerr.Value("job_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get job", goerr.Value("job_id", id))
	}

	var doc jobDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode job", goerr.Value("job_id", id))
	}
	return docToJob(&doc)
}

// ClaimJob reads and updates the job in one transaction so two workers can never
// both move it to PROCESSING
func (r *Firestore) ClaimJob(ctx context.Context, id model.JobID, worker string, now time.Time, lease time.Duration) (*model.Job, error) {
	ref := r.client.Collection(collectionJobs).Doc(id.String())

	var claimed *model.Job
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(model.ErrJobNotFound, "job not found", goerr.Value("job_id", id))
			}
			return goerr.Wrap(err, "failed to read job in transaction", goerr.Value("job_id", id))
		}

		var doc jobDoc
		if err := snap.DataTo(&doc); err != nil {
			return goerr.Wrap(err, "failed to decode job", goerr.Value("job_id", id))
		}
		job, err := docToJob(&doc)
		if err != nil {
			return err
		}
		if err := claim(job, worker, now, lease); err != nil {
			return err
		}

		updated, err := jobToDoc(job)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, updated); err != nil {
			return goerr.Wrap(err, "failed to write claim", goerr.Value("job_id", id))
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Firestore) UpdateJob(ctx context.Context, job *model.Job) error {
	return r.PutJob(ctx, job)
}

func (r *Firestore) ListJobsByStatus(ctx context.Context, st model.JobStatus, limit int) ([]*model.Job, error) {
	q := r.client.Collection(collectionJobs).Where("status", "==", string(st))
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var jobs []*model.Job
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list jobs", goerr.Value("status", st))
		}
		var doc jobDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode job", goerr.Value("doc_id", snap.Ref.ID))
		}
		job, err := docToJob(&doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *Firestore) PutDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	if err := dl.Reason.Validate(); err != nil {
		return err
	}
	doc := deadLetterToDoc(dl)
	if _, err := r.client.Collection(collectionDeadLetters).Doc(doc.JobID).Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to put dead letter", goerr.Value("job_id", dl.JobID))
	}
	return nil
}

func (r *Firestore) GetDeadLetter(ctx context.Context, id model.JobID) (*model.DeadLetter, error) {
	snap, err := r.client.Collection(collectionDeadLetters).Doc(id.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrDeadLetterNotFound, "dead letter not found", goerr.Value("job_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get dead letter", goerr.Value("job_id", id))
	}

	var doc deadLetterDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode dead letter", goerr.Value("job_id", id))
	}
	return docToDeadLetter(&doc), nil
}

func (r *Firestore) ListDeadLetters(ctx context.Context, offset, limit int) ([]*model.DeadLetter, error) {
	q := r.client.Collection(collectionDeadLetters).OrderBy("failed_at", firestore.Desc).Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	out := []*model.DeadLetter{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list dead letters")
		}
		var doc deadLetterDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode dead letter", goerr.Value("doc_id", snap.Ref.ID))
		}
		out = append(out, docToDeadLetter(&doc))
	}
	return out, nil
}

// DeleteExpired removes expired terminal jobs and dead letters in batches
func (r *Firestore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	jobs := r.client.Collection(collectionJobs).
		Where("terminal", "==", true).
		Where("expires_at", "<=", now)
	n, err := r.deleteAll(ctx, jobs)
	if err != nil {
		return n, goerr.Wrap(err, "failed to delete expired jobs")
	}

	dls := r.client.Collection(collectionDeadLetters).Where("expires_at", "<=", now)
	m, err := r.deleteAll(ctx, dls)
	if err != nil {
		return n + m, goerr.Wrap(err, "failed to delete expired dead letters")
	}
	return n + m, nil
}

func (r *Firestore) deleteAll(ctx context.Context, q firestore.Query) (int, error) {
	bw := r.client.BulkWriter(ctx)
	defer bw.End()

	iter := q.Documents(ctx)
	defer iter.Stop()

	n := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return n, err
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			return n, goerr.Wrap(err, "failed to queue delete", goerr.Value("doc_id", snap.Ref.ID))
		}
		n++
	}
	bw.Flush()
	return n, nil
}

// Notify writes the notification to the outbox collection read by the delivery side
func (r *Firestore) Notify(ctx context.Context, n *model.Notification) error {
	doc := &notificationDoc{
		Recipient: n.Recipient,
		Kind:      n.Kind,
		JobID:     n.JobID.String(),
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	}
	if _, _, err := r.client.Collection(collectionNotifications).Add(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to write notification",
			goerr.Value("recipient", n.Recipient), goerr.Value("kind", n.Kind))
	}
	return nil
}
