package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/sells-group/parcel-cli/internal/config"
)

// Starter is the subset of client.Client used to start workflows.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Client starts parcel workflows on a task queue.
type Client struct {
	starter   Starter
	taskQueue string
	closeFn   func()
}

// Dial connects to the Temporal frontend described by cfg.
func Dial(cfg config.TemporalConfig) (*Client, client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "taskqueue: dial %s", cfg.Address)
	}
	return &Client{starter: c, taskQueue: cfg.TaskQueue, closeFn: c.Close}, c, nil
}

// NewClient wraps an existing starter.
func NewClient(s Starter, taskQueue string) *Client {
	return &Client{starter: s, taskQueue: taskQueue, closeFn: func() {}}
}

// Close closes the underlying connection when Dial created it.
func (c *Client) Close() {
	c.closeFn()
}

func (c *Client) options(id string, timeout time.Duration) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                c.taskQueue,
		WorkflowExecutionTimeout: timeout,
	}
}

// StartAcquisition enqueues an acquisition and returns the workflow id.
func (c *Client) StartAcquisition(ctx context.Context, in AcquisitionInput) (string, error) {
	id := "acquisition-" + in.RunID
	if in.RunID == "" {
		id = "acquisition-" + uuid.NewString()
	}
	run, err := c.starter.ExecuteWorkflow(ctx, c.options(id, 24*time.Hour), AcquisitionWorkflow, in)
	if err != nil {
		return "", eris.Wrap(err, "taskqueue: start acquisition")
	}
	return run.GetID(), nil
}

// StartBulkImport enqueues a bulk import and returns the workflow id.
func (c *Client) StartBulkImport(ctx context.Context, in BulkImportInput) (string, error) {
	run, err := c.starter.ExecuteWorkflow(ctx, c.options("bulk-import-"+uuid.NewString(), 12*time.Hour), BulkImportWorkflow, in)
	if err != nil {
		return "", eris.Wrap(err, "taskqueue: start bulk import")
	}
	return run.GetID(), nil
}

// NewWorker registers the parcel workflows and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, acts)
	return w
}

// Registry is satisfied by worker.Worker and the test environments.
type Registry interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
}

// Register adds the workflows and activities to r.
func Register(r Registry, acts *Activities) {
	r.RegisterWorkflow(AcquisitionWorkflow)
	r.RegisterWorkflow(BulkImportWorkflow)
	r.RegisterActivity(acts)
}
