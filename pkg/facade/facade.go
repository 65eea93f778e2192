// Package facade wires the ingestion pipeline end to end: discover an
// archive's ETL tasks, extract and transform each one's records into
// threads, group the newly created threads into batches, and drive
// those batches to completion. It is the single entry point cmd/tapestryd
// calls for a one-shot archive run, grounded on original_source's
// ContextUse.process_archive.
package facade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
	"github.com/codeready-toolchain/tapestry/pkg/batch/memories"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
	"github.com/codeready-toolchain/tapestry/pkg/pipe"
	"github.com/codeready-toolchain/tapestry/pkg/store"
)

// PipelineResult aggregates one RunArchivePipeline call, per spec.md §7.
type PipelineResult struct {
	ArchiveID      string
	ThreadsCreated int
	TasksCompleted int
	TasksFailed    int
	BatchesCreated int
	Errors         []string
}

// Facade is the ingestion pipeline's single entry point.
type Facade struct {
	Store   store.Store
	Pipes   *pipe.Registry
	Storage pipe.Storage
	LLM     llmjob.JobClient

	WindowCfg batch.WindowConfig
	NewID     func() string
	RunPolicy batch.RunPolicy
}

// New constructs a Facade. policy may be nil, in which case
// batch.ImmediateRunPolicy is used.
func New(st store.Store, pipes *pipe.Registry, storage pipe.Storage, llm llmjob.JobClient, windowCfg batch.WindowConfig, newID func() string, policy batch.RunPolicy) *Facade {
	if policy == nil {
		policy = batch.ImmediateRunPolicy{}
	}
	return &Facade{
		Store:     st,
		Pipes:     pipes,
		Storage:   storage,
		LLM:       llm,
		WindowCfg: windowCfg,
		NewID:     newID,
		RunPolicy: policy,
	}
}

// RunArchivePipeline runs the full ingest-group-advance cycle for one
// archive: create the Archive row, discover its ETL tasks from the
// registered pipes, extract+transform+load each task, bin-pack the
// resulting threads into memory-generation batches, and drive every
// created batch to completion via batch.RunPipeline before returning.
//
// Batch advancement here is synchronous: the call blocks until every
// batch created by this run reaches a terminal state or the context is
// cancelled. A long-running daemon (pkg/queue.Runner) is still
// responsible for resuming any batch left mid-flight after a process
// restart; this method only owns batches it just created.
func (f *Facade) RunArchivePipeline(ctx context.Context, archiveID, provider string, fileURIs []string) (*PipelineResult, error) {
	result := &PipelineResult{ArchiveID: archiveID}

	if err := f.Store.CreateArchive(ctx, store.Archive{
		ID:       archiveID,
		Provider: provider,
		Status:   "created",
		FileURIs: fileURIs,
	}); err != nil {
		return nil, fmt.Errorf("create archive %s: %w", archiveID, err)
	}

	tasks, err := f.Pipes.DiscoverTasks(archiveID, provider, fileURIs)
	if err != nil {
		return nil, fmt.Errorf("discover tasks for archive %s: %w", archiveID, err)
	}

	threadsByInteraction := make(map[string][]batch.Thread)

	for i := range tasks {
		task := tasks[i]
		task.ID = f.NewID()

		if err := f.Store.CreateEtlTask(ctx, task); err != nil {
			return nil, fmt.Errorf("persist etl task for %s: %w", task.SourceURIs, err)
		}

		rows, extractErr := f.runTask(ctx, &task)
		if extractErr != nil {
			task.Status = "failed"
			task.ErrorMsg = extractErr.Error()
			result.TasksFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("task %s: %v", task.ID, extractErr))
			if uerr := f.Store.UpdateEtlTask(ctx, task); uerr != nil {
				slog.Error("failed to persist failed task status", "task_id", task.ID, "error", uerr)
			}
			continue
		}

		inserted, err := f.Store.InsertThreads(ctx, rows, task.ID)
		if err != nil {
			task.Status = "failed"
			task.ErrorMsg = err.Error()
			result.TasksFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("insert threads for task %s: %v", task.ID, err))
			if uerr := f.Store.UpdateEtlTask(ctx, task); uerr != nil {
				slog.Error("failed to persist failed task status", "task_id", task.ID, "error", uerr)
			}
			continue
		}

		task.Status = "completed"
		task.ExtractedCount = len(rows)
		task.TransformedCount = len(rows)
		task.UploadedCount = inserted
		if err := f.Store.UpdateEtlTask(ctx, task); err != nil {
			return nil, fmt.Errorf("persist completed task %s: %w", task.ID, err)
		}

		result.ThreadsCreated += inserted
		result.TasksCompleted++

		for _, row := range rows {
			threadsByInteraction[task.InteractionType] = append(threadsByInteraction[task.InteractionType], toBatchThread(row))
		}
	}

	if result.TasksFailed > 0 && result.TasksCompleted == 0 {
		result.Errors = append(result.Errors, "all tasks failed")
	}
	archiveStatus := "completed"
	if result.TasksFailed > 0 {
		archiveStatus = "failed"
	}
	if err := f.Store.UpdateArchive(ctx, store.Archive{
		ID:       archiveID,
		Provider: provider,
		Status:   archiveStatus,
		FileURIs: fileURIs,
	}); err != nil {
		return nil, fmt.Errorf("finalize archive %s: %w", archiveID, err)
	}

	managers, batchesCreated, err := f.createMemoryBatches(ctx, threadsByInteraction)
	if err != nil {
		return nil, fmt.Errorf("create memory batches for archive %s: %w", archiveID, err)
	}
	result.BatchesCreated = batchesCreated

	if len(managers) > 0 {
		runErrs, err := batch.RunPipeline(ctx, managers, f.RunPolicy)
		if err != nil {
			return nil, fmt.Errorf("run memory batches for archive %s: %w", archiveID, err)
		}
		for _, e := range runErrs {
			if e != nil {
				result.Errors = append(result.Errors, e.Error())
			}
		}
	}

	return result, nil
}

// runTask extracts and transforms every source URI of one ETL task,
// returning the thread rows ready for InsertThreads. A failure on any
// file or record aborts the whole task: a partially transformed task is
// not considered usable.
func (f *Facade) runTask(ctx context.Context, task *store.EtlTask) ([]store.Thread, error) {
	p, err := f.Pipes.GetByInteractionType(task.InteractionType)
	if err != nil {
		return nil, fmt.Errorf("resolve pipe for interaction type %q: %w", task.InteractionType, err)
	}

	var rows []store.Thread
	for _, uri := range task.SourceURIs {
		records, err := p.ExtractFile(ctx, uri, f.Storage)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", uri, err)
		}
		for record, recErr := range records {
			if recErr != nil {
				return nil, fmt.Errorf("extract record from %s: %w", uri, recErr)
			}
			thread, err := p.Transform(ctx, record, task)
			if err != nil {
				return nil, fmt.Errorf("transform record from %s: %w", uri, err)
			}
			if thread.ID == "" {
				thread.ID = f.NewID()
			}
			if thread.UniqueKey == "" {
				thread.UniqueKey = pipe.UniqueKey(thread.InteractionType, thread.Payload)
			}
			rows = append(rows, *thread)
		}
	}
	return rows, nil
}

// createMemoryBatches groups freshly inserted threads per interaction
// type (keeping unrelated providers out of the same sliding window),
// persists the resulting batches, and builds a ready-to-run manager for
// each one.
func (f *Facade) createMemoryBatches(ctx context.Context, threadsByInteraction map[string][]batch.Thread) ([]batch.Manager, int, error) {
	if len(threadsByInteraction) == 0 {
		return nil, 0, nil
	}

	grouper := batch.WindowGrouper{Config: f.WindowCfg}
	factory := batch.NewFactory(f.Store, f.NewID, memories.Category)

	var managers []batch.Manager
	created := 0
	for interactionType, threads := range threadsByInteraction {
		groups, err := grouper.Group(threads)
		if err != nil {
			return nil, created, fmt.Errorf("group threads for %q: %w", interactionType, err)
		}
		if len(groups) == 0 {
			continue
		}
		batches, err := factory.CreateBatches(ctx, groups)
		if err != nil {
			return nil, created, fmt.Errorf("persist batches for %q: %w", interactionType, err)
		}
		for _, nb := range batches {
			if nb.Category != memories.Category {
				continue
			}
			mgr := memories.NewManager(f.Store, f.LLM, nb.ID, f.WindowCfg, f.threadText, f.NewID)
			managers = append(managers, mgr)
			created++
		}
	}
	return managers, created, nil
}

// threadText resolves a thread id to its preview text and asset URI for
// the memories manager's prompt builder. A lookup failure yields an
// empty preview rather than aborting the batch: the LLM still gets a
// usable (if sparser) prompt for the surrounding threads in the window.
func (f *Facade) threadText(ctx context.Context, threadID string) (string, string) {
	t, err := f.Store.GetThread(ctx, threadID)
	if err != nil {
		slog.Warn("thread lookup failed while building memory prompt", "thread_id", threadID, "error", err)
		return "", ""
	}
	return t.Preview, t.AssetURI
}

// toBatchThread narrows a store.Thread to the grouper's minimal view,
// pulling the payload's collection id (if any) so CollectionGrouper can
// use it too.
func toBatchThread(t store.Thread) batch.Thread {
	collectionID, _ := t.Payload["collection_id"].(string)
	return batch.Thread{ID: t.ID, CollectionID: collectionID, Asat: t.Asat}
}
