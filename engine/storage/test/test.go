// Package test provides a conformance suite for engine storage backends.
package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/vars"
)

func testJob(id, device string, seq int64) *job.Job {
	return &job.Job{
		ID:          id,
		FlowID:      "flow1",
		DeviceID:    device,
		Status:      job.StatusPending,
		MaxRetries:  2,
		ScheduledAt: time.Unix(1700000000, 0).UTC(),
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
		Variables:   map[string]vars.Value{"name": vars.String("Alice")},
		Seq:         seq,
	}
}

func testTasks(jobID string, n int) []*job.Task {
	var tasks []*job.Task
	for i := 0; i < n; i++ {
		tasks = append(tasks, &job.Task{
			ID:       jobID + "-task-" + string(rune('a'+i)),
			JobID:    jobID,
			NodeID:   "n" + string(rune('a'+i)),
			NodeType: "tap",
			Seq:      i,
			Status:   job.TaskPending,
		})
	}
	return tasks
}

// TestEngineStorage runs the engine storage conformance tests.
// Each subtest uses a fresh storage from newStorage.
func TestEngineStorage(t *testing.T, newStorage func() storage.Storage) {
	t.Run("jobs", func(t *testing.T) {
		testJobs(t, newStorage())
	})

	t.Run("jobs-filter", func(t *testing.T) {
		testJobsFilter(t, newStorage())
	})

	t.Run("tasks", func(t *testing.T) {
		testTasksStorage(t, newStorage())
	})

	t.Run("logs", func(t *testing.T) {
		testLogs(t, newStorage())
	})

	t.Run("delete", func(t *testing.T) {
		testDelete(t, newStorage())
	})
}

func testJobs(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.RetrieveJob(ctx, "job.should.not.exist")
	if !errors.Is(err, storage.ErrJobNotFound) {
		t.Errorf("expected not found, have: %v", err)
	}

	for _, j := range []*job.Job{
		nil,
		{FlowID: "f", DeviceID: "d"},
		{ID: "j", DeviceID: "d"},
		{ID: "j", FlowID: "f"},
	} {
		if err = s.StoreJob(ctx, j); err == nil {
			t.Errorf("expected error storing invalid job: %v", j)
		}
	}

	j := testJob("job1", "dev1", 1)
	if err = s.StoreJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	j2, err := s.RetrieveJob(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := j2.DeviceID, j.DeviceID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := j2.Status, job.StatusPending; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := j2.MaxRetries, 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !j2.ScheduledAt.Equal(j.ScheduledAt) {
		t.Errorf("have: %v, want: %v", j2.ScheduledAt, j.ScheduledAt)
	}
	if j2.StartedAt != nil || j2.CompletedAt != nil {
		t.Error("expected no start or completion time")
	}
	if have, want := j2.Variables["name"].Str(), "Alice"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// replace
	now := time.Unix(1700000100, 0).UTC()
	j.Status = job.StatusRunning
	j.StartedAt = &now
	j.TotalTasks = 3
	j.CompletedTasks = 1
	j.ErrorMessage = "boom"
	j.ErrorKind = job.KindAgent
	if err = s.StoreJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	j2, err = s.RetrieveJob(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := j2.Status, job.StatusRunning; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if j2.StartedAt == nil || !j2.StartedAt.Equal(now) {
		t.Errorf("have: %v, want: %v", j2.StartedAt, now)
	}
	if have, want := j2.TotalTasks, 3; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := j2.CompletedTasks, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := j2.ErrorKind, job.KindAgent; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := j2.ErrorMessage, "boom"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func testJobsFilter(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	// stored out of order
	for _, j := range []*job.Job{
		testJob("job-c", "dev1", 30),
		testJob("job-a", "dev1", 10),
		testJob("job-b", "dev2", 20),
		testJob("job-d", "dev1", 40),
	} {
		if j.ID == "job-d" {
			j.Status = job.StatusCompleted
		}
		if err := s.StoreJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	ids := func(jobs []*job.Job) (ret []string) {
		for _, j := range jobs {
			ret = append(ret, j.ID)
		}
		return
	}

	for _, test := range []struct {
		name   string
		filter *storage.JobFilter
		want   []string
	}{
		{"all", nil, []string{"job-a", "job-b", "job-c", "job-d"}},
		{"device", &storage.JobFilter{DeviceID: "dev1"}, []string{"job-a", "job-c", "job-d"}},
		{"status", &storage.JobFilter{Status: []job.Status{job.StatusCompleted}}, []string{"job-d"}},
		{"statuses", &storage.JobFilter{DeviceID: "dev1", Status: []job.Status{job.StatusPending, job.StatusQueued}}, []string{"job-a", "job-c"}},
		{"flow-miss", &storage.JobFilter{FlowID: "flow2"}, nil},
		{"limit", &storage.JobFilter{Limit: 2}, []string{"job-a", "job-b"}},
	} {
		t.Run(test.name, func(t *testing.T) {
			jobs, err := s.RetrieveJobs(ctx, test.filter)
			if err != nil {
				t.Fatal(err)
			}
			have := ids(jobs)
			if len(have) != len(test.want) {
				t.Fatalf("have: %v, want: %v", have, test.want)
			}
			for i := range have {
				if have[i] != test.want[i] {
					t.Errorf("have: %v, want: %v", have, test.want)
					break
				}
			}
		})
	}
}

func testTasksStorage(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if err := s.StoreJob(ctx, testJob("job1", "dev1", 1)); err != nil {
		t.Fatal(err)
	}

	if err := s.ReplaceTasks(ctx, "job1", []*job.Task{{ID: "x", JobID: "job2"}}); err == nil {
		t.Error("expected error for task of another job")
	}

	// more than ten tasks to check seq ordering is not lexical
	if err := s.ReplaceTasks(ctx, "job1", testTasks("job1", 12)); err != nil {
		t.Fatal(err)
	}
	tasks, err := s.RetrieveTasks(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 12; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	for i, task := range tasks {
		if have, want := task.Seq, i; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}

	now := time.Unix(1700000200, 0).UTC()
	task := tasks[1]
	task.Status = job.TaskFailed
	task.StartedAt = &now
	task.CompletedAt = &now
	task.Result = []byte(`{"strategy":"text"}`)
	task.Error = "resolution error: no element"
	task.ErrorKind = job.KindResolution
	if err = s.StoreTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	tasks, err = s.RetrieveTasks(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := tasks[1].Status, job.TaskFailed; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := tasks[1].ErrorKind, job.KindResolution; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := string(tasks[1].Result), `{"strategy":"text"}`; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if tasks[1].CompletedAt == nil || !tasks[1].CompletedAt.Equal(now) {
		t.Errorf("have: %v, want: %v", tasks[1].CompletedAt, now)
	}

	// a fresh run replaces all tasks
	if err = s.ReplaceTasks(ctx, "job1", testTasks("job1", 2)); err != nil {
		t.Fatal(err)
	}
	tasks, err = s.RetrieveTasks(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := tasks[1].Status, job.TaskPending; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	tasks, err = s.RetrieveTasks(ctx, "job.no.tasks")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func testLogs(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if err := s.StoreJob(ctx, testJob("job1", "dev1", 1)); err != nil {
		t.Fatal(err)
	}

	if err := s.AppendLog(ctx, &job.LogEntry{ID: "01", Level: job.LevelInfo}); err == nil {
		t.Error("expected error for missing job id")
	}

	ts := time.Unix(1700000300, 0).UTC()
	for _, e := range []*job.LogEntry{
		{ID: "03", JobID: "job1", Level: job.LevelError, Message: "third", Timestamp: ts},
		{ID: "01", JobID: "job1", Level: job.LevelInfo, Message: "first", Timestamp: ts},
		{ID: "02", JobID: "job1", TaskID: "t1", Level: job.LevelDebug, Message: "second", Context: map[string]any{"strategy": "text"}, Timestamp: ts},
	} {
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	logs, err := s.RetrieveLogs(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(logs), 3; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	for i, msg := range []string{"first", "second", "third"} {
		if have, want := logs[i].Message, msg; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}
	if have, want := logs[1].TaskID, "t1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := logs[1].Context["strategy"], "text"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := logs[2].Level, job.LevelError; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !logs[0].Timestamp.Equal(ts) {
		t.Errorf("have: %v, want: %v", logs[0].Timestamp, ts)
	}
}

func testDelete(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if err := s.DeleteJob(ctx, "job.should.not.exist"); !errors.Is(err, storage.ErrJobNotFound) {
		t.Errorf("expected not found, have: %v", err)
	}

	for _, id := range []string{"job1", "job2"} {
		if err := s.StoreJob(ctx, testJob(id, "dev1", 1)); err != nil {
			t.Fatal(err)
		}
		if err := s.ReplaceTasks(ctx, id, testTasks(id, 2)); err != nil {
			t.Fatal(err)
		}
		if err := s.AppendLog(ctx, &job.LogEntry{ID: "01", JobID: id, Level: job.LevelInfo, Message: "hi"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.DeleteJob(ctx, "job1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RetrieveJob(ctx, "job1"); !errors.Is(err, storage.ErrJobNotFound) {
		t.Errorf("expected not found, have: %v", err)
	}
	tasks, err := s.RetrieveTasks(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	logs, err := s.RetrieveLogs(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(logs), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// other job untouched
	tasks, err = s.RetrieveTasks(ctx, "job2")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	logs, err = s.RetrieveLogs(ctx, "job2")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(logs), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
