package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

func newTestSchedule(name string) *model.Schedule {
	nextRun := time.Now().Add(1 * time.Hour)
	return &model.Schedule{
		Name:         name,
		AccountID:    "page-1",
		AccountName:  "Test Page",
		RangeDays:    28,
		Theme:        model.ThemeLight,
		Format:       model.FormatPDF,
		IntervalType: "daily",
		Timezone:     "UTC",
		Recipients:   model.Recipients{To: []string{"test@example.com"}},
		EmailSubject: "Test Report",
		EmailBody:    "Test Body",
		Enabled:      true,
		NextRunAt:    &nextRun,
	}
}

// TestConcurrentWrites tests that multiple concurrent write operations don't cause SQLITE_BUSY errors
func TestConcurrentWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test_concurrent.db")

	store, err := NewStore(dbPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	// Number of concurrent operations
	numSchedules := 10
	numRuns := 5

	var wg sync.WaitGroup
	errChan := make(chan error, numSchedules*(2+numRuns*2)) // create + update schedule, N run creates/updates

	// Create multiple schedules concurrently
	for i := 0; i < numSchedules; i++ {
		wg.Add(1)
		go func(scheduleNum int) {
			defer wg.Done()

			schedule := newTestSchedule(fmt.Sprintf("Test Schedule %d", scheduleNum))
			if err := store.CreateSchedule(schedule); err != nil {
				errChan <- err
				return
			}

			// Create multiple runs for this schedule concurrently
			for j := 0; j < numRuns; j++ {
				wg.Add(1)
				go func(runNum int) {
					defer wg.Done()

					scheduleID := schedule.ID
					run := &model.ExportRun{
						ExportID:   fmt.Sprintf("export-%d-%d", scheduleNum, runNum),
						ScheduleID: &scheduleID,
						AccountID:  schedule.AccountID,
						Format:     model.FormatPDF,
						StartedAt:  time.Now(),
						Status:     model.RunStatusRunning,
					}

					if err := store.CreateExportRun(run); err != nil {
						errChan <- err
						return
					}

					// Update run
					finishedAt := time.Now()
					run.FinishedAt = &finishedAt
					run.Status = model.RunStatusCompleted
					run.NullCaptures = model.StringList{"table_base64"}
					run.ArtifactData = []byte("%PDF-1.4")
					run.Bytes = 1024
					run.Checksum = "abc123"

					if err := store.UpdateExportRun(run); err != nil {
						errChan <- err
						return
					}
				}(j)
			}

			// Update schedule's last run time
			lastRun := time.Now()
			schedule.LastRunAt = &lastRun
			if err := store.UpdateSchedule(schedule); err != nil {
				errChan <- err
				return
			}
		}(i)
	}

	// Wait for all operations to complete
	wg.Wait()
	close(errChan)

	// Check for errors
	var errors []error
	for err := range errChan {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		t.Errorf("Got %d errors during concurrent writes:", len(errors))
		for _, err := range errors {
			t.Errorf("  - %v", err)
		}
	}

	// Verify data was written correctly
	schedules, err := store.ListSchedules()
	if err != nil {
		t.Fatalf("Failed to list schedules: %v", err)
	}

	if len(schedules) != numSchedules {
		t.Errorf("Expected %d schedules, got %d", numSchedules, len(schedules))
	}

	// Count total runs
	totalRuns := 0
	for _, schedule := range schedules {
		id := schedule.ID
		runs, err := store.ListExportRuns(&id, 0)
		if err != nil {
			t.Fatalf("Failed to list runs for schedule %d: %v", schedule.ID, err)
		}
		totalRuns += len(runs)
	}

	expectedRuns := numSchedules * numRuns
	if totalRuns != expectedRuns {
		t.Errorf("Expected %d total runs, got %d", expectedRuns, totalRuns)
	}
}

// TestWriteQueueShutdown tests that the write queue shuts down gracefully
func TestWriteQueueShutdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test_shutdown.db")

	store, err := NewStore(dbPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	// Queue some operations
	for i := 0; i < 5; i++ {
		if err := store.CreateSchedule(newTestSchedule("Test Schedule")); err != nil {
			t.Fatalf("Failed to create schedule: %v", err)
		}
	}

	// Close should complete all pending operations before returning
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	// Writes after shutdown fail instead of blocking
	if err := store.CreateSchedule(newTestSchedule("Late")); err == nil {
		t.Errorf("Expected error writing to a closed store")
	}

	// Verify all schedules were created
	store2, err := NewStore(dbPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store2.Close()

	schedules, err := store2.ListSchedules()
	if err != nil {
		t.Fatalf("Failed to list schedules: %v", err)
	}

	if len(schedules) != 5 {
		t.Errorf("Expected 5 schedules after shutdown, got %d", len(schedules))
	}
}

// BenchmarkConcurrentWrites benchmarks concurrent write performance
func BenchmarkConcurrentWrites(b *testing.B) {
	dbPath := filepath.Join(b.TempDir(), "bench_concurrent.db")

	store, err := NewStore(dbPath, zerolog.Nop())
	if err != nil {
		b.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := store.CreateSchedule(newTestSchedule("Bench Schedule")); err != nil {
			b.Fatalf("Failed to create schedule: %v", err)
		}
	}
}
