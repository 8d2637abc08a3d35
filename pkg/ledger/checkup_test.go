package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func reportFor(test *testing.T, sample ImageSample, confidence float64) ImageResultReport {
	test.Helper()
	return ImageResultReport{
		ImageSampleID: sample.ID,
		Label:         LabelForScore(confidence),
		Model:         ModelA,
		Confidence:    confidence,
	}
}

func TestCheckupLifecycleCompletesAfterAllResults(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	queue := &recordingQueue{}
	service := mustNewService(test, store, WithJobQueue(queue))
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	if doctor.Credits != DefaultInitialCredits {
		test.Fatalf("expected %d initial credits, got %d", DefaultInitialCredits, doctor.Credits)
	}

	receipt := mustSubmitCheckup(test, service, doctor, 2)
	if receipt.Balance != 900 {
		test.Fatalf("expected balance 900, got %d", receipt.Balance)
	}
	if !receipt.TaskQueued || receipt.Checkup.TaskID.IsZero() || receipt.Checkup.Status != CheckupStatusPending {
		test.Fatalf("expected queued pending checkup, got %+v", receipt)
	}
	jobs := queue.enqueued()
	if len(jobs) != 2 || jobs[0].TaskID != receipt.Checkup.TaskID {
		test.Fatalf("expected two jobs for task %s, got %+v", receipt.Checkup.TaskID.String(), jobs)
	}

	// reverse arrival order, with one duplicate delivery
	reports := []ImageResultReport{
		reportFor(test, receipt.Images[1], 0.75),
		reportFor(test, receipt.Images[1], 0.75),
	}
	for _, report := range reports {
		checkup, err := service.ReportResult(context.Background(), report)
		if err != nil {
			test.Fatalf("report: %v", err)
		}
		if checkup.Status != CheckupStatusPending {
			test.Fatalf("expected pending after one distinct result, got %s", checkup.Status)
		}
	}
	checkup, err := service.ReportResult(context.Background(), reportFor(test, receipt.Images[0], 0.25))
	if err != nil {
		test.Fatalf("report: %v", err)
	}
	if checkup.Status != CheckupStatusCompleted || checkup.ResultLabel != LabelMalignant || checkup.FinalConfidence != 0.5 {
		test.Fatalf("expected completed malignant checkup at 0.5, got %+v", checkup)
	}

	started := time.Now()
	results, err := service.PollResults(context.Background(), doctor, receipt.Checkup.ID, 5*time.Second)
	if err != nil {
		test.Fatalf("poll: %v", err)
	}
	if time.Since(started) > time.Second {
		test.Fatalf("poll of a completed checkup should return immediately")
	}
	if results.Checkup.Status != CheckupStatusCompleted || len(results.Results) != 2 {
		test.Fatalf("expected completed results with two images, got %+v", results)
	}
}

func TestSubmitCheckupInsufficientCreditsCreatesNothing(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	queue := &recordingQueue{}
	service := mustNewService(test, store, WithJobQueue(queue), WithPolicy(Policy{CheckupFee: 600}))
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	mustSubmitCheckup(test, service, doctor, 1)

	_, err := service.SubmitCheckup(context.Background(), CheckupSubmission{
		Requester: doctor,
		Clinical:  validClinicalFields(),
		Images:    imageUploads(1),
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if len(store.checkups) != 1 || len(store.samples) != 1 || len(queue.enqueued()) != 1 {
		test.Fatalf("expected only the first checkup to exist")
	}
	balance, _ := service.Balance(context.Background(), doctor.ID)
	if balance != 400 {
		test.Fatalf("expected balance 400, got %d", balance)
	}
}

func TestSubmitCheckupValidation(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, WithJobQueue(&recordingQueue{}))
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	admin := mustOpenAccount(test, service, "admin-1", RoleAdmin)

	testCases := []struct {
		name       string
		submission CheckupSubmission
		wantErr    error
	}{
		{name: "admin may not submit", submission: CheckupSubmission{Requester: admin, Clinical: validClinicalFields()}, wantErr: ErrForbidden},
		{name: "too many images", submission: CheckupSubmission{Requester: doctor, Clinical: validClinicalFields(), Images: imageUploads(DefaultMaxImages + 1)}, wantErr: ErrTooManyImages},
		{name: "image without key", submission: CheckupSubmission{Requester: doctor, Clinical: validClinicalFields(), Images: []ImageUpload{{StorageKey: " "}}}, wantErr: ErrInvalidImage},
		{name: "unknown kind", submission: CheckupSubmission{Requester: doctor, Kind: "eye_checkup", Clinical: validClinicalFields()}, wantErr: ErrInvalidSubject},
		{name: "bad clinical fields", submission: CheckupSubmission{Requester: doctor, Clinical: ClinicalFields{}}, wantErr: ErrInvalidClinicalFields},
	}
	for _, testCase := range testCases {
		_, err := service.SubmitCheckup(context.Background(), testCase.submission)
		if !errors.Is(err, testCase.wantErr) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
	balance, _ := service.Balance(context.Background(), doctor.ID)
	if balance != DefaultInitialCredits {
		test.Fatalf("rejected submissions must not charge, balance %d", balance)
	}
}

func TestSubmitCheckupWithoutImagesCompletesImmediately(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	queue := &recordingQueue{}
	service := mustNewService(test, store, WithJobQueue(queue))
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)

	receipt := mustSubmitCheckup(test, service, doctor, 0)
	if receipt.Checkup.Status != CheckupStatusCompleted || len(queue.enqueued()) != 0 {
		test.Fatalf("expected completed checkup with no jobs, got %+v", receipt.Checkup)
	}
}

func TestOrchestrationGapIsVisibleAndResubmittable(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	queue := &recordingQueue{err: errors.New("queue down")}
	service := mustNewService(test, store, WithJobQueue(queue))
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	admin := mustOpenAccount(test, service, "admin-1", RoleAdmin)

	receipt := mustSubmitCheckup(test, service, doctor, 2)
	if receipt.TaskQueued || !errors.Is(receipt.TaskError, ErrOrchestrationGap) {
		test.Fatalf("expected orchestration gap, got %+v", receipt)
	}
	if receipt.Balance != 900 {
		test.Fatalf("fee stays charged across a gap, balance %d", receipt.Balance)
	}
	results, err := service.PollResults(context.Background(), doctor, receipt.Checkup.ID, 0)
	if err != nil {
		test.Fatalf("poll: %v", err)
	}
	if !results.Gap || results.Checkup.Status != CheckupStatusPending {
		test.Fatalf("expected pending gap view, got %+v", results)
	}

	if _, err := service.ResubmitCheckup(context.Background(), doctor, receipt.Checkup.ID); !errors.Is(err, ErrForbidden) {
		test.Fatalf("expected doctors to be refused, got %v", err)
	}
	queue.mutex.Lock()
	queue.err = nil
	queue.mutex.Unlock()
	if _, err := service.ReportResult(context.Background(), reportFor(test, receipt.Images[0], 0.2)); err != nil {
		test.Fatalf("report: %v", err)
	}
	taskID, err := service.ResubmitCheckup(context.Background(), admin, receipt.Checkup.ID)
	if err != nil {
		test.Fatalf("resubmit: %v", err)
	}
	jobs := queue.enqueued()
	if taskID.IsZero() || len(jobs) != 1 || jobs[0].ImageSampleID != receipt.Images[1].ID {
		test.Fatalf("expected only the unreported image to be re-enqueued, got %+v", jobs)
	}
	results, err = service.PollResults(context.Background(), admin, receipt.Checkup.ID, 0)
	if err != nil {
		test.Fatalf("poll: %v", err)
	}
	if results.Gap || results.Checkup.TaskID != taskID {
		test.Fatalf("expected gap closed with task %s, got %+v", taskID.String(), results.Checkup)
	}
}

func TestReportFailureMarksCheckupFailed(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, WithJobQueue(&recordingQueue{}))
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	receipt := mustSubmitCheckup(test, service, doctor, 2)

	if _, err := service.ReportResult(context.Background(), reportFor(test, receipt.Images[0], 0.8)); err != nil {
		test.Fatalf("report: %v", err)
	}
	checkup, err := service.ReportFailure(context.Background(), receipt.Images[1].ID, "model crashed")
	if err != nil {
		test.Fatalf("report failure: %v", err)
	}
	if checkup.Status != CheckupStatusFailed || checkup.ErrorMessage == "" {
		test.Fatalf("expected failed checkup with message, got %+v", checkup)
	}
	// late success for the failed image does not resurrect the checkup
	checkup, err = service.ReportResult(context.Background(), reportFor(test, receipt.Images[1], 0.1))
	if err != nil {
		test.Fatalf("late report: %v", err)
	}
	if checkup.Status != CheckupStatusFailed {
		test.Fatalf("expected checkup to stay failed, got %s", checkup.Status)
	}
}

func TestReportResultValidation(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, WithJobQueue(&recordingQueue{}))
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	receipt := mustSubmitCheckup(test, service, doctor, 1)
	sample := receipt.Images[0]

	testCases := []struct {
		name    string
		report  ImageResultReport
		wantErr error
	}{
		{name: "confidence above one", report: ImageResultReport{ImageSampleID: sample.ID, Label: LabelBenign, Model: ModelA, Confidence: 1.2}, wantErr: ErrInvalidInferenceResult},
		{name: "empty label", report: ImageResultReport{ImageSampleID: sample.ID, Model: ModelA, Confidence: 0.2}, wantErr: ErrInvalidInferenceResult},
		{name: "empty model", report: ImageResultReport{ImageSampleID: sample.ID, Label: LabelBenign, Confidence: 0.2}, wantErr: ErrInvalidInferenceResult},
		{name: "unknown sample", report: ImageResultReport{ImageSampleID: ImageSampleID{value: "nope"}, Label: LabelBenign, Model: ModelC, Confidence: 0.2}, wantErr: ErrImageSampleNotFound},
	}
	for _, testCase := range testCases {
		if _, err := service.ReportResult(context.Background(), testCase.report); !errors.Is(err, testCase.wantErr) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
}

func TestPollWakesOnCallback(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, WithJobQueue(&recordingQueue{}), WithPolicy(Policy{PollInterval: 10 * time.Second}))
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	receipt := mustSubmitCheckup(test, service, doctor, 1)

	type pollOutcome struct {
		results CheckupResults
		err     error
	}
	outcomes := make(chan pollOutcome, 1)
	go func() {
		results, err := service.PollResults(context.Background(), doctor, receipt.Checkup.ID, 20*time.Second)
		outcomes <- pollOutcome{results: results, err: err}
	}()
	time.Sleep(50 * time.Millisecond)
	if _, err := service.ReportResult(context.Background(), reportFor(test, receipt.Images[0], 0.1)); err != nil {
		test.Fatalf("report: %v", err)
	}
	select {
	case outcome := <-outcomes:
		if outcome.err != nil || outcome.results.Checkup.Status != CheckupStatusCompleted {
			test.Fatalf("expected completed poll, got %+v (%v)", outcome.results.Checkup, outcome.err)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("poll did not wake on callback")
	}
}

func TestPollClampsWaitAndScopesDoctors(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, WithJobQueue(&recordingQueue{}), WithPolicy(Policy{
		MaxPollWait:  100 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}))
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	otherDoctor := mustOpenAccount(test, service, "doctor-2", RoleDoctor)
	receipt := mustSubmitCheckup(test, service, doctor, 1)

	started := time.Now()
	results, err := service.PollResults(context.Background(), doctor, receipt.Checkup.ID, time.Hour)
	if err != nil {
		test.Fatalf("poll: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		test.Fatalf("expected clamped wait, took %s", elapsed)
	}
	if results.Checkup.Status != CheckupStatusPending {
		test.Fatalf("expected pending, got %s", results.Checkup.Status)
	}
	if _, err := service.PollResults(context.Background(), otherDoctor, receipt.Checkup.ID, 0); !errors.Is(err, ErrCheckupNotFound) {
		test.Fatalf("expected foreign checkup to be hidden, got %v", err)
	}
}

func TestMarkStaleCheckupsFailed(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := int64(testNowUnixUTC)
	service, err := NewService(store, func() int64 { return clock }, WithIDGenerator(sequentialIDs("id")), WithJobQueue(&recordingQueue{}))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	receipt := mustSubmitCheckup(test, service, doctor, 1)
	clock += 3600

	failed, err := service.MarkStaleCheckupsFailed(context.Background(), 30*time.Minute, 10)
	if err != nil {
		test.Fatalf("reap: %v", err)
	}
	if failed != 1 {
		test.Fatalf("expected one reaped checkup, got %d", failed)
	}
	checkup, _ := store.GetCheckup(context.Background(), receipt.Checkup.ID)
	if checkup.Status != CheckupStatusFailed || checkup.ErrorMessage != failureMessageTimeout {
		test.Fatalf("expected timed out checkup, got %+v", checkup)
	}
}

func TestMarkStaleCheckupsFailedKeepsOrchestrationGaps(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	queue := &recordingQueue{err: errors.New("queue down")}
	clock := int64(testNowUnixUTC)
	service, err := NewService(store, func() int64 { return clock }, WithIDGenerator(sequentialIDs("id")), WithJobQueue(queue))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	doctor := mustOpenAccount(test, service, "doctor-1", RoleDoctor)
	admin := mustOpenAccount(test, service, "admin-1", RoleAdmin)
	receipt := mustSubmitCheckup(test, service, doctor, 1)
	if receipt.TaskQueued {
		test.Fatalf("expected orchestration gap, got %+v", receipt)
	}
	clock += 3600

	failed, err := service.MarkStaleCheckupsFailed(context.Background(), 30*time.Minute, 10)
	if err != nil {
		test.Fatalf("reap: %v", err)
	}
	if failed != 0 {
		test.Fatalf("expected gap checkup to be skipped, reaped %d", failed)
	}
	results, err := service.PollResults(context.Background(), doctor, receipt.Checkup.ID, 0)
	if err != nil {
		test.Fatalf("poll: %v", err)
	}
	if !results.Gap || results.Checkup.Status != CheckupStatusPending {
		test.Fatalf("expected pending gap after reap, got %+v", results)
	}

	queue.mutex.Lock()
	queue.err = nil
	queue.mutex.Unlock()
	if _, err := service.ResubmitCheckup(context.Background(), admin, receipt.Checkup.ID); err != nil {
		test.Fatalf("resubmit after reap: %v", err)
	}
}
