package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/porchwatch/porchwatch/internal/device"
	"github.com/porchwatch/porchwatch/internal/journal"
	"github.com/porchwatch/porchwatch/internal/media"
	"github.com/porchwatch/porchwatch/internal/motion"
	"github.com/porchwatch/porchwatch/internal/notify"
	"github.com/porchwatch/porchwatch/internal/rtc"
	"github.com/porchwatch/porchwatch/internal/storage"
	"github.com/porchwatch/porchwatch/internal/vision"
)

var capturedAt = time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

type fakeCapturer struct {
	mu          sync.Mutex
	pulls       int
	pushes      int
	current     int
	maxSeen     int
	pullErr     error
	pushErr     error
	delay       time.Duration
	lastPushDur time.Duration
}

func (c *fakeCapturer) PullFrame(ctx context.Context, dev device.Device) (rtc.Frame, error) {
	c.mu.Lock()
	c.pulls++
	c.current++
	if c.current > c.maxSeen {
		c.maxSeen = c.current
	}
	delay, pullErr := c.delay, c.pullErr
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	c.current--
	c.mu.Unlock()

	if pullErr != nil {
		return rtc.Frame{}, pullErr
	}
	return rtc.Frame{
		Data:       []byte("jpeg-bytes"),
		DeviceID:   dev.ID,
		SessionID:  "session-1",
		CapturedAt: capturedAt,
	}, nil
}

func (c *fakeCapturer) PushAudioClip(ctx context.Context, dev device.Device, source rtc.AudioSource, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes++
	c.lastPushDur = d
	return c.pushErr
}

type fakeClassifier struct {
	mu    sync.Mutex
	calls int
	res   vision.Result
	err   error
}

func (c *fakeClassifier) Classify(ctx context.Context, image []byte) (vision.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.res, c.err
}

type fakeUploader struct {
	mu       sync.Mutex
	calls    int
	filename string
	meta     storage.Metadata
	key      string
	err      error
}

func (u *fakeUploader) Upload(ctx context.Context, image []byte, filename string, meta storage.Metadata) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.filename = filename
	u.meta = meta
	return u.key, u.err
}

type fakeSaver struct {
	mu       sync.Mutex
	calls    int
	filename string
	meta     storage.Metadata
	path     string
	err      error
}

func (s *fakeSaver) Save(image []byte, filename string, meta storage.Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.filename = filename
	s.meta = meta
	return s.path, s.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	kinds []notify.Kind
	descs []string
	err   error
}

func (n *fakeNotifier) Notify(ctx context.Context, kind notify.Kind, description string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	n.descs = append(n.descs, description)
	return n.err
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
	err     error
}

func (j *fakeJournal) Record(ctx context.Context, entry journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return j.err
}

type pipelineFakes struct {
	capturer   *fakeCapturer
	classifier *fakeClassifier
	uploader   *fakeUploader
	saver      *fakeSaver
	notifier   *fakeNotifier
	journal    *fakeJournal
}

func newPipelineFakes(res vision.Result) *pipelineFakes {
	return &pipelineFakes{
		capturer:   &fakeCapturer{},
		classifier: &fakeClassifier{res: res},
		uploader:   &fakeUploader{key: "captures/Front_Door_20250314_150926.jpg"},
		saver:      &fakeSaver{path: "/var/porchwatch/Front_Door_20250314_150926.jpg"},
		notifier:   &fakeNotifier{},
		journal:    &fakeJournal{},
	}
}

// build assembles a pipeline over the fakes. Nil fake pointers leave
// the corresponding sink unset.
func (f *pipelineFakes) build(t *testing.T, cfg Config, clip *media.Clip) *Pipeline {
	t.Helper()
	sinks := Sinks{Saver: f.saver}
	if f.uploader != nil {
		sinks.Uploader = f.uploader
	}
	if f.notifier != nil {
		sinks.Notifier = f.notifier
	}
	if f.journal != nil {
		sinks.Journal = f.journal
	}

	p, err := New(cfg, motion.NewTracker(time.Second), f.capturer, f.classifier, sinks, clip)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func testClip() *media.Clip {
	return &media.Clip{Samples: make([]int16, 800), SampleRate: 8000}
}

func frontDoor() device.Device {
	return device.Device{ID: "dev-1", Name: "Front Door", TwoWayAudio: true}
}

func signal(eventID string) device.MotionSignal {
	return device.MotionSignal{DeviceID: "dev-1", EventID: eventID, ObservedAt: time.Now()}
}

func dispatchAndWait(t *testing.T, p *Pipeline, dev device.Device, sig device.MotionSignal) bool {
	t.Helper()
	started := p.Dispatch(context.Background(), dev, sig)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return started
}

func TestSuspiciousBranchRunsAllSinks(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{
		IsSuspicious: true,
		Confidence:   vision.ConfidenceHigh,
		Description:  "person grabbing a box from the porch",
		Reason:       "took a package and walked away quickly",
	})
	p := fakes.build(t, Config{}, testClip())

	if !dispatchAndWait(t, p, frontDoor(), signal("evt-1")) {
		t.Fatal("expected dispatch to start a run")
	}

	if fakes.capturer.pushes != 1 {
		t.Errorf("alert pushes = %d, want 1", fakes.capturer.pushes)
	}
	if fakes.uploader.calls != 1 {
		t.Errorf("uploads = %d, want 1", fakes.uploader.calls)
	}
	if fakes.saver.calls != 1 {
		t.Errorf("saves = %d, want 1", fakes.saver.calls)
	}
	wantName := "Front_Door_20250314_150926.jpg"
	if fakes.saver.filename != wantName {
		t.Errorf("save filename = %q, want %q", fakes.saver.filename, wantName)
	}
	if !fakes.saver.meta.Suspicious {
		t.Error("expected suspicious metadata on the saved frame")
	}

	if len(fakes.notifier.kinds) != 1 || fakes.notifier.kinds[0] != notify.KindThief {
		t.Fatalf("notifications = %v, want one thief notification", fakes.notifier.kinds)
	}
	if fakes.notifier.descs[0] != "person grabbing a box from the porch" {
		t.Errorf("notification description = %q", fakes.notifier.descs[0])
	}

	if len(fakes.journal.entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(fakes.journal.entries))
	}
	entry := fakes.journal.entries[0]
	if entry.Outcome != journal.OutcomeSuspicious {
		t.Errorf("journal outcome = %q, want %q", entry.Outcome, journal.OutcomeSuspicious)
	}
	if entry.StorageKey != fakes.uploader.key {
		t.Errorf("journal storage key = %q, want %q", entry.StorageKey, fakes.uploader.key)
	}
	if entry.LocalPath != fakes.saver.path {
		t.Errorf("journal local path = %q, want %q", entry.LocalPath, fakes.saver.path)
	}
	if entry.Confidence != "high" {
		t.Errorf("journal confidence = %q, want %q", entry.Confidence, "high")
	}

	stats := p.GetStats()
	if stats.Accepted != 1 || stats.Suspicious != 1 {
		t.Errorf("stats = %+v, want accepted 1 suspicious 1", stats)
	}
}

func TestUploadFailureStillSavesLocally(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsSuspicious: true, Description: "lurker"})
	fakes.uploader.err = errors.New("bucket unreachable")
	p := fakes.build(t, Config{}, nil)

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if fakes.saver.calls != 1 {
		t.Fatalf("saves = %d, want 1 despite upload failure", fakes.saver.calls)
	}
	if len(fakes.notifier.kinds) != 1 {
		t.Fatalf("notifications = %d, want 1", len(fakes.notifier.kinds))
	}
	if entry := fakes.journal.entries[0]; entry.StorageKey != "" {
		t.Errorf("journal storage key = %q, want empty after failed upload", entry.StorageKey)
	}
}

func TestNoUploaderConfiguredSkipsUpload(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsSuspicious: true})
	fakes.uploader = nil
	p := fakes.build(t, Config{}, nil)

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if fakes.saver.calls != 1 {
		t.Fatalf("saves = %d, want 1", fakes.saver.calls)
	}
	if entry := fakes.journal.entries[0]; entry.StorageKey != "" {
		t.Errorf("journal storage key = %q, want empty without uploader", entry.StorageKey)
	}
}

func TestSaveFailureStillNotifies(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsSuspicious: true, Description: "prowler"})
	fakes.saver.err = errors.New("disk full")
	p := fakes.build(t, Config{}, nil)

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if len(fakes.notifier.kinds) != 1 || fakes.notifier.kinds[0] != notify.KindThief {
		t.Fatalf("notifications = %v, want one thief notification", fakes.notifier.kinds)
	}
}

func TestDeliveryBranchOnlyNotifies(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsDelivery: true, Description: "courier left a box"})
	p := fakes.build(t, Config{}, testClip())

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if fakes.capturer.pushes != 0 {
		t.Errorf("alert pushes = %d, want 0", fakes.capturer.pushes)
	}
	if fakes.uploader.calls != 0 || fakes.saver.calls != 0 {
		t.Errorf("media persisted on delivery: uploads=%d saves=%d", fakes.uploader.calls, fakes.saver.calls)
	}
	if len(fakes.notifier.kinds) != 1 || fakes.notifier.kinds[0] != notify.KindDelivered {
		t.Fatalf("notifications = %v, want one delivery notification", fakes.notifier.kinds)
	}
	if entry := fakes.journal.entries[0]; entry.Outcome != journal.OutcomeDelivery {
		t.Errorf("journal outcome = %q, want %q", entry.Outcome, journal.OutcomeDelivery)
	}
}

func TestBenignBranchHasNoSideEffects(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{Description: "empty porch"})
	p := fakes.build(t, Config{}, testClip())

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if fakes.capturer.pushes != 0 || fakes.uploader.calls != 0 || fakes.saver.calls != 0 || len(fakes.notifier.kinds) != 0 {
		t.Error("expected no sink activity for a benign verdict")
	}
	if entry := fakes.journal.entries[0]; entry.Outcome != journal.OutcomeBenign {
		t.Errorf("journal outcome = %q, want %q", entry.Outcome, journal.OutcomeBenign)
	}
}

func TestSuspiciousWinsOverDelivery(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsSuspicious: true, IsDelivery: true, Description: "took the delivered box"})
	p := fakes.build(t, Config{}, nil)

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if fakes.saver.calls != 1 {
		t.Errorf("saves = %d, want 1", fakes.saver.calls)
	}
	if len(fakes.notifier.kinds) != 1 || fakes.notifier.kinds[0] != notify.KindThief {
		t.Fatalf("notifications = %v, want thief to win", fakes.notifier.kinds)
	}
}

func TestCaptureFailureSkipsEverything(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsSuspicious: true})
	fakes.capturer.pullErr = rtc.ErrCaptureTimeout
	p := fakes.build(t, Config{}, testClip())

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if fakes.classifier.calls != 0 {
		t.Errorf("classifier calls = %d, want 0 after capture failure", fakes.classifier.calls)
	}
	if fakes.capturer.pushes != 0 || fakes.uploader.calls != 0 || fakes.saver.calls != 0 || len(fakes.notifier.kinds) != 0 {
		t.Error("expected no sink activity after capture failure")
	}

	if len(fakes.journal.entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(fakes.journal.entries))
	}
	entry := fakes.journal.entries[0]
	if entry.Outcome != journal.OutcomeCaptureFailed {
		t.Errorf("journal outcome = %q, want %q", entry.Outcome, journal.OutcomeCaptureFailed)
	}
	if entry.Reason == "" {
		t.Error("expected a failure reason in the journal entry")
	}
}

func TestClassifierTransportErrorTerminatesRun(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{})
	fakes.classifier.err = errors.New("connection refused")
	p := fakes.build(t, Config{}, nil)

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if fakes.saver.calls != 0 || len(fakes.notifier.kinds) != 0 {
		t.Error("expected no sink activity after classifier transport failure")
	}
	if entry := fakes.journal.entries[0]; entry.Outcome != journal.OutcomeClassifyFailed {
		t.Errorf("journal outcome = %q, want %q", entry.Outcome, journal.OutcomeClassifyFailed)
	}
}

func TestDuplicateEventIsGated(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{})
	p := fakes.build(t, Config{}, nil)

	if !dispatchAndWait(t, p, frontDoor(), signal("evt-1")) {
		t.Fatal("first dispatch should start a run")
	}
	if dispatchAndWait(t, p, frontDoor(), signal("evt-1")) {
		t.Fatal("replayed event id should be gated")
	}
	if fakes.capturer.pulls != 1 {
		t.Errorf("pulls = %d, want 1", fakes.capturer.pulls)
	}
}

func TestAlertSkippedWithoutTwoWayAudio(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsSuspicious: true})
	p := fakes.build(t, Config{}, testClip())

	dev := frontDoor()
	dev.TwoWayAudio = false
	dispatchAndWait(t, p, dev, signal("evt-1"))

	if fakes.capturer.pushes != 0 {
		t.Errorf("alert pushes = %d, want 0 for a speakerless device", fakes.capturer.pushes)
	}
	if fakes.saver.calls != 1 {
		t.Errorf("saves = %d, want 1", fakes.saver.calls)
	}
}

func TestAlertSkippedWithoutClip(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsSuspicious: true})
	p := fakes.build(t, Config{}, nil)

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if fakes.capturer.pushes != 0 {
		t.Errorf("alert pushes = %d, want 0 without a configured clip", fakes.capturer.pushes)
	}
}

func TestAlertDurationTruncatesPlayback(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsSuspicious: true})
	clip := testClip() // 100ms of samples
	p := fakes.build(t, Config{AlertDuration: 40 * time.Millisecond}, clip)

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if fakes.capturer.pushes != 1 {
		t.Fatalf("alert pushes = %d, want 1", fakes.capturer.pushes)
	}
	if got := fakes.capturer.lastPushDur; got != 40*time.Millisecond {
		t.Errorf("push duration = %v, want 40ms", got)
	}
}

func TestAlertDurationLongerThanClipPlaysClipOnce(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{IsSuspicious: true})
	clip := testClip()
	p := fakes.build(t, Config{AlertDuration: time.Second}, clip)

	dispatchAndWait(t, p, frontDoor(), signal("evt-1"))

	if got, want := fakes.capturer.lastPushDur, clip.Duration(); got != want {
		t.Errorf("push duration = %v, want clip duration %v", got, want)
	}
}

func TestMaxConcurrentBoundsRuns(t *testing.T) {
	fakes := newPipelineFakes(vision.Result{})
	fakes.capturer.delay = 30 * time.Millisecond
	p := fakes.build(t, Config{MaxConcurrent: 1}, nil)

	ctx := context.Background()
	for i, id := range []string{"d1", "d2", "d3"} {
		dev := device.Device{ID: id, Name: id}
		sig := device.MotionSignal{DeviceID: id, EventID: "evt", ObservedAt: time.Now()}
		if !p.Dispatch(ctx, dev, sig) {
			t.Fatalf("dispatch %d rejected", i)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if fakes.capturer.pulls != 3 {
		t.Errorf("pulls = %d, want 3", fakes.capturer.pulls)
	}
	if fakes.capturer.maxSeen != 1 {
		t.Errorf("max concurrent captures = %d, want 1", fakes.capturer.maxSeen)
	}
}

func TestNewValidation(t *testing.T) {
	tracker := motion.NewTracker(time.Second)
	capturer := &fakeCapturer{}
	classifier := &fakeClassifier{}
	sinks := Sinks{Saver: &fakeSaver{}}

	tests := []struct {
		name string
		fn   func() (*Pipeline, error)
	}{
		{"nil tracker", func() (*Pipeline, error) { return New(Config{}, nil, capturer, classifier, sinks, nil) }},
		{"nil capturer", func() (*Pipeline, error) { return New(Config{}, tracker, nil, classifier, sinks, nil) }},
		{"nil classifier", func() (*Pipeline, error) { return New(Config{}, tracker, capturer, nil, sinks, nil) }},
		{"nil saver", func() (*Pipeline, error) { return New(Config{}, tracker, capturer, classifier, Sinks{}, nil) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.fn(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
