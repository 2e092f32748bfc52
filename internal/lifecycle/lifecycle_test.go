package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/face-identity/internal/aggregate"
	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database/mock"
	"github.com/kozaktomas/face-identity/internal/face"
	"github.com/kozaktomas/face-identity/internal/session"
)

const testDim = 4

var (
	aliceVec   = []float32{1, 0, 0, 0}
	aliceVec2  = []float32{0.95, 0.1, 0.05, 0}
	aliceProbe = []float32{0.97, 0.05, 0.02, 0}
	bobVec     = []float32{0, 1, 0, 0}
	bobProbe   = []float32{0.05, 0.98, 0, 0.02}
	unknownVec = []float32{0, 0, 1, 0}
)

func goodFace(vec []float32) face.Observation {
	return face.Observation{
		Embedding:   vec,
		BBox:        face.BBox{100, 100, 250, 260},
		DetScore:    0.97,
		Sharpness:   120,
		Brightness:  130,
		ImageWidth:  640,
		ImageHeight: 480,
	}
}

func blurryFace(vec []float32) face.Observation {
	o := goodFace(vec)
	o.Sharpness = 5
	return o
}

// fakeDetector answers by image content.
type fakeDetector struct {
	mu      sync.Mutex
	faces   map[string][]face.Observation
	errs    map[string]error
	pingErr error
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{faces: map[string][]face.Observation{}, errs: map[string]error{}}
}

func (d *fakeDetector) set(name string, obs ...face.Observation) Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faces[name] = obs
	return Image{Name: name + ".jpg", Data: []byte(name)}
}

func (d *fakeDetector) fail(name string, err error) Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[name] = err
	return Image{Name: name + ".jpg", Data: []byte(name)}
}

func (d *fakeDetector) DetectAndEmbed(ctx context.Context, image []byte) ([]face.Observation, error) {
	d.calls.Add(1)
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		m := d.maxInFlight.Load()
		if n <= m || d.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, face.Wrap(face.KindModel, "cancelled", ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.errs[string(image)]; ok {
		return nil, err
	}
	src := d.faces[string(image)]
	out := make([]face.Observation, len(src))
	copy(out, src)
	return out, nil
}

func (d *fakeDetector) Ping(context.Context) error { return d.pingErr }

type fixture struct {
	c     *Coordinator
	store *mock.MockStore
	det   *fakeDetector
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Embedding.Dim = testDim
	if mutate != nil {
		mutate(cfg)
	}

	store := mock.NewMockStore()
	det := newFakeDetector()
	sessions := session.NewManager(session.NewMemoryStore(0), 20*time.Minute, cfg.Enrollment.MaxImagesPerRegistration)

	c, err := New(cfg, det, store, WithSessions(sessions))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{c: c, store: store, det: det}
}

func assertKind(t *testing.T, err error, want face.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := face.KindOf(err); got != want {
		t.Fatalf("error kind = %s, want %s (err = %v)", got, want, err)
	}
}

func TestRegisterVerify_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.c.Register(ctx, "alice", []Image{
		f.det.set("alice-1", goodFace(aliceVec)),
		f.det.set("alice-2", goodFace(aliceVec2)),
	}, Options{})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if res.FacesDetected != 2 || res.FacesAccepted != 2 || res.EmbeddingsStored != 1 {
		t.Errorf("Register() = %+v, want 2 detected, 2 registered, 1 centroid", res)
	}
	if res.AverageQuality <= 0.4 || res.AverageQuality > 1 {
		t.Errorf("AverageQuality = %v", res.AverageQuality)
	}

	v, err := f.c.Verify(ctx, f.det.set("alice-probe", goodFace(aliceProbe)), Options{})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !v.Found || v.PersonID != "alice" {
		t.Fatalf("Verify() = %+v, want alice", v.Result)
	}
	if v.Confidence < 0.9 {
		t.Errorf("Confidence = %v, want >= 0.9", v.Confidence)
	}
}

func TestRegisterVerify_RetainAllRoundTrip(t *testing.T) {
	for _, combine := range []string{config.CombineMax, config.CombineTopNMean} {
		t.Run(combine, func(t *testing.T) {
			f := newFixture(t, func(c *config.Config) {
				c.Enrollment.AggregationStrategy = config.StrategyRetainAll
				c.Matching.Combine = combine
				c.Matching.Alternatives = 3
			})
			ctx := context.Background()

			res, err := f.c.Register(ctx, "alice", []Image{
				f.det.set("alice-1", goodFace(aliceVec)),
				f.det.set("alice-2", goodFace(aliceVec2)),
			}, Options{})
			if err != nil {
				t.Fatalf("Register(alice) error = %v", err)
			}
			if res.EmbeddingsStored != 2 {
				t.Errorf("EmbeddingsStored = %d, want one per accepted face", res.EmbeddingsStored)
			}
			if _, err := f.c.Register(ctx, "bob", []Image{f.det.set("bob-1", goodFace(bobVec))}, Options{}); err != nil {
				t.Fatalf("Register(bob) error = %v", err)
			}

			info, err := f.c.Get(ctx, "alice")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if info.EmbeddingCount != 2 || info.Strategy != config.StrategyRetainAll {
				t.Errorf("Get() = %+v, want 2 retain_all embeddings", info)
			}

			// Both stored alice vectors sit within the tie epsilon of the probe;
			// they must combine into one alice score, not tie with each other.
			v, err := f.c.Verify(ctx, f.det.set("alice-probe", goodFace(aliceProbe)), Options{})
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if !v.Found || v.PersonID != "alice" || v.Ambiguous {
				t.Fatalf("Verify() = %+v, want an unambiguous alice", v.Result)
			}
			if len(v.Alternatives) != 1 || v.Alternatives[0].PersonID != "bob" {
				t.Errorf("Alternatives = %+v, want only bob", v.Alternatives)
			}
			for _, alt := range v.Alternatives {
				if alt.PersonID == "alice" {
					t.Errorf("matched person repeated in alternatives: %+v", v.Alternatives)
				}
			}
		})
	}
}

func TestVerify_Scenarios(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.c.Register(ctx, "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.Register(ctx, "bob", []Image{f.det.set("b", goodFace(bobVec))}, Options{}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		probe     []float32
		wantFound bool
		wantID    string
	}{
		{"alice", aliceProbe, true, "alice"},
		{"bob", bobProbe, true, "bob"},
		{"unknown", unknownVec, false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := f.c.Verify(ctx, f.det.set("probe-"+tc.name, goodFace(tc.probe)), Options{})
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if v.Found != tc.wantFound || v.PersonID != tc.wantID {
				t.Errorf("Verify() = found %v id %q, want found %v id %q", v.Found, v.PersonID, tc.wantFound, tc.wantID)
			}
		})
	}
}

func TestVerify_EmptyGallery(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.c.Verify(context.Background(), f.det.set("p", goodFace(aliceVec)), Options{})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if v.Found {
		t.Error("match found in an empty gallery")
	}
}

func TestVerify_ProbeRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name          string
		image         Image
		allowMultiple bool
		want          face.Kind
	}{
		{"no face", f.det.set("none"), false, face.KindFaceNotDetected},
		{"two faces", f.det.set("two", goodFace(aliceVec), goodFace(bobVec)), false, face.KindMultipleFaces},
		{"blurry", f.det.set("blur", blurryFace(aliceVec)), false, face.KindPoorQuality},
		{"undecodable", f.det.fail("junk", face.NewError(face.KindValidation, "bad image")), false, face.KindValidation},
		{"model down", f.det.fail("boom", face.Wrap(face.KindModel, "down", errors.New("503"))), false, face.KindModel},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.c.Verify(ctx, tc.image, Options{AllowMultipleFaces: tc.allowMultiple})
			assertKind(t, err, tc.want)
		})
	}

	if calls := f.store.SearchCalls(); calls != 0 {
		t.Errorf("store searched %d times for rejected probes", calls)
	}
}

func TestVerify_AllowMultipleSelectsLargest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.c.Register(ctx, "bob", []Image{f.det.set("b", goodFace(bobVec))}, Options{}); err != nil {
		t.Fatal(err)
	}

	small := goodFace(aliceVec)
	small.BBox = face.BBox{0, 0, 60, 60}
	big := goodFace(bobProbe)
	big.BBox = face.BBox{100, 100, 300, 300}

	v, err := f.c.Verify(ctx, f.det.set("group", small, big), Options{AllowMultipleFaces: true})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if v.PersonID != "bob" || v.FacesDetected != 2 {
		t.Errorf("Verify() = %+v, want bob from the larger face", v)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	img := f.det.set("a", goodFace(aliceVec))

	if _, err := f.c.Register(ctx, "alice", []Image{img}, Options{}); err != nil {
		t.Fatal(err)
	}
	calls := f.det.calls.Load()

	_, err := f.c.Register(ctx, "alice", []Image{img}, Options{})
	assertKind(t, err, face.KindPersonAlreadyExists)
	if f.det.calls.Load() != calls {
		t.Error("duplicate registration ran face detection")
	}
}

func TestRegister_MergePolicy(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Enrollment.RegisterPolicy = config.RegisterMerge })
	ctx := context.Background()

	if _, err := f.c.Register(ctx, "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{}); err != nil {
		t.Fatal(err)
	}
	res, err := f.c.Register(ctx, "alice", []Image{f.det.set("a2", goodFace(aliceVec2))}, Options{})
	if err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
	if !res.Merged {
		t.Error("second registration was not merged")
	}

	info, _ := f.c.Get(ctx, "alice")
	if info.SourceObservations != 2 {
		t.Errorf("SourceObservations = %d, want 2", info.SourceObservations)
	}
}

func TestRegister_PartialBatch(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.c.Register(context.Background(), "alice", []Image{
		f.det.set("blurry", blurryFace(aliceVec)),
		f.det.set("good", goodFace(aliceVec)),
		f.det.set("empty"),
	}, Options{})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if res.FacesDetected != 2 || res.FacesAccepted != 1 {
		t.Errorf("detected %d registered %d, want 2 and 1", res.FacesDetected, res.FacesAccepted)
	}

	want := []struct {
		accepted bool
		reason   string
	}{{false, "blurry"}, {true, ""}, {false, "no_face"}}
	for i, w := range want {
		got := res.Images[i]
		if got.Index != i || got.Accepted != w.accepted || got.Reason != w.reason {
			t.Errorf("image %d outcome = %+v, want accepted=%v reason=%q", i, got, w.accepted, w.reason)
		}
	}
}

func TestRegister_AllImagesRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.c.Register(context.Background(), "alice", []Image{
		f.det.set("two", goodFace(aliceVec), goodFace(bobVec)),
		f.det.set("blurry", blurryFace(aliceVec)),
	}, Options{})
	assertKind(t, err, face.KindMultipleFaces)

	var fe *face.Error
	if !errors.As(err, &fe) || fe.Reason != "multiple_faces" {
		t.Errorf("reason = %+v, want multiple_faces", fe)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || len(rejected.Images) != 2 {
		t.Fatalf("expected per-image outcomes, got %v", err)
	}
	if rejected.Images[1].Reason != "blurry" {
		t.Errorf("second image reason = %q, want blurry", rejected.Images[1].Reason)
	}
	if exists, _ := f.store.Exists(context.Background(), "alice"); exists {
		t.Error("identity stored although every image was rejected")
	}
}

func TestRegister_ModelErrorAbortsBatch(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.c.Register(context.Background(), "alice", []Image{
		f.det.set("good", goodFace(aliceVec)),
		f.det.fail("boom", face.Wrap(face.KindModel, "inference failed", errors.New("cuda"))),
	}, Options{})
	assertKind(t, err, face.KindModel)

	if f.store.InsertCalls() != 0 {
		t.Error("store written after a model failure")
	}
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Enrollment.MaxImagesPerRegistration = 2 })
	ctx := context.Background()
	img := f.det.set("a", goodFace(aliceVec))

	tests := []struct {
		name   string
		id     string
		images []Image
	}{
		{"blank id", "   ", []Image{img}},
		{"no images", "alice", nil},
		{"too many images", "alice", []Image{img, img, img}},
		{"empty image", "alice", []Image{{Name: "x"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.c.Register(ctx, tc.id, tc.images, Options{})
			assertKind(t, err, face.KindValidation)
		})
	}
}

func TestRegister_DimensionMismatch(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.c.Register(context.Background(), "alice",
		[]Image{f.det.set("wrongdim", goodFace([]float32{1, 0, 0}))}, Options{})
	assertKind(t, err, face.KindValidation)
}

func TestRegister_StoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SetError(&f.store.InsertError, errors.New("connection reset"))

	_, err := f.c.Register(context.Background(), "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{})
	assertKind(t, err, face.KindStorage)
	if face.MessageOf(err) == "connection reset" {
		t.Error("internal cause leaked into the message")
	}
}

func TestRegister_NormalizesPersonID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.c.Register(ctx, "  Jose\u0301 ", []Image{f.det.set("a", goodFace(aliceVec))}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.PersonID != "Jos\u00e9" {
		t.Errorf("PersonID = %q, want NFC form", res.PersonID)
	}
	if _, err := f.c.Get(ctx, "Jos\u00e9"); err != nil {
		t.Errorf("Get() with composed id error = %v", err)
	}
}

func TestRegister_BoundedConcurrency(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Enrollment.DetectConcurrency = 2 })
	f.det.delay = 20 * time.Millisecond

	images := make([]Image, 6)
	for i := range images {
		images[i] = f.det.set(fmt.Sprintf("img-%d", i), goodFace(aliceVec))
	}
	if _, err := f.c.Register(context.Background(), "alice", images, Options{}); err != nil {
		t.Fatal(err)
	}
	if m := f.det.maxInFlight.Load(); m > 2 {
		t.Errorf("max concurrent detections = %d, want <= 2", m)
	}
}

func TestDelete_ThenGet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.c.Register(ctx, "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{}); err != nil {
		t.Fatal(err)
	}

	if err := f.c.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	_, err := f.c.Get(ctx, "alice")
	assertKind(t, err, face.KindPersonNotFound)

	assertKind(t, f.c.Delete(ctx, "alice"), face.KindPersonNotFound)

	v, err := f.c.Verify(ctx, f.det.set("probe", goodFace(aliceProbe)), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if v.Found {
		t.Error("deleted person still matched")
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown person", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.c.Update(ctx, "ghost", []Image{f.det.set("a", goodFace(aliceVec))}, Options{})
		assertKind(t, err, face.KindPersonNotFound)
	})

	t.Run("append", func(t *testing.T) {
		f := newFixture(t, nil)
		if _, err := f.c.Register(ctx, "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{}); err != nil {
			t.Fatal(err)
		}
		res, err := f.c.Update(ctx, "alice", []Image{f.det.set("a2", goodFace(aliceVec2))}, Options{})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if res.FacesAccepted != 1 || res.EmbeddingsStored != 1 {
			t.Errorf("Update() = %+v", res)
		}
		info, _ := f.c.Get(ctx, "alice")
		if info.SourceObservations != 2 {
			t.Errorf("SourceObservations = %d, want 2", info.SourceObservations)
		}
	})

	t.Run("replace", func(t *testing.T) {
		f := newFixture(t, nil)
		if _, err := f.c.Register(ctx, "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{}); err != nil {
			t.Fatal(err)
		}
		if _, err := f.c.Update(ctx, "alice", []Image{f.det.set("b", goodFace(bobVec))},
			Options{Mode: aggregate.ModeReplace}); err != nil {
			t.Fatal(err)
		}
		v, err := f.c.Verify(ctx, f.det.set("probe", goodFace(bobProbe)), Options{})
		if err != nil {
			t.Fatal(err)
		}
		if v.PersonID != "alice" {
			t.Errorf("after replace the bob-like probe should match alice, got %+v", v.Result)
		}
	})

	t.Run("retain all eviction", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) {
			c.Enrollment.AggregationStrategy = config.StrategyRetainAll
			c.Enrollment.MaxEmbeddingsPerPerson = 3
		})
		if _, err := f.c.Register(ctx, "alice", []Image{
			f.det.set("a1", goodFace(aliceVec)), f.det.set("a2", goodFace(aliceVec2)),
		}, Options{}); err != nil {
			t.Fatal(err)
		}
		res, err := f.c.Update(ctx, "alice", []Image{
			f.det.set("a3", goodFace(aliceProbe)), f.det.set("a4", goodFace(aliceVec)),
		}, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if res.EmbeddingsStored != 3 {
			t.Errorf("EmbeddingsStored = %d, want cap of 3", res.EmbeddingsStored)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.c.Update(ctx, "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{Mode: "merge"})
		assertKind(t, err, face.KindValidation)
	})
}

func TestUpdate_ConcurrentAppendsAreSerialized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.c.Register(ctx, "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{}); err != nil {
		t.Fatal(err)
	}
	f.store.Delay = time.Millisecond

	const n = 10
	var wg sync.WaitGroup
	for i := range n {
		img := f.det.set(fmt.Sprintf("u-%d", i), goodFace(aliceVec2))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.c.Update(ctx, "alice", []Image{img}, Options{}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	info, err := f.c.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if info.SourceObservations != n+1 {
		t.Errorf("SourceObservations = %d, want %d (lost update)", info.SourceObservations, n+1)
	}
}

func TestUpdateDeleteRace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.c.Register(ctx, "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{}); err != nil {
		t.Fatal(err)
	}
	img := f.det.set("u", goodFace(aliceVec2))

	var wg sync.WaitGroup
	var updateErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, updateErr = f.c.Update(ctx, "alice", []Image{img}, Options{})
	}()
	go func() {
		defer wg.Done()
		_ = f.c.Delete(ctx, "alice")
	}()
	wg.Wait()

	// Whatever the order, the delete wins in the end and an update that
	// lost the race reports the person as gone.
	if exists, _ := f.store.Exists(ctx, "alice"); exists {
		t.Error("person exists after delete completed")
	}
	if updateErr != nil {
		assertKind(t, updateErr, face.KindPersonNotFound)
	}
}

func TestSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	info, err := f.c.StartSession(ctx, "alice")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if info.Token == "" || info.State != session.StateCreated {
		t.Fatalf("StartSession() = %+v", info)
	}

	add, err := f.c.AddSessionImages(ctx, info.Token, []Image{
		f.det.set("s1", goodFace(aliceVec)),
		f.det.set("s2", blurryFace(aliceVec)),
	}, Options{})
	if err != nil {
		t.Fatalf("AddSessionImages() error = %v", err)
	}
	if add.FacesAcceptedNow != 1 || add.FacesAccepted != 1 || add.Images[1].Reason != "blurry" {
		t.Errorf("AddSessionImages() = %+v", add)
	}

	if _, err := f.c.AddSessionImages(ctx, info.Token, []Image{f.det.set("s3", goodFace(aliceVec2))}, Options{}); err != nil {
		t.Fatal(err)
	}

	got, err := f.c.GetSession(ctx, info.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.ImagesSeen != 3 || got.FacesAccepted != 2 || got.State != session.StateAccumulating {
		t.Errorf("GetSession() = %+v", got)
	}

	res, err := f.c.FinalizeSession(ctx, info.Token)
	if err != nil {
		t.Fatalf("FinalizeSession() error = %v", err)
	}
	if res.PersonID != "alice" || res.FacesAccepted != 2 || res.FacesDetected != 3 {
		t.Errorf("FinalizeSession() = %+v", res)
	}

	_, err = f.c.GetSession(ctx, info.Token)
	assertKind(t, err, face.KindSessionNotFound)

	v, err := f.c.Verify(ctx, f.det.set("probe", goodFace(aliceProbe)), Options{})
	if err != nil || !v.Found || v.PersonID != "alice" {
		t.Errorf("Verify() after session enrollment = %+v, %v", v, err)
	}
}

func TestSessions_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.c.AddSessionImages(ctx, "no-such-token", []Image{f.det.set("a", goodFace(aliceVec))}, Options{})
	assertKind(t, err, face.KindSessionNotFound)

	info, _ := f.c.StartSession(ctx, "alice")
	_, err = f.c.FinalizeSession(ctx, info.Token)
	assertKind(t, err, face.KindValidation)

	if err := f.c.CancelSession(ctx, info.Token); err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}
	_, err = f.c.FinalizeSession(ctx, info.Token)
	assertKind(t, err, face.KindSessionNotFound)

	if _, err := f.c.Register(ctx, "bob", []Image{f.det.set("b", goodFace(bobVec))}, Options{}); err != nil {
		t.Fatal(err)
	}
	_, err = f.c.StartSession(ctx, "bob")
	assertKind(t, err, face.KindPersonAlreadyExists)
}

func TestSessions_FailedCommitCanBeRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	info, _ := f.c.StartSession(ctx, "alice")
	if _, err := f.c.AddSessionImages(ctx, info.Token, []Image{f.det.set("a", goodFace(aliceVec))}, Options{}); err != nil {
		t.Fatal(err)
	}

	f.store.SetError(&f.store.InsertError, errors.New("disk full"))
	_, err := f.c.FinalizeSession(ctx, info.Token)
	assertKind(t, err, face.KindStorage)

	f.store.SetError(&f.store.InsertError, nil)
	if _, err := f.c.FinalizeSession(ctx, info.Token); err != nil {
		t.Fatalf("retried FinalizeSession() error = %v", err)
	}
}

func TestSessions_Disabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Embedding.Dim = testDim
	c, err := New(cfg, newFakeDetector(), mock.NewMockStore())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.StartSession(context.Background(), "alice")
	assertKind(t, err, face.KindValidation)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.c.Register(ctx, "alice", []Image{f.det.set("a", goodFace(aliceVec))}, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.StartSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	h := f.c.Health(ctx)
	if !h.ModelLoaded || !h.DatabaseOK || h.Identities != 1 || h.Sessions != 1 {
		t.Errorf("Health() = %+v", h)
	}

	f.det.pingErr = errors.New("connection refused")
	f.store.SetError(&f.store.PingError, errors.New("db down"))
	h = f.c.Health(ctx)
	if h.ModelLoaded || h.DatabaseOK {
		t.Errorf("Health() with failures = %+v", h)
	}
}
