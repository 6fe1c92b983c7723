package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cesargomez89/hymnsync/internal/auth"
	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/domain"
	"github.com/cesargomez89/hymnsync/internal/logger"
	"github.com/cesargomez89/hymnsync/internal/parser"
	"github.com/cesargomez89/hymnsync/internal/remote"
	"github.com/cesargomez89/hymnsync/internal/remote/remotetest"
)

func newEngine(t *testing.T, mem *remotetest.Memory, identity string) *Engine {
	t.Helper()
	e := New(mem, Config{Bucket: "hymn", WorkIdentity: identity}, logger.Discard())
	e.SetClock(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) })
	return e
}

func writeArtifact(t *testing.T, dir, name string) domain.Artifact {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("%PDF-1.4 "+name), constants.FilePermissions); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return parser.Parse(p, constants.DefaultBlobPrefix)
}

func counts(mem *remotetest.Memory) map[string]int {
	out := make(map[string]int)
	for _, c := range constants.Collections {
		out[c] = len(mem.Rows(c))
	}
	return out
}

func TestEngine_ReconcileCreatesEverything(t *testing.T) {
	mem := remotetest.NewMemory()
	e := newEngine(t, mem, constants.WorkIdentityTitle)
	a := writeArtifact(t, t.TempDir(), "TV_Great_Is_Thy_Faithfulness_Chisholm.pdf")

	outcome, err := e.Reconcile(context.Background(), a)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if outcome != domain.OutcomeCreated {
		t.Errorf("Expected outcome created, got %s", outcome)
	}

	for _, c := range constants.Collections {
		if n := len(mem.Rows(c)); n != 1 {
			t.Errorf("Expected 1 row in %s, got %d", c, n)
		}
	}

	creator := mem.Rows(constants.CollectionCreators)[0]
	if creator.String("name") != "Chisholm" || creator.String("biography") != constants.CreatorBiography {
		t.Errorf("Unexpected creator row: %v", creator)
	}
	work := mem.Rows(constants.CollectionWorks)[0]
	if work.String("title") != "Great Is Thy Faithfulness" {
		t.Errorf("Unexpected work title %q", work.String("title"))
	}
	if work.String("lyrics") != "Lyrics for Great Is Thy Faithfulness" {
		t.Errorf("Unexpected lyrics %q", work.String("lyrics"))
	}
	category := mem.Rows(constants.CollectionCategories)[0]
	if category.String("name") != "Thánh Vịnh" {
		t.Errorf("Unexpected category %q", category.String("name"))
	}

	rec := mem.Rows(constants.CollectionArtifactRecord)[0]
	if rec.Int("version") != 1 {
		t.Errorf("Expected version 1, got %d", rec.Int("version"))
	}
	if rec.String("hymn_id") != work.ID() {
		t.Errorf("Expected record to reference work %s, got %s", work.ID(), rec.String("hymn_id"))
	}
	if want := mem.PublicURL("hymn", a.ObjectPath); rec.String("file_url") != want {
		t.Errorf("Expected file_url %q, got %q", want, rec.String("file_url"))
	}
	if blobs := mem.Blobs(); len(blobs) != 1 || blobs[0] != "hymn/pdf/TV_Great_Is_Thy_Faithfulness_Chisholm.pdf" {
		t.Errorf("Unexpected blobs %v", blobs)
	}
}

func TestEngine_Idempotent(t *testing.T) {
	mem := remotetest.NewMemory()
	e := newEngine(t, mem, constants.WorkIdentityTitle)
	dir := t.TempDir()
	artifacts := []domain.Artifact{
		writeArtifact(t, dir, "Amazing_Grace_Newton.pdf"),
		writeArtifact(t, dir, "CN_Holy_Holy_Holy_Heber.pdf"),
		writeArtifact(t, dir, "Abide_With_Me_Lyte.pdf"),
	}

	for _, a := range artifacts {
		if _, err := e.Reconcile(context.Background(), a); err != nil {
			t.Fatalf("Reconcile %s failed: %v", a.FileName, err)
		}
	}
	first := counts(mem)
	uploads := mem.Calls(remotetest.OpBlobUpload)

	for _, a := range artifacts {
		outcome, err := e.Reconcile(context.Background(), a)
		if err != nil {
			t.Fatalf("Second reconcile %s failed: %v", a.FileName, err)
		}
		if outcome != domain.OutcomeSkipped {
			t.Errorf("Expected %s to be skipped, got %s", a.FileName, outcome)
		}
	}

	second := counts(mem)
	for c, n := range first {
		if second[c] != n {
			t.Errorf("Expected %d rows in %s after second run, got %d", n, c, second[c])
		}
	}
	if mem.Calls(remotetest.OpBlobUpload) != uploads {
		t.Error("Expected no uploads on the second run")
	}
	if mem.Calls(remotetest.OpCreate)+mem.Calls(remotetest.OpPatch) != first[constants.CollectionCreators]+
		first[constants.CollectionWorks]+first[constants.CollectionCreatorLinks]+first[constants.CollectionArtifactRecord]+
		first[constants.CollectionCategories]+first[constants.CollectionCategoryLinks] {
		t.Error("Expected no writes on the second run")
	}
}

func TestEngine_ResumesAfterPartialAttempt(t *testing.T) {
	mem := remotetest.NewMemory()
	e := newEngine(t, mem, constants.WorkIdentityTitle)
	a := writeArtifact(t, t.TempDir(), "Amazing_Grace_Newton.pdf")

	mem.FailOnCollection(remotetest.OpCreate, constants.CollectionArtifactRecord, 1, nil)
	if _, err := e.Reconcile(context.Background(), a); !errors.Is(err, remote.ErrTransient) {
		t.Fatalf("Expected transient error, got %v", err)
	}

	outcome, err := e.Reconcile(context.Background(), a)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if outcome != domain.OutcomeCreated {
		t.Errorf("Expected outcome created, got %s", outcome)
	}
	for _, c := range constants.Collections {
		if n := len(mem.Rows(c)); n != 1 {
			t.Errorf("Expected 1 row in %s, got %d", c, n)
		}
	}
	if mem.Calls(remotetest.OpBlobUpload) != 1 {
		t.Errorf("Expected a single upload, got %d", mem.Calls(remotetest.OpBlobUpload))
	}
}

func TestEngine_VersionMonotonic(t *testing.T) {
	mem := remotetest.NewMemory()
	e := newEngine(t, mem, constants.WorkIdentityTitle)
	a := writeArtifact(t, t.TempDir(), "Amazing_Grace_Newton.pdf")

	work := mem.Seed(constants.CollectionWorks, remote.Record{"title": "Amazing Grace"})
	mem.Seed(constants.CollectionArtifactRecord, remote.Record{
		"hymn_id":  work.ID(),
		"file_url": "http://old/url.pdf",
		"version":  3,
	})

	outcome, err := e.Reconcile(context.Background(), a)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if outcome != domain.OutcomeUpdated {
		t.Errorf("Expected outcome updated, got %s", outcome)
	}

	records := mem.Rows(constants.CollectionArtifactRecord)
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 artifact record, got %d", len(records))
	}
	if records[0].Int("version") != 4 {
		t.Errorf("Expected version 4, got %d", records[0].Int("version"))
	}
	if records[0].String("file_url") == "http://old/url.pdf" {
		t.Error("Expected file_url to be replaced")
	}
	if records[0].String("updated_at") != "2024-03-01T12:00:00Z" {
		t.Errorf("Expected updated_at to be stamped, got %q", records[0].String("updated_at"))
	}
}

func TestEngine_WorkIdentity(t *testing.T) {
	tests := []struct {
		name        string
		identity    string
		wantWorks   int
		wantRecords int
		wantLinks   int
	}{
		{"title shares the work", constants.WorkIdentityTitle, 1, 1, 2},
		{"title and creator split works", constants.WorkIdentityTitleCreator, 2, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := remotetest.NewMemory()
			e := newEngine(t, mem, tt.identity)
			dir := t.TempDir()

			for _, name := range []string{"Amazing_Grace_Newton.pdf", "Amazing_Grace_Wesley.pdf"} {
				if _, err := e.Reconcile(context.Background(), writeArtifact(t, dir, name)); err != nil {
					t.Fatalf("Reconcile %s failed: %v", name, err)
				}
			}

			if n := len(mem.Rows(constants.CollectionWorks)); n != tt.wantWorks {
				t.Errorf("Expected %d works, got %d", tt.wantWorks, n)
			}
			if n := len(mem.Rows(constants.CollectionArtifactRecord)); n != tt.wantRecords {
				t.Errorf("Expected %d artifact records, got %d", tt.wantRecords, n)
			}
			if n := len(mem.Rows(constants.CollectionCreatorLinks)); n != tt.wantLinks {
				t.Errorf("Expected %d creator links, got %d", tt.wantLinks, n)
			}
		})
	}
}

func TestEngine_CategoryFailureIsSoft(t *testing.T) {
	mem := remotetest.NewMemory()
	e := newEngine(t, mem, constants.WorkIdentityTitle)
	a := writeArtifact(t, t.TempDir(), "PS_Christ_The_Lord_Is_Risen_Wesley.pdf")

	mem.FailOnCollection(remotetest.OpCreate, constants.CollectionCategoryLinks, 1, nil)

	outcome, err := e.Reconcile(context.Background(), a)
	if err != nil {
		t.Fatalf("Expected category link failure to be tolerated, got %v", err)
	}
	if outcome != domain.OutcomeCreated {
		t.Errorf("Expected outcome created, got %s", outcome)
	}
	if n := len(mem.Rows(constants.CollectionCategoryLinks)); n != 0 {
		t.Errorf("Expected no category link, got %d", n)
	}
	if n := len(mem.Rows(constants.CollectionArtifactRecord)); n != 1 {
		t.Errorf("Expected artifact record to exist, got %d", n)
	}
}

func TestEngine_CategoryAuthFailureAborts(t *testing.T) {
	mem := remotetest.NewMemory()
	e := newEngine(t, mem, constants.WorkIdentityTitle)
	a := writeArtifact(t, t.TempDir(), "Amazing_Grace_Newton.pdf")

	authErr := &auth.Error{Primary: errors.New("bad password"), Fallback: errors.New("bad password")}
	mem.FailOnCollection(remotetest.OpCreate, constants.CollectionCategories, 1, authErr)

	if _, err := e.Reconcile(context.Background(), a); !errors.Is(err, auth.ErrAuth) {
		t.Fatalf("Expected auth error, got %v", err)
	}
}

func TestEngine_UploadFailure(t *testing.T) {
	mem := remotetest.NewMemory()
	e := newEngine(t, mem, constants.WorkIdentityTitle)
	a := writeArtifact(t, t.TempDir(), "Amazing_Grace_Newton.pdf")

	mem.FailOn(remotetest.OpBlobUpload, 1, nil)

	_, err := e.Reconcile(context.Background(), a)
	if !errors.Is(err, remote.ErrTransient) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	if n := len(mem.Rows(constants.CollectionCreators)); n != 0 {
		t.Errorf("Expected no creator after failed upload, got %d", n)
	}
}

func TestEngine_ConcurrentSameCreator(t *testing.T) {
	mem := remotetest.NewMemory()
	e := newEngine(t, mem, constants.WorkIdentityTitle)
	dir := t.TempDir()

	var artifacts []domain.Artifact
	for i := 0; i < 8; i++ {
		artifacts = append(artifacts, writeArtifact(t, dir, fmt.Sprintf("TL_Hymn_Number_%d_Wesley.pdf", i)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(artifacts))
	for _, a := range artifacts {
		wg.Add(1)
		go func(a domain.Artifact) {
			defer wg.Done()
			if _, err := e.Reconcile(context.Background(), a); err != nil {
				errs <- err
			}
		}(a)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Reconcile failed: %v", err)
	}

	if n := len(mem.Rows(constants.CollectionCreators)); n != 1 {
		t.Errorf("Expected 1 creator, got %d", n)
	}
	if n := len(mem.Rows(constants.CollectionCategories)); n != 1 {
		t.Errorf("Expected 1 category, got %d", n)
	}
	if n := len(mem.Rows(constants.CollectionWorks)); n != len(artifacts) {
		t.Errorf("Expected %d works, got %d", len(artifacts), n)
	}
	if n := e.locks.size(); n != 0 {
		t.Errorf("Expected key locks to be released, %d remain", n)
	}
}

func TestEngine_Plan(t *testing.T) {
	mem := remotetest.NewMemory()
	e := newEngine(t, mem, constants.WorkIdentityTitle)
	a := parser.Parse("/pdfs/MC_Were_You_There_Traditional.pdf", constants.DefaultBlobPrefix)

	plan := e.Plan(a)
	if plan.Bucket != "hymn" {
		t.Errorf("Expected bucket hymn, got %q", plan.Bucket)
	}
	if plan.PublicURL != mem.PublicURL("hymn", "pdf/MC_Were_You_There_Traditional.pdf") {
		t.Errorf("Unexpected public url %q", plan.PublicURL)
	}
	if plan.Artifact.Category != "Mùa Chay" {
		t.Errorf("Expected category Mùa Chay, got %q", plan.Artifact.Category)
	}
	if n := mem.Calls(remotetest.OpFind); n != 0 {
		t.Errorf("Expected no remote calls, got %d", n)
	}
}
