package playout

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry_RegisterSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.registry.RegisterSource(ctx, Asset{Name: "intro", Format: "mp4", MediaType: MediaVideo, DurationSeconds: 12}, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing media file: expected ErrNotFound, got %v", err)
	}

	env.storage.put(AssetKey{Name: "intro", Format: "mp4"})
	err = env.registry.RegisterSource(ctx, Asset{Name: "intro", Format: "mp4", MediaType: MediaVideo}, "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("video without duration: expected ErrValidation, got %v", err)
	}

	err = env.registry.RegisterSource(ctx, Asset{Name: "intro", Format: "pdf", MediaType: MediaVideo, DurationSeconds: 12}, "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("wrong format: expected ErrValidation, got %v", err)
	}

	if err := env.registry.RegisterSource(ctx, Asset{Name: "intro", Format: "mp4", MediaType: MediaVideo, DurationSeconds: 12}, ""); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	err = env.registry.RegisterSource(ctx, Asset{Name: "intro", Format: "mp4", MediaType: MediaVideo, DurationSeconds: 12}, "")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate: expected ErrAlreadyExists, got %v", err)
	}

	a := env.asset(t, AssetKey{Name: "intro", Format: "mp4"})
	if a.Classification != Source || len(a.References) != 0 {
		t.Errorf("registered asset = %+v", a)
	}
	if _, ok := env.descriptors.assets[a.Key()]; !ok {
		t.Error("descriptor not persisted")
	}
}

func TestRegistry_RegisterSource_from_staged_file(t *testing.T) {
	env := newTestEnv(t)
	staged, err := env.storage.Stage(uploadBody("png bytes"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	key := AssetKey{Name: "logo", Format: "png"}
	if err := env.registry.RegisterSource(context.Background(), Asset{Name: "logo", Format: "png", MediaType: MediaImage}, staged); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if !env.storage.has(key) {
		t.Error("staged file should be imported")
	}
}

func TestRegistry_NewRegistry_loads_descriptors(t *testing.T) {
	ctx := context.Background()
	descriptors := NewInMemoryDescriptorStore()
	_ = descriptors.Save(ctx, Asset{Name: "clip", Format: "mp4", MediaType: MediaVideo, Classification: Source, DurationSeconds: 5, References: []EntryID{3}})

	reg, err := NewRegistry(ctx, descriptors, newMemStorage(), nil, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	a, err := reg.Get(AssetKey{Name: "clip", Format: "mp4"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !a.HasReference(3) {
		t.Errorf("references = %v", a.References)
	}
}

func TestRegistry_ReserveRendition_naming(t *testing.T) {
	env := newTestEnv(t)
	logo := env.addSource(t, "logo", "png", MediaImage, 0)

	first := env.registry.ReserveRendition(logo)
	if first != (AssetKey{Name: "logo.png.1", Format: "mp4"}) {
		t.Errorf("first rendition = %v", first)
	}
	second := env.registry.ReserveRendition(logo)
	if second.Name != "logo.png.2" {
		t.Errorf("second rendition = %v", second)
	}

	// Registered renditions with higher numbers push the sequence past them.
	env.storage.put(AssetKey{Name: "logo.png.7", Format: "mp4"})
	if _, err := env.registry.RegisterDerived(context.Background(), logo, Asset{Name: "logo.png.7", Format: "mp4", DurationSeconds: 4, RequestedSeconds: 4}); err != nil {
		t.Fatalf("RegisterDerived: %v", err)
	}
	if next := env.registry.ReserveRendition(logo); next.Name != "logo.png.8" {
		t.Errorf("after .7 got %v", next)
	}
}

func TestRegistry_RegisterDerived(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clip := env.addSource(t, "clip", "mp4", MediaVideo, 10)
	logo := env.addSource(t, "logo", "png", MediaImage, 0)

	_, err := env.registry.RegisterDerived(ctx, AssetKey{Name: "ghost", Format: "png"}, Asset{Name: "ghost.png.1", Format: "mp4", DurationSeconds: 3})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown source: expected ErrNotFound, got %v", err)
	}

	d, err := env.registry.RegisterDerived(ctx, logo, Asset{Name: "logo.png.1", Format: "mp4", DurationSeconds: 3, RequestedSeconds: 3})
	if err != nil {
		t.Fatalf("RegisterDerived: %v", err)
	}
	if d.Classification != Derived || d.MediaType != MediaVideo || d.Source == nil || *d.Source != logo {
		t.Errorf("derived = %+v", d)
	}

	_, err = env.registry.RegisterDerived(ctx, d.Key(), Asset{Name: "logo.png.1.1", Format: "mp4", DurationSeconds: 3})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("derived of derived: expected ErrValidation, got %v", err)
	}

	got, err := env.registry.ResolveDerivedFor(logo, 3)
	if err != nil || got.Key() != d.Key() {
		t.Errorf("ResolveDerivedFor = %v, %v", got.Key(), err)
	}
	if _, err := env.registry.ResolveDerivedFor(logo, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("other duration: expected ErrNotFound, got %v", err)
	}
	if _, err := env.registry.ResolveDerivedFor(clip, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("other source: expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_Retire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clip := env.addSource(t, "clip", "mp4", MediaVideo, 10)

	if err := env.registry.AddReference(ctx, clip, 1); err != nil {
		t.Fatalf("AddReference: %v", err)
	}
	if err := env.registry.Retire(ctx, clip); !errors.Is(err, ErrInUse) {
		t.Errorf("referenced: expected ErrInUse, got %v", err)
	}

	if err := env.registry.RemoveReference(ctx, clip, 1); err != nil {
		t.Fatalf("RemoveReference: %v", err)
	}
	if err := env.registry.Retire(ctx, clip); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if env.storage.has(clip) {
		t.Error("media file should be deleted")
	}
	if _, ok := env.descriptors.assets[clip]; ok {
		t.Error("descriptor should be deleted")
	}
	if err := env.registry.Retire(ctx, clip); !errors.Is(err, ErrNotFound) {
		t.Errorf("second retire: expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_Retire_keeps_asset_when_media_delete_fails(t *testing.T) {
	env := newTestEnv(t)
	clip := env.addSource(t, "clip", "mp4", MediaVideo, 10)
	env.storage.failRm = true

	if err := env.registry.Retire(context.Background(), clip); !errors.Is(err, ErrDependency) {
		t.Errorf("expected ErrDependency, got %v", err)
	}
	if _, err := env.registry.Get(clip); err != nil {
		t.Errorf("asset should survive a failed delete: %v", err)
	}
}

func TestRegistry_Retire_source_cascades_to_renditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	logo := env.addSource(t, "logo", "png", MediaImage, 0)
	r1 := AssetKey{Name: "logo.png.1", Format: "mp4"}
	env.storage.put(r1)
	if _, err := env.registry.RegisterDerived(ctx, logo, Asset{Name: r1.Name, Format: r1.Format, DurationSeconds: 5, RequestedSeconds: 5}); err != nil {
		t.Fatalf("RegisterDerived: %v", err)
	}

	_ = env.registry.AddReference(ctx, r1, 42)
	if err := env.registry.Retire(ctx, logo); !errors.Is(err, ErrInUse) {
		t.Errorf("source with referenced rendition: expected ErrInUse, got %v", err)
	}

	_ = env.registry.RemoveReference(ctx, r1, 42)
	if err := env.registry.Retire(ctx, logo); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if len(env.registry.List()) != 0 {
		t.Errorf("assets left: %+v", env.registry.List())
	}
}

func TestRegistry_pinned_rendition_survives_sweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	logo := env.addSource(t, "logo", "png", MediaImage, 0)
	r1 := AssetKey{Name: "logo.png.1", Format: "mp4"}
	env.storage.put(r1)
	_, _ = env.registry.RegisterDerived(ctx, logo, Asset{Name: r1.Name, Format: r1.Format, DurationSeconds: 5, RequestedSeconds: 5})

	_, release, ok := env.registry.AcquireDerived(logo, 5)
	if !ok {
		t.Fatal("AcquireDerived: not found")
	}
	if retired := env.registry.SweepDerived(ctx); len(retired) != 0 {
		t.Errorf("pinned rendition retired: %v", retired)
	}
	if err := env.registry.Retire(ctx, r1); !errors.Is(err, ErrInUse) {
		t.Errorf("pinned: expected ErrInUse, got %v", err)
	}

	release()
	release()
	retired := env.registry.SweepDerived(ctx)
	if len(retired) != 1 || retired[0] != r1 {
		t.Errorf("SweepDerived = %v, want [%v]", retired, r1)
	}
}

func TestRegistry_SyncReferences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clip := env.addSource(t, "clip", "mp4", MediaVideo, 60)
	_ = env.registry.AddReference(ctx, clip, 7) // stale: no such entry

	_ = env.registry.AddReference(ctx, clip, 2)

	entries := []Entry{
		{ID: 3, AssetName: "clip", AssetFormat: "mp4", Start: at(time.Minute), End: at(2 * time.Minute)},
	}
	dropped, err := env.registry.SyncReferences(ctx, entries)
	if err != nil {
		t.Fatalf("SyncReferences: %v", err)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if refs := env.asset(t, clip).References; len(refs) != 1 || refs[0] != 3 {
		t.Errorf("references = %v, want [3]", refs)
	}
}

func TestRegistry_SweepOrphans(t *testing.T) {
	env := newTestEnv(t)
	clip := env.addSource(t, "clip", "mp4", MediaVideo, 10)
	stray := AssetKey{Name: "stray", Format: "png"}
	env.storage.put(stray)

	removed, err := env.registry.SweepOrphans(context.Background())
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if len(removed) != 1 || removed[0] != stray {
		t.Errorf("removed = %v", removed)
	}
	if !env.storage.has(clip) || env.storage.has(stray) {
		t.Error("only the file without a descriptor should be deleted")
	}
}

func TestRegistry_SweepOrphans_skips_rendition_in_flight(t *testing.T) {
	env := newTestEnv(t)
	logo := env.addSource(t, "logo", "png", MediaImage, 0)
	ctx := context.Background()

	key := env.registry.ReserveRendition(logo)
	env.storage.put(key)

	removed, err := env.registry.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if len(removed) != 0 || !env.storage.has(key) {
		t.Fatalf("reserved rendition swept: removed = %v", removed)
	}

	env.registry.ReleaseReservation(key)
	removed, err = env.registry.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("SweepOrphans after release: %v", err)
	}
	if len(removed) != 1 || removed[0] != key || env.storage.has(key) {
		t.Errorf("released reservation should be swept: removed = %v", removed)
	}
}

func TestRegistry_RegisterDerived_ends_in_flight_window(t *testing.T) {
	env := newTestEnv(t)
	logo := env.addSource(t, "logo", "png", MediaImage, 0)
	ctx := context.Background()

	key := env.registry.ReserveRendition(logo)
	env.storage.put(key)
	if _, err := env.registry.RegisterDerived(ctx, logo, Asset{Name: key.Name, Format: key.Format, DurationSeconds: 30, RequestedSeconds: 30}); err != nil {
		t.Fatalf("RegisterDerived: %v", err)
	}

	env.registry.mu.Lock()
	_, inFlight := env.registry.inFlight[key]
	env.registry.mu.Unlock()
	if inFlight {
		t.Error("registered rendition still marked in flight")
	}
}
