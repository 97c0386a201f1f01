package environment

import (
	"context"
	"testing"
	"time"
)

func newTestImage(tenantID, name string) Image {
	return Image{
		ImageID:    tenantID + "-" + name,
		TenantID:   tenantID,
		Name:       name,
		RunnerType: RunnerOCI,
		BundlePath: "/data/bundles/" + name,
		CreatedAt:  time.Now(),
	}
}

func testImageStores(t *testing.T) map[string]ImageStore {
	t.Helper()
	sqliteStore, err := NewSQLiteImageStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteImageStore: %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]ImageStore{
		"memory": NewMemoryImageStore(),
		"sqlite": sqliteStore,
	}
}

func TestImageStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	for name, store := range testImageStores(t) {
		t.Run(name, func(t *testing.T) {
			img := newTestImage("tenant-a", "research")
			if err := store.SaveImage(ctx, img); err != nil {
				t.Fatalf("SaveImage: %v", err)
			}
			got, err := store.GetImage(ctx, img.ImageID)
			if err != nil {
				t.Fatalf("GetImage: %v", err)
			}
			if got.Name != img.Name || got.BundlePath != img.BundlePath || got.RunnerType != img.RunnerType {
				t.Errorf("GetImage = %+v, want %+v", got, img)
			}
		})
	}
}

func TestImageStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range testImageStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.GetImage(ctx, "missing"); err != ErrImageNotFound {
				t.Errorf("GetImage(missing) err = %v, want ErrImageNotFound", err)
			}
		})
	}
}

func TestImageStoreListFiltersByTenant(t *testing.T) {
	ctx := context.Background()
	for name, store := range testImageStores(t) {
		t.Run(name, func(t *testing.T) {
			a := newTestImage("tenant-a", "research")
			b := newTestImage("tenant-b", "review")
			if err := store.SaveImage(ctx, a); err != nil {
				t.Fatalf("SaveImage a: %v", err)
			}
			if err := store.SaveImage(ctx, b); err != nil {
				t.Fatalf("SaveImage b: %v", err)
			}

			got, err := store.ListImages(ctx, "tenant-a", 0, 0)
			if err != nil {
				t.Fatalf("ListImages: %v", err)
			}
			if len(got) != 1 || got[0].ImageID != a.ImageID {
				t.Errorf("ListImages(tenant-a) = %+v, want [%+v]", got, a)
			}
		})
	}
}

func TestImageStoreDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range testImageStores(t) {
		t.Run(name, func(t *testing.T) {
			img := newTestImage("tenant-a", "research")
			if err := store.SaveImage(ctx, img); err != nil {
				t.Fatalf("SaveImage: %v", err)
			}
			if err := store.DeleteImage(ctx, img.ImageID); err != nil {
				t.Fatalf("DeleteImage: %v", err)
			}
			if _, err := store.GetImage(ctx, img.ImageID); err != ErrImageNotFound {
				t.Errorf("GetImage after delete err = %v, want ErrImageNotFound", err)
			}
			if err := store.DeleteImage(ctx, img.ImageID); err != ErrImageNotFound {
				t.Errorf("DeleteImage missing err = %v, want ErrImageNotFound", err)
			}
		})
	}
}
