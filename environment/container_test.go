package environment

import (
	"context"
	"testing"
	"time"
)

func testContainerStores(t *testing.T) map[string]ContainerStore {
	t.Helper()
	sqliteStore, err := NewSQLiteContainerStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteContainerStore: %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]ContainerStore{
		"memory": NewMemoryContainerStore(),
		"sqlite": sqliteStore,
	}
}

func TestContainerStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	for name, store := range testContainerStores(t) {
		t.Run(name, func(t *testing.T) {
			c := Container{
				InstanceID: "inst-1",
				TenantID:   "tenant-a",
				ImageID:    "img-1",
				HandleID:   "runtara_inst-1",
				Status:     ContainerRunning,
				Input:      []byte(`{"x":1}`),
				Env:        map[string]string{"FOO": "bar"},
				Timeout:    5 * time.Minute,
				StartedAt:  time.Now().Truncate(time.Second),
			}
			if err := store.SaveContainer(ctx, c); err != nil {
				t.Fatalf("SaveContainer: %v", err)
			}
			got, err := store.GetContainer(ctx, c.InstanceID)
			if err != nil {
				t.Fatalf("GetContainer: %v", err)
			}
			if got.HandleID != c.HandleID || got.Status != c.Status || got.Env["FOO"] != "bar" {
				t.Errorf("GetContainer = %+v, want %+v", got, c)
			}
		})
	}
}

func TestContainerStoreListRunning(t *testing.T) {
	ctx := context.Background()
	for name, store := range testContainerStores(t) {
		t.Run(name, func(t *testing.T) {
			running := Container{InstanceID: "running-1", HandleID: "h1", Status: ContainerRunning, StartedAt: time.Now()}
			stopped := Container{InstanceID: "stopped-1", HandleID: "h2", Status: ContainerStopped, StartedAt: time.Now()}
			if err := store.SaveContainer(ctx, running); err != nil {
				t.Fatalf("SaveContainer running: %v", err)
			}
			if err := store.SaveContainer(ctx, stopped); err != nil {
				t.Fatalf("SaveContainer stopped: %v", err)
			}

			got, err := store.ListRunning(ctx)
			if err != nil {
				t.Fatalf("ListRunning: %v", err)
			}
			if len(got) != 1 || got[0].InstanceID != "running-1" {
				t.Errorf("ListRunning = %+v, want only running-1", got)
			}
		})
	}
}

func TestContainerStoreDeleteMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range testContainerStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.DeleteContainer(ctx, "missing"); err != ErrContainerNotFound {
				t.Errorf("DeleteContainer(missing) err = %v, want ErrContainerNotFound", err)
			}
			if _, err := store.GetContainer(ctx, "missing"); err != ErrContainerNotFound {
				t.Errorf("GetContainer(missing) err = %v, want ErrContainerNotFound", err)
			}
		})
	}
}
