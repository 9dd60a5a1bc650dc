package centroid_test

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/hupe1980/centroid"
	"github.com/hupe1980/centroid/blobstore"
	"github.com/hupe1980/centroid/device"
	"github.com/hupe1980/centroid/snapshot"
)

func exampleSamples(n, features int) []float32 {
	rng := rand.New(rand.NewSource(1))
	data := make([]float32, n*features)
	for i := 0; i < n; i++ {
		center := float32(4 * (i % 2)) // two well-separated blobs
		for f := 0; f < features; f++ {
			data[i*features+f] = center + rng.Float32()*0.5
		}
	}
	return data
}

// Example demonstrates a basic clustering run on the default runtime.
func Example() {
	ctx := context.Background()

	samples := exampleSamples(200, 4)
	result, err := centroid.Cluster(ctx, centroid.Config{
		Samples:     200,
		Features:    4,
		Clusters:    2,
		InitMethod:  centroid.InitPlusPlus,
		Tolerance:   0.01,
		Seed:        42,
		DeviceMask:  0x1,
		SamplesData: samples,
		Centroids:   make([]float32, 2*4),
		Assignments: make([]uint32, 200),
		Resident:    centroid.HostResident,
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("clustered on %d device(s)\n", result.Devices)
	// Output: clustered on 1 device(s)
}

// Example_multiDevice demonstrates sharding a run across several devices.
func Example_multiDevice() {
	ctx := context.Background()
	rt := device.NewSimRuntime(4, 1<<28)

	samples := exampleSamples(400, 8)
	result, err := centroid.Cluster(ctx, centroid.Config{
		Samples:     400,
		Features:    8,
		Clusters:    4,
		InitMethod:  centroid.InitPlusPlus,
		Tolerance:   0.01,
		Seed:        7,
		DeviceMask:  0xF, // all four devices
		SamplesData: samples,
		Centroids:   make([]float32, 4*8),
		Assignments: make([]uint32, 400),
		Resident:    centroid.HostResident,
	}, centroid.WithRuntime(rt))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("clustered on %d device(s)\n", result.Devices)
	// Output: clustered on 4 device(s)
}

// Example_accelerated demonstrates the grouped refinement variant.
func Example_accelerated() {
	ctx := context.Background()

	samples := exampleSamples(1000, 8)
	result, err := centroid.Cluster(ctx, centroid.Config{
		Samples:             1000,
		Features:            8,
		Clusters:            10,
		InitMethod:          centroid.InitPlusPlus,
		Tolerance:           0.01,
		AcceleratedFraction: 0.3,
		Seed:                42,
		DeviceMask:          0x1,
		SamplesData:         samples,
		Centroids:           make([]float32, 10*8),
		Assignments:         make([]uint32, 1000),
		Resident:            centroid.HostResident,
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("refined with %d centroid groups\n", result.Groups)
	// Output: refined with 3 centroid groups
}

// Example_snapshot demonstrates persisting a finished model to a blob store.
func Example_snapshot() {
	ctx := context.Background()

	samples := exampleSamples(200, 4)
	cfg := centroid.Config{
		Samples:     200,
		Features:    4,
		Clusters:    2,
		InitMethod:  centroid.InitPlusPlus,
		Tolerance:   0.01,
		Seed:        42,
		DeviceMask:  0x1,
		SamplesData: samples,
		Centroids:   make([]float32, 2*4),
		Assignments: make([]uint32, 200),
		Resident:    centroid.HostResident,
	}
	result, err := centroid.Cluster(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}

	store := blobstore.NewMemoryStore()
	err = snapshot.Save(ctx, store, "models/demo.snap", &snapshot.Model{
		Samples:     cfg.Samples,
		Features:    cfg.Features,
		Clusters:    cfg.Clusters,
		Groups:      result.Groups,
		Seed:        cfg.Seed,
		Centroids:   result.Centroids,
		Assignments: result.Assignments,
	})
	if err != nil {
		log.Fatal(err)
	}

	model, err := snapshot.Load(ctx, store, "models/demo.snap")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("restored model with %d clusters\n", model.Clusters)
	// Output: restored model with 2 clusters
}
