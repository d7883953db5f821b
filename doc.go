// Package splatgo is the training core for adaptive Gaussian-splat
// populations. It owns the primitive population, the optimizer state, the
// densification schedule and the surface neighbor graph; the
// differentiable rasterizer and the loss kernels stay outside, behind the
// interfaces in the render package.
//
// # Quick Start
//
//	cfg := splatgo.DefaultConfig()
//	cfg.Iterations = 30000
//	cfg.SceneExtent = sceneExtent
//
//	trainer, err := splatgo.New(cfg, rasterizer, cloud, cameras,
//	    splatgo.WithLogger(splatgo.NewTextLogger(slog.LevelInfo)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := trainer.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Checkpointing
//
// With a checkpoint manager the trainer snapshots the whole training
// state (population, optimizer moments, counters) at the configured
// iterations, and Resume restores the latest one:
//
//	mgr := checkpoint.NewManager(blobstore.NewLocalStore("./ckpt"))
//	trainer, _ := splatgo.New(cfg, rasterizer, cloud, cameras,
//	    splatgo.WithCheckpointManager(mgr),
//	)
//	_ = trainer.Resume(ctx) // no-op on a fresh run
//	_ = trainer.Run(ctx)
//
// # Structure
//
//   - gaussian: columnar primitive population and activations
//   - gradstats: per-primitive gradient statistics
//   - optim: Adam optimizer with index-aligned per-group state
//   - population: clone/split/prune/opacity-reset controller
//   - knn: surface neighbor graph with staleness stamping
//   - render: rasterizer and loss contracts
//   - checkpoint: binary snapshots over a blobstore
//   - blobstore: memory, local, MinIO and S3 backends
package splatgo
