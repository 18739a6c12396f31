// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/contextpack"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// Curator assembles the tiered context pack for the worker.
//
// The builder never fails: on retrieval outage it degrades to the
// pinned tiers, so this stage always succeeds.
type Curator struct {
	builder *contextpack.Builder
	timeout time.Duration
	log     *logging.Logger
}

// NewCurator builds the stage.
func NewCurator(builder *contextpack.Builder, timeout time.Duration, log *logging.Logger) *Curator {
	return &Curator{builder: builder, timeout: timeout, log: log}
}

func (c *Curator) Name() string           { return NodeCurator }
func (c *Curator) Timeout() time.Duration { return c.timeout }

// Run implements Stage.
func (c *Curator) Run(ctx context.Context, st *state.State) (state.Delta, error) {
	var delta state.Delta

	pack := c.builder.Build(ctx, st)
	delta.ContextPack = pack
	delta.RAGContext = state.Ptr(pack.Render())

	delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeCurator, "curated",
		fmt.Sprintf("%s pinned=%d retrieved=%d excluded=%d",
			pack.SnapshotVersion, len(pack.Pinned), len(pack.Retrieved), len(pack.Excluded))))
	c.log.Debug("context pack built",
		"run_id", st.RunID, "snapshot", pack.SnapshotVersion,
		"retrieved", len(pack.Retrieved), "excluded", len(pack.Excluded))
	return delta, nil
}
