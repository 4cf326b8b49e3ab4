package registry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/xerrors"

	"github.com/adzialocha/graph-node/chain/cache"
	"github.com/adzialocha/graph-node/model/subgraphs"
)

// Event kinds of a replay log.
const (
	EventBlock         = "block"
	EventReorg         = "reorg"
	EventError         = "error"
	EventDynamicSource = "dynamicSource"
	EventHead          = "head"
	EventSynced        = "synced"
)

// An Event is one line of a replay log: a report from a chain client or mapping engine.
type Event struct {
	Kind        string                   `json:"kind"`
	Deployment  string                   `json:"deployment,omitempty"`
	Block       *cache.Block             `json:"block,omitempty"`
	EntityDelta int64                    `json:"entityDelta,omitempty"`
	Ancestor    *subgraphs.BlockPtr      `json:"ancestor,omitempty"`
	Error       *subgraphs.SubgraphError `json:"error,omitempty"`
	Fatal       bool                     `json:"fatal,omitempty"`
	Source      *subgraphs.DynamicSource `json:"source,omitempty"`
	Network     string                   `json:"network,omitempty"`
}

// A ReplayError reports the line of a replay log that could not be applied.
type ReplayError struct {
	Line int
	Err  error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Replay applies a JSON lines event log in order and returns the number of applied events. It stops at the first
// event that fails.
func (r *Registry) Replay(ctx context.Context, in io.Reader) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	applied, line := 0, 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return applied, &ReplayError{Line: line, Err: xerrors.Errorf("decode event: %w", err)}
		}
		if err := r.apply(ctx, &ev); err != nil {
			return applied, &ReplayError{Line: line, Err: err}
		}
		applied++
	}
	if err := scanner.Err(); err != nil {
		return applied, xerrors.Errorf("read events: %w", err)
	}
	return applied, nil
}

func (r *Registry) apply(ctx context.Context, ev *Event) error {
	missing := func(field string) error {
		return xerrors.Errorf("%s event without %s", ev.Kind, field)
	}

	switch ev.Kind {
	case EventBlock:
		if ev.Block == nil {
			return missing("block")
		}
		return r.Follower.Apply(ctx, ev.Deployment, ev.Block, ev.EntityDelta)
	case EventReorg:
		if ev.Ancestor == nil {
			return missing("ancestor")
		}
		if ev.Ancestor.Hash == "" {
			// Without a hash the cached blocks cannot be matched, so they are dropped.
			if err := r.Deployments.HandleReorg(ctx, ev.Deployment, *ev.Ancestor); err != nil {
				return err
			}
			r.Follower.Forget(ev.Deployment)
			return nil
		}
		return r.Follower.Revert(ctx, ev.Deployment, &cache.Block{Hash: ev.Ancestor.Hash, Number: ev.Ancestor.Number})
	case EventError:
		if ev.Error == nil {
			return missing("error")
		}
		return r.Deployments.RecordError(ctx, ev.Deployment, *ev.Error, ev.Fatal)
	case EventDynamicSource:
		if ev.Source == nil || ev.Block == nil {
			return missing("source and block")
		}
		_, err := r.Deployments.RegisterDynamicSource(ctx, ev.Deployment, *ev.Source, ev.Block.Ptr())
		return err
	case EventHead:
		if ev.Block == nil {
			return missing("block")
		}
		return r.Heads.SetHead(ctx, ev.Network, ev.Block.Ptr())
	case EventSynced:
		return r.Deployments.MarkSynced(ctx, ev.Deployment)
	}
	return xerrors.Errorf("unknown event kind %q", ev.Kind)
}
