package projects_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/kgstream/pkg/kgstream/aggregate"
	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/index"
	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
	"github.com/randalmurphal/kgstream/pkg/kgstream/projects"
	"github.com/randalmurphal/kgstream/pkg/kgstream/stream"
)

var alpha = entity.Key("acme", "alpha")

func newProjects(t *testing.T) (*aggregate.Aggregate[projects.State, projects.Command, projects.Event], *eventlog.MemoryLog) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	agg, err := projects.New(log)
	require.NoError(t, err)
	t.Cleanup(agg.Stop)
	return agg, log
}

func TestCreateThenAlreadyExists(t *testing.T) {
	ctx := context.Background()
	agg, log := newProjects(t)

	res, err := agg.Evaluate(ctx, alpha, projects.Create{Name: " Alpha ", Description: "first"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Revision)
	assert.Equal(t, projects.State{Exists: true, Name: "Alpha", Description: "first"}, res.State)
	assert.Equal(t, projects.Created, res.Event.Kind)

	_, err = agg.Evaluate(ctx, alpha, projects.Create{Name: "Alpha"})
	assert.True(t, aggregate.IsRejection(err, aggregate.AlreadyExists))
	_, err = agg.Evaluate(ctx, alpha, projects.Create{Revision: 1, Name: "Alpha"})
	assert.True(t, aggregate.IsRejection(err, aggregate.AlreadyExists), "existence is checked before the revision")

	head, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, eventlog.Offset(1), head)
}

func TestCreateWithNonZeroRevision(t *testing.T) {
	ctx := context.Background()
	agg, log := newProjects(t)

	_, err := agg.Evaluate(ctx, alpha, projects.Create{Revision: 3, Name: "Alpha"})
	rej, ok := aggregate.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, aggregate.IncorrectRevision, rej.Kind)
	assert.Equal(t, uint64(3), rej.Provided)
	assert.Equal(t, uint64(0), rej.Expected)

	head, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, eventlog.NoOffset, head)
}

func TestStaleRevisionIsRejectedWithoutAppend(t *testing.T) {
	ctx := context.Background()
	agg, log := newProjects(t)

	_, err := agg.Evaluate(ctx, alpha, projects.Create{Name: "Alpha"})
	require.NoError(t, err)
	_, err = agg.Evaluate(ctx, alpha, projects.Update{Revision: 1, Name: "Alpha v2"})
	require.NoError(t, err)

	_, err = agg.Evaluate(ctx, alpha, projects.Update{Revision: 1, Name: "Alpha v3"})
	rej, ok := aggregate.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, aggregate.IncorrectRevision, rej.Kind)
	assert.Equal(t, uint64(1), rej.Provided)
	assert.Equal(t, uint64(2), rej.Expected)

	head, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, eventlog.Offset(2), head)

	s, rev, err := agg.State(ctx, alpha)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)
	assert.Equal(t, "Alpha v2", s.Name)
}

func TestCommandRejections(t *testing.T) {
	ctx := context.Background()
	agg, _ := newProjects(t)

	_, err := agg.Evaluate(ctx, alpha, projects.Update{Name: "x"})
	assert.True(t, aggregate.IsRejection(err, aggregate.NotFound))

	_, err = agg.Evaluate(ctx, alpha, projects.Create{Name: "   "})
	assert.True(t, aggregate.IsRejection(err, aggregate.Invalid))

	_, err = agg.Evaluate(ctx, alpha, projects.Create{Name: "Alpha"})
	require.NoError(t, err)

	_, err = agg.Evaluate(ctx, alpha, projects.AddTags{Revision: 1, Tags: []string{" ", ""}})
	assert.True(t, aggregate.IsRejection(err, aggregate.Invalid))

	_, err = agg.Evaluate(ctx, alpha, projects.Deprecate{Revision: 1})
	require.NoError(t, err)

	_, err = agg.Evaluate(ctx, alpha, projects.Update{Revision: 2, Name: "again"})
	assert.True(t, aggregate.IsRejection(err, aggregate.Invalid), "deprecated projects are frozen")
}

func TestTagsAreMergedAndSorted(t *testing.T) {
	ctx := context.Background()
	agg, _ := newProjects(t)

	_, err := agg.Evaluate(ctx, alpha, projects.Create{Name: "Alpha"})
	require.NoError(t, err)
	_, err = agg.Evaluate(ctx, alpha, projects.AddTags{Revision: 1, Tags: []string{"ontology", "biology"}})
	require.NoError(t, err)
	res, err := agg.Evaluate(ctx, alpha, projects.AddTags{Revision: 2, Tags: []string{"biology", " chemistry "}})
	require.NoError(t, err)

	assert.Equal(t, []string{"biology", "chemistry", "ontology"}, res.State.Tags)
}

func TestReplayMatchesLiveState(t *testing.T) {
	ctx := context.Background()
	agg, log := newProjects(t)

	_, err := agg.Evaluate(ctx, alpha, projects.Create{Name: "Alpha"})
	require.NoError(t, err)
	_, err = agg.Evaluate(ctx, alpha, projects.AddTags{Revision: 1, Tags: []string{"x"}})
	require.NoError(t, err)
	_, err = agg.Evaluate(ctx, alpha, projects.Update{Revision: 2, Name: "Alpha 2", Description: "d"})
	require.NoError(t, err)

	live, rev, err := agg.State(ctx, alpha)
	require.NoError(t, err)

	replayed, err := projects.Replay(ctx, log, alpha, rev)
	require.NoError(t, err)
	assert.Equal(t, live, replayed)

	atOne, err := projects.Replay(ctx, log, alpha, 1)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", atOne.Name)
	assert.Empty(t, atOne.Tags)
}

func TestEventsCarryOwnerTag(t *testing.T) {
	ctx := context.Background()
	agg, log := newProjects(t)

	_, err := agg.Evaluate(ctx, alpha, projects.Create{Name: "Alpha"})
	require.NoError(t, err)
	_, err = agg.Evaluate(ctx, entity.Key("other", "beta"), projects.Create{Name: "Beta"})
	require.NoError(t, err)

	acme, err := log.ReadByTag(ctx, projects.OwnerTag("acme"), eventlog.NoOffset, 0)
	require.NoError(t, err)
	require.Len(t, acme, 1)
	assert.Equal(t, alpha, acme[0].Event.EntityID)
	assert.Equal(t, "created", acme[0].Event.Type)

	all, err := log.ReadByTag(ctx, projects.Tag, eventlog.NoOffset, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestExchange(t *testing.T) {
	ctx := context.Background()
	agg, log := newProjects(t)

	_, err := agg.Evaluate(ctx, alpha, projects.Create{Name: "Alpha"})
	require.NoError(t, err)
	_, err = agg.Evaluate(ctx, alpha, projects.AddTags{Revision: 1, Tags: []string{"x"}})
	require.NoError(t, err)
	_, err = agg.Evaluate(ctx, alpha, projects.Deprecate{Revision: 2})
	require.NoError(t, err)

	envs, err := log.ReadByTag(ctx, projects.Tag, eventlog.NoOffset, 0)
	require.NoError(t, err)
	require.Len(t, envs, 3)

	x := projects.NewExchange(log, "")

	op, ok, err := x.Exchange(ctx, envs[1])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, index.OpIndex, op.Kind)
	assert.Equal(t, projects.IndexName, op.Index)
	assert.Equal(t, string(alpha), op.ID)

	var doc projects.Document
	require.NoError(t, json.Unmarshal(op.Body, &doc))
	assert.Equal(t, "acme", doc.Owner)
	assert.Equal(t, "alpha", doc.IRI)
	assert.Equal(t, "Alpha", doc.Name)
	assert.Equal(t, []string{"x"}, doc.Tags)
	assert.Equal(t, uint64(2), doc.Revision, "document reflects the event's revision")

	op, ok, err = x.Exchange(ctx, envs[2])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, index.OpDelete, op.Kind)

	_, ok, err = x.Exchange(ctx, eventlog.Envelope{Event: eventlog.Event{EntityType: "schema", EntityID: "s"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExchange_CorruptPayloadFails(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	off, err := log.Append(ctx, eventlog.Event{
		EntityType: projects.EntityType,
		EntityID:   alpha,
		Type:       "created",
		Payload:    json.RawMessage(`"not an object"`),
		Tags:       []eventlog.Tag{projects.Tag},
	}, 0)
	require.NoError(t, err)

	envs, err := log.ReadByTag(ctx, projects.Tag, off-1, 1)
	require.NoError(t, err)
	_, _, err = projects.NewExchange(log, "").Exchange(ctx, envs[0])
	assert.Error(t, err)
}

func TestProjectsIndexedEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg, log := newProjects(t)
	idx := index.NewMemoryIndex()

	s, err := stream.New(stream.Config{
		Projection: "projects-index",
		Tag:        projects.Tag,
		Index:      projects.IndexName,
		Mapping:    projects.Mapping,
		MaxWindow:  20 * time.Millisecond,
	}, stream.Deps{
		Log:      log,
		Progress: progress.NewMemoryStore(),
		Index:    idx,
		Exchange: projects.NewExchange(log, projects.IndexName),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	beta := entity.Key("acme", "beta")
	_, err = agg.Evaluate(ctx, alpha, projects.Create{Name: "Alpha"})
	require.NoError(t, err)
	_, err = agg.Evaluate(ctx, beta, projects.Create{Name: "Beta"})
	require.NoError(t, err)
	_, err = agg.Evaluate(ctx, beta, projects.Deprecate{Revision: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Stats().Offset == 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, idx.Count(projects.IndexName))
	_, ok := idx.Get(projects.IndexName, string(alpha))
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-done)
}
