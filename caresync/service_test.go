// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeGateway is an in-memory Gateway. Created rows get ids srv-1, srv-2, …
// in call order; payloads are stored in their remote wire shape, like the
// real backend would.
type fakeGateway struct {
	mu      sync.Mutex
	nextID  int
	rows    map[Kind]map[string]json.RawMessage
	deleted []string

	createErr      error
	createEnter    chan struct{} // closed when a gated Create is first entered
	createGate     chan struct{} // gated Create blocks on this until closed
	createGateKind Kind          // gate only creates of this kind; "" gates all

	updateEnter chan struct{} // closed when Update is first entered
	updateGate  chan struct{} // Update blocks on this until closed
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{rows: map[Kind]map[string]json.RawMessage{}}
}

func (f *fakeGateway) Create(ctx context.Context, kind Kind, payload json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	var gate chan struct{}
	if f.createGateKind == "" || f.createGateKind == kind {
		if f.createEnter != nil {
			close(f.createEnter)
			f.createEnter = nil
		}
		gate = f.createGate
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	out, err := setField(payload, "id", id)
	if err != nil {
		return nil, err
	}
	if f.rows[kind] == nil {
		f.rows[kind] = map[string]json.RawMessage{}
	}
	f.rows[kind][id] = out
	return out, nil
}

func (f *fakeGateway) Update(ctx context.Context, kind Kind, id string, payload json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	if f.updateEnter != nil {
		close(f.updateEnter)
		f.updateEnter = nil
	}
	gate := f.updateGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[kind] == nil {
		f.rows[kind] = map[string]json.RawMessage{}
	}
	f.rows[kind][id] = payload
	return payload, nil
}

func (f *fakeGateway) Delete(ctx context.Context, kind Kind, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, string(kind)+"/"+id)
	if _, ok := f.rows[kind][id]; !ok {
		return &Error{Code: CodeNotFound, Op: "delete " + string(kind)}
	}
	delete(f.rows[kind], id)
	return nil
}

func (f *fakeGateway) Fetch(ctx context.Context, kind Kind, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.rows[kind][id]
	if !ok {
		return nil, &Error{Code: CodeNotFound, Op: "fetch " + string(kind)}
	}
	return payload, nil
}

func (f *fakeGateway) List(ctx context.Context, kind Kind, ownerID string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, payload := range f.rows[kind] {
		out = append(out, payload)
	}
	return out, nil
}

func (f *fakeGateway) seed(kind Kind, id string, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[kind] == nil {
		f.rows[kind] = map[string]json.RawMessage{}
	}
	f.rows[kind][id] = json.RawMessage(payload)
}

func (f *fakeGateway) deletions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeGateway) kindRows(kind Kind) map[string]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]json.RawMessage, len(f.rows[kind]))
	for id, payload := range f.rows[kind] {
		out[id] = payload
	}
	return out
}

func newTestEngine(t *testing.T, gw Gateway) *Engine {
	t.Helper()
	e := NewEngine(context.Background(), newTestStore(t), gw, fastConfig(), nil)
	t.Cleanup(e.Close)
	return e
}

func TestSaveChildReturnsBeforeSync(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeGateway())
	e.Worker().Pause() // keep the background sync from running

	child, err := e.Children().Save(ctx, Child{ParentID: "u1", Name: "Tom"})
	require.NoError(t, err)
	require.True(t, IsTemporaryID(child.ID))
	require.Equal(t, "c1", child.ChildNumber)

	// Read-your-write before any remote round trip.
	got, err := e.Children().Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, "Tom", got.Name)

	second, err := e.Children().Save(ctx, Child{ParentID: "u1", Name: "Mia"})
	require.NoError(t, err)
	require.Equal(t, "c2", second.ChildNumber)
}

func TestCreatePromotesIDAndRewritesDependents(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	e := newTestEngine(t, gw)
	e.Worker().Pause()

	child, err := e.Children().Save(ctx, Child{ParentID: "u1", ChildNumber: "c7", Name: "Tom"})
	require.NoError(t, err)
	ins, err := e.Instructions().Save(ctx, ChildInstruction{ChildID: child.ID, Category: "meal", Content: "no dairy"})
	require.NoError(t, err)
	require.True(t, IsTemporaryID(ins.ID))

	e.Worker().Resume()
	e.Worker().Wait()

	children, err := e.Children().List(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.False(t, IsTemporaryID(children[0].ID))
	require.Equal(t, "Tom", children[0].Name)

	// The temporary id is gone and the instruction now references the real one.
	_, err = e.Children().Get(ctx, child.ID)
	require.ErrorIs(t, err, ErrNotFound)
	list, err := e.Instructions().ListForChild(ctx, children[0].ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "no dairy", list[0].Content)

	rec, err := e.Store().Get(ctx, KindChild, children[0].ID)
	require.NoError(t, err)
	require.NotNil(t, rec.LastRemoteSyncAt)
}

func TestUpdateMarksRecordSynced(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	e := newTestEngine(t, gw)

	user, err := e.Users().Save(ctx, User{ID: "user-1", MemberNumber: "p3", Role: RoleParent, FullName: "Ada Smit"})
	require.NoError(t, err)
	e.Worker().Wait()

	rec, err := e.Store().Get(ctx, KindUser, user.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.LastRemoteSyncAt)

	got, err := e.Users().Get(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "Ada Smit", got.FullName)
	require.Contains(t, gw.rows[KindUser], "user-1")
}

func TestUpdateDoesNotClobberNewerLocalSave(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.updateEnter = make(chan struct{})
	gw.updateGate = make(chan struct{})
	e := newTestEngine(t, gw)

	first, err := e.Users().Save(ctx, User{ID: "user-1", MemberNumber: "p3", Role: RoleParent, FullName: "First"})
	require.NoError(t, err)
	<-gw.updateEnter // the first sync holds the wire

	second := first
	second.FullName = "Second"
	_, err = e.Users().Save(ctx, second)
	require.NoError(t, err)

	close(gw.updateGate)
	e.Worker().Wait()

	got, err := e.Users().Get(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "Second", got.FullName, "a save landing during an in-flight sync must win")

	// The queued second sync pushed the newer state to the backend too.
	remote := gw.kindRows(KindUser)
	require.Equal(t, "Second", extractField(remote["user-1"], "display_name"))
	rec, err := e.Store().Get(ctx, KindUser, "user-1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastRemoteSyncAt)
}

func TestPromotionResyncsDependentsRemotely(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.createGateKind = KindChild
	gw.createEnter = make(chan struct{})
	gw.createGate = make(chan struct{})
	e := newTestEngine(t, gw)

	child, err := e.Children().Save(ctx, Child{ParentID: "u1", ChildNumber: "c7", Name: "Tom"})
	require.NoError(t, err)
	<-gw.createEnter // the child create is on the wire

	_, err = e.Instructions().Save(ctx, ChildInstruction{ChildID: child.ID, Category: "meal", Content: "no dairy"})
	require.NoError(t, err)

	// The instruction reaches the backend first, still carrying the
	// temporary child reference.
	require.Eventually(t, func() bool {
		return len(gw.kindRows(KindChildInstruction)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(gw.createGate)
	e.Worker().Wait()

	children, err := e.Children().List(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	realID := children[0].ID

	// Promotion rewrote the local reference and re-synced the instruction,
	// so the backend holds the real child id as well.
	local, err := e.Instructions().ListForChild(ctx, realID)
	require.NoError(t, err)
	require.Len(t, local, 1)
	remote := gw.kindRows(KindChildInstruction)
	require.Len(t, remote, 1)
	for _, payload := range remote {
		require.Equal(t, realID, extractField(payload, "child_id"))
	}
}

func TestDeleteDuringInFlightCreateRemovesRemoteRow(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.createEnter = make(chan struct{})
	gw.createGate = make(chan struct{})
	e := newTestEngine(t, gw)

	child, err := e.Children().Save(ctx, Child{ParentID: "u1", ChildNumber: "c7", Name: "Tom"})
	require.NoError(t, err)

	<-gw.createEnter // the create is on the wire now
	require.NoError(t, e.Children().Delete(ctx, child.ID))
	close(gw.createGate)
	e.Worker().Wait()

	// The freshly created remote row must not be resurrected locally, and the
	// create task cleans it up remotely.
	children, err := e.Children().List(ctx)
	require.NoError(t, err)
	require.Empty(t, children)
	require.Equal(t, []string{"children/srv-1"}, gw.deletions())
	require.Empty(t, gw.rows[KindChild])
}

func TestRemoteFailureKeepsLocalStateAndLogsDiagnostic(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.createErr = &Error{Code: CodeBackendUnavailable, Op: "create children", Status: 503}
	e := newTestEngine(t, gw)

	child, err := e.Children().Save(ctx, Child{ParentID: "u1", ChildNumber: "c7", Name: "Tom"})
	require.NoError(t, err, "remote failures never surface to the caller")
	e.Worker().Wait()

	// The record survives under its temporary id for a later sync.
	got, err := e.Children().Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, "Tom", got.Name)

	entries, err := e.Store().SyncLog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Description, "sync children/")
}

func TestDeleteToleratesMissingRemoteRow(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	e := newTestEngine(t, gw)

	require.NoError(t, e.Sessions().Delete(ctx, "sess-1", "plans changed"))
	e.Worker().Wait()

	require.Equal(t, []string{"sessions/sess-1"}, gw.deletions())
	entries, err := e.Store().SyncLog(ctx)
	require.NoError(t, err)
	require.Empty(t, entries, "a remote 404 on delete is success, not a retry storm")
}

func TestSessionStatusUpdateGuardsTransitions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeGateway())
	e.Worker().Pause()

	sess, err := e.Sessions().Save(ctx, Session{ParentID: "u1", ChildIDs: []string{"c-1"}})
	require.NoError(t, err)
	require.Equal(t, SessionRequested, sess.Status)

	_, err = e.Sessions().UpdateStatus(ctx, sess.ID, SessionActive, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	updated, err := e.Sessions().UpdateStatus(ctx, sess.ID, SessionAccepted, nil)
	require.NoError(t, err)
	require.Equal(t, SessionAccepted, updated.Status)

	got, err := e.Sessions().Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, SessionAccepted, got.Status)
}

func TestRefreshAllHydratesLocalStore(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed(KindUser, "u1", `{"id":"u1","member_number":"p1","role":"parent","display_name":"Ada Smit"}`)
	gw.seed(KindChild, "c-1", `{"id":"c-1","guardian_id":"u1","child_number":"c1","full_name":"Tom","date_of_birth":"2019-04-02"}`)
	gw.seed(KindChildInstruction, "i-1", `{"id":"i-1","child_id":"c-1","category":"meal","body":"no dairy"}`)
	gw.seed(KindSession, "s-1", `{"id":"s-1","guardian_id":"u1","child_ids":["c-1"],"status":"REQUESTED"}`)
	e := newTestEngine(t, gw)

	require.NoError(t, e.RefreshAll(ctx, "u1"))

	child, err := e.Children().Get(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, "Tom", child.Name, "remote full_name maps to the local name field")
	require.Equal(t, "u1", child.ParentID)

	ins, err := e.Instructions().ListForChild(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, ins, 1)
	require.Equal(t, "no dairy", ins[0].Content)

	rec, err := e.Store().Get(ctx, KindSession, "s-1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastRemoteSyncAt)
}
