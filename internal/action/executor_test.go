// internal/action/executor_test.go
package action

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/crmrelay/internal/types"
)

type createdCall struct {
	objectType string
	values     map[string]any
}

type noteCall struct {
	parentType string
	parentID   string
	title      string
	content    string
}

// fakeStore answers searches from a fixed table keyed by
// objectType+":"+query and records every write.
type fakeStore struct {
	results   map[string][]types.SearchResult
	created   []createdCall
	notes     []noteCall
	listAdds  [][2]string
	createErr error
	noteErr   error
	nextID    int
}

func (f *fakeStore) CreateRecord(_ context.Context, objectType string, values map[string]any) (*types.RecordRef, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.created = append(f.created, createdCall{objectType: objectType, values: values})
	id := fmt.Sprintf("rec-%d", f.nextID)
	return &types.RecordRef{ID: id, URL: "https://crm.example.com/" + objectType + "/" + id}, nil
}

func (f *fakeStore) CreateNote(_ context.Context, parentType, parentID, title, content string) (string, error) {
	if f.noteErr != nil {
		return "", f.noteErr
	}
	f.notes = append(f.notes, noteCall{parentType, parentID, title, content})
	return "note-1", nil
}

func (f *fakeStore) AddListEntry(_ context.Context, listID, recordID string) (string, error) {
	f.listAdds = append(f.listAdds, [2]string{listID, recordID})
	return "entry-1", nil
}

func (f *fakeStore) Search(_ context.Context, objectType, query string) ([]types.SearchResult, error) {
	return f.results[objectType+":"+query], nil
}

func (f *fakeStore) ListMembers(context.Context) ([]types.Member, error) { return nil, nil }

func (f *fakeStore) RecordURL(objectType, id string) string {
	return "https://crm.example.com/" + objectType + "/" + id
}

func (f *fakeStore) creationsOf(objectType string) []createdCall {
	var out []createdCall
	for _, c := range f.created {
		if c.objectType == objectType {
			out = append(out, c)
		}
	}
	return out
}

func newTestExecutor(store *fakeStore) *Executor {
	e := New(store, nil)
	e.now = func() time.Time {
		return time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC) // a Wednesday
	}
	return e
}

func TestExecuteCreatesCompanyOnTheFly(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent: types.IntentCreatePerson,
		Extracted: map[string]any{
			"name":    "Jane Smith",
			"company": "Globex",
			"email":   "jane@globex.com",
		},
	}
	result := exec.Execute(context.Background(), act, "add Jane from Globex", "forwarded text")

	require.True(t, result.Success, "error: %s", result.Error)
	companies := store.creationsOf("companies")
	require.Len(t, companies, 1)
	assert.Equal(t, "Globex", companies[0].values["name"])

	people := store.creationsOf("people")
	require.Len(t, people, 1)
	assert.Equal(t, "Jane Smith", people[0].values["name"])
	assert.Equal(t, "rec-1", people[0].values["company"], "person should link to the new company")
	assert.Equal(t, []string{"jane@globex.com"}, people[0].values["email_addresses"])

	require.Len(t, result.CreatedPrerequisites, 1)
	assert.Equal(t, "company", result.CreatedPrerequisites[0].Role)
	assert.Equal(t, "Globex", result.CreatedPrerequisites[0].Name)
}

func TestExecuteReusesExistingCompany(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{
		"companies:Acme": {{ID: "co-9", Name: "Acme"}},
	}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentCreatePerson,
		Extracted: map[string]any{"name": "Bob", "company": "Acme"},
	}
	result := exec.Execute(context.Background(), act, "", "")

	require.True(t, result.Success, "error: %s", result.Error)
	assert.Empty(t, store.creationsOf("companies"), "existing company must not be duplicated")
	people := store.creationsOf("people")
	require.Len(t, people, 1)
	assert.Equal(t, "co-9", people[0].values["company"])
	assert.Empty(t, result.CreatedPrerequisites)
}

func TestExecuteUnknownIntentWritesNothing(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{Intent: "merge-records"}
	result := exec.Execute(context.Background(), act, "", "content")

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "merge-records")
	assert.Empty(t, store.created)
	assert.Empty(t, store.notes)
}

func TestExecutePrerequisiteChainLinksPerson(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentCreateDeal,
		Extracted: map[string]any{"name": "Initech pilot", "value": 5000.0},
		Prerequisites: []types.PrerequisiteAction{
			{Intent: types.IntentCreateCompany, Extracted: map[string]any{"name": "Initech"}},
			{Intent: types.IntentCreatePerson, Extracted: map[string]any{"name": "Peter"}},
		},
	}
	result := exec.Execute(context.Background(), act, "", "")

	require.True(t, result.Success, "error: %s", result.Error)
	people := store.creationsOf("people")
	require.Len(t, people, 1)
	assert.Equal(t, "rec-1", people[0].values["company"], "person prerequisite should link to the company created before it")

	deals := store.creationsOf("deals")
	require.Len(t, deals, 1)
	assert.Equal(t, "rec-1", deals[0].values["associated_company"])
	assert.Equal(t, map[string]any{"amount": 5000.0, "currency": "USD"}, deals[0].values["value"])

	require.Len(t, result.CreatedPrerequisites, 2)
	assert.Equal(t, "company", result.CreatedPrerequisites[0].Role)
	assert.Equal(t, "person", result.CreatedPrerequisites[1].Role)
}

func TestExecutePrerequisiteMatchNotReported(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{
		"companies:Acme": {{ID: "co-1", Name: "Acme"}},
	}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentCreateTask,
		Extracted: map[string]any{"content": "Follow up"},
		Prerequisites: []types.PrerequisiteAction{
			{Intent: types.IntentCreateCompany, Extracted: map[string]any{"name": "Acme"}},
		},
	}
	result := exec.Execute(context.Background(), act, "", "")

	require.True(t, result.Success, "error: %s", result.Error)
	assert.Empty(t, store.creationsOf("companies"))
	assert.Empty(t, result.CreatedPrerequisites, "matched prerequisites are not announced as created")

	tasks := store.creationsOf("tasks")
	require.Len(t, tasks, 1)
	assert.Equal(t, []string{"co-1"}, tasks[0].values["linked_records"])
}

func TestExecuteTaskDeadlineFromInstruction(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentCreateTask,
		Extracted: map[string]any{"content": "Send the deck", "deadline_at": "2099-01-01"},
		Assignee:  &types.Member{ID: "member-7", Name: "Sam"},
	}
	result := exec.Execute(context.Background(), act, "remind me to send the deck tomorrow", "")

	require.True(t, result.Success, "error: %s", result.Error)
	tasks := store.creationsOf("tasks")
	require.Len(t, tasks, 1)
	// Instruction wins over the classifier's extracted date.
	assert.Equal(t, "2024-06-13T09:00:00.000000000Z", tasks[0].values["deadline_at"])
	assert.Equal(t, []string{"member-7"}, tasks[0].values["assignees"])
}

func TestExecuteTaskDeadlineFallsBackToExtracted(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentCreateTask,
		Extracted: map[string]any{"content": "Send the deck", "due_date": "2099-01-01"},
	}
	result := exec.Execute(context.Background(), act, "just do it", "")

	require.True(t, result.Success, "error: %s", result.Error)
	tasks := store.creationsOf("tasks")
	require.Len(t, tasks, 1)
	assert.Equal(t, "2099-01-01T09:00:00.000000000Z", tasks[0].values["deadline_at"])
}

func TestExecuteTaskNoDeadline(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentCreateTask,
		Extracted: map[string]any{"content": "Call back"},
	}
	result := exec.Execute(context.Background(), act, "call them back when you can", "")

	require.True(t, result.Success, "error: %s", result.Error)
	tasks := store.creationsOf("tasks")
	require.Len(t, tasks, 1)
	_, has := tasks[0].values["deadline_at"]
	assert.False(t, has, "vague timing must not produce a deadline")
}

func TestExecuteAttachesNote(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentCreateCompany,
		Extracted: map[string]any{"name": "Hooli"},
		NoteTitle: "Intro thread",
	}
	result := exec.Execute(context.Background(), act, "", "forwarded conversation")

	require.True(t, result.Success, "error: %s", result.Error)
	require.Len(t, store.notes, 1)
	assert.Equal(t, "companies", store.notes[0].parentType)
	assert.Equal(t, result.RecordID, store.notes[0].parentID)
	assert.Equal(t, "Intro thread", store.notes[0].title)
	assert.Equal(t, "forwarded conversation", store.notes[0].content)
	assert.Equal(t, "note-1", result.NoteID)
}

func TestExecuteNoteFailureDoesNotFailAction(t *testing.T) {
	store := &fakeStore{
		results: map[string][]types.SearchResult{},
		noteErr: errors.New("notes api down"),
	}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentCreateCompany,
		Extracted: map[string]any{"name": "Hooli"},
	}
	result := exec.Execute(context.Background(), act, "", "forwarded conversation")

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Contains(t, result.NoteError, "notes api down")
}

func TestExecuteAddNoteResolvesTarget(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{
		"companies:Acme": {{ID: "co-1", Name: "Acme"}},
	}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentAddNote,
		Extracted: map[string]any{"company": "Acme"},
	}
	result := exec.Execute(context.Background(), act, "attach this to acme", "the thread")

	require.True(t, result.Success, "error: %s", result.Error)
	assert.Equal(t, "co-1", result.RecordID)
	assert.Empty(t, store.created)
	require.Len(t, store.notes, 1)
	assert.Equal(t, "companies", store.notes[0].parentType)
	assert.Equal(t, "co-1", store.notes[0].parentID)
}

func TestExecuteAddNoteTargetMissing(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{Intent: types.IntentAddNote, Extracted: map[string]any{}}
	result := exec.Execute(context.Background(), act, "", "the thread")

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, store.notes)
}

func TestExecuteAddToList(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:       types.IntentAddToList,
		TargetListID: "list-5",
		Extracted:    map[string]any{"record_id": "rec-44"},
	}
	result := exec.Execute(context.Background(), act, "", "")

	require.True(t, result.Success, "error: %s", result.Error)
	require.Len(t, store.listAdds, 1)
	assert.Equal(t, [2]string{"list-5", "rec-44"}, store.listAdds[0])
}

func TestExecuteAddToListMissingRecord(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{Intent: types.IntentAddToList, TargetListID: "list-5"}
	result := exec.Execute(context.Background(), act, "", "")

	assert.False(t, result.Success)
	assert.Empty(t, store.listAdds)
}

func TestExecutePrerequisiteFailureKeepsEarlierCreations(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := newTestExecutor(store)

	act := &types.SuggestedAction{
		Intent:    types.IntentCreateDeal,
		Extracted: map[string]any{"name": "Pilot"},
		Prerequisites: []types.PrerequisiteAction{
			{Intent: types.IntentCreateCompany, Extracted: map[string]any{"name": "Initech"}},
			{Intent: types.IntentAddNote}, // not a valid prerequisite
		},
	}
	result := exec.Execute(context.Background(), act, "", "")

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	// The company created before the failure is reported, not rolled back.
	require.Len(t, result.CreatedPrerequisites, 1)
	assert.Equal(t, "Initech", result.CreatedPrerequisites[0].Name)
	assert.Len(t, store.creationsOf("companies"), 1)
	assert.Empty(t, store.creationsOf("deals"))
}

type fixedStages []string

func (s fixedStages) DealStages(context.Context) ([]string, error) { return s, nil }

func TestExecuteDealStageValidation(t *testing.T) {
	store := &fakeStore{results: map[string][]types.SearchResult{}}
	exec := New(store, fixedStages{"Lead", "In Progress", "Won"})
	exec.now = func() time.Time { return time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC) }

	act := &types.SuggestedAction{
		Intent:    types.IntentCreateDeal,
		Extracted: map[string]any{"name": "Pilot", "stage": "Imaginary"},
	}
	result := exec.Execute(context.Background(), act, "", "")

	require.True(t, result.Success, "error: %s", result.Error)
	deals := store.creationsOf("deals")
	require.Len(t, deals, 1)
	_, has := deals[0].values["stage"]
	assert.False(t, has, "unknown stage must be dropped")
}
