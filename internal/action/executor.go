// Package action turns a confirmed SuggestedAction into CRM writes:
// prerequisite records first, then the main intent, then a best-effort
// note holding the original forwarded content. Prerequisites already
// created when a later step fails are not rolled back; failures are
// reported, not undone.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/crmrelay/internal/deadline"
	"github.com/user/crmrelay/internal/search"
	"github.com/user/crmrelay/internal/types"
)

const (
	objectPeople    = "people"
	objectCompanies = "companies"
	objectDeals     = "deals"
	objectTasks     = "tasks"

	roleCompany = "company"
	rolePerson  = "person"

	defaultNoteTitle = "Original message"
)

// StageSource supplies the valid deal-stage names. Optional; when absent
// the stage field is passed through unvalidated.
type StageSource interface {
	DealStages(ctx context.Context) ([]string, error)
}

// Executor resolves suggested actions into CRM side effects.
type Executor struct {
	store    types.RecordStore
	resolver *search.Resolver
	stages   StageSource
	now      func() time.Time
	log      *slog.Logger
}

// New creates an Executor over the CRM primitives. stages may be nil.
func New(store types.RecordStore, stages StageSource) *Executor {
	return &Executor{
		store:    store,
		resolver: search.New(store),
		stages:   stages,
		now:      time.Now,
		log:      slog.Default(),
	}
}

// prereqState accumulates what prerequisite resolution produced for reuse
// by the main intent.
type prereqState struct {
	ids     map[string]string
	display []types.CreatedRecord
}

// Execute runs one attempt of the action. instruction is the raw user
// instruction, re-parsed for deadlines because the classifier is
// unreliable at date arithmetic. noteContent is the original forwarded
// content attached as a note on success.
func (e *Executor) Execute(ctx context.Context, act *types.SuggestedAction, instruction, noteContent string) *types.ActionResult {
	st := &prereqState{ids: make(map[string]string)}

	if err := e.resolvePrerequisites(ctx, act, st); err != nil {
		return &types.ActionResult{
			Error:                err.Error(),
			CreatedPrerequisites: st.display,
		}
	}

	result, parentObject := e.dispatch(ctx, act, st, instruction)
	if result.Success && result.RecordID != "" && noteContent != "" {
		title := act.NoteTitle
		if title == "" {
			title = defaultNoteTitle
		}
		noteID, err := e.store.CreateNote(ctx, parentObject, result.RecordID, title, noteContent)
		if err != nil {
			// Best-effort relative to the main write: reported apart
			// from the main error so callers can tell them apart.
			e.log.Warn("note attachment failed", "record_id", result.RecordID, "error", err)
			result.NoteError = err.Error()
		} else {
			result.NoteID = noteID
		}
	}

	result.CreatedPrerequisites = append(st.display, result.CreatedPrerequisites...)
	return result
}

// resolvePrerequisites works through the prerequisite actions in order,
// searching for an existing record by name before creating one. A person
// prerequisite that runs after a company prerequisite is linked to that
// company on creation.
func (e *Executor) resolvePrerequisites(ctx context.Context, act *types.SuggestedAction, st *prereqState) error {
	for _, prereq := range act.Prerequisites {
		role, objectType, err := prerequisiteTarget(prereq.Intent)
		if err != nil {
			return err
		}
		name := stringField(prereq.Extracted, "name")
		if name == "" {
			name = stringField(prereq.Extracted, role)
		}
		if name == "" {
			return fmt.Errorf("prerequisite %s has no name", prereq.Intent)
		}

		matches, err := e.resolver.Search(ctx, objectType, name)
		if err != nil {
			return fmt.Errorf("resolve prerequisite %q: %w", name, err)
		}
		if len(matches) > 0 {
			st.ids[role] = matches[0].ID
			e.log.Info("prerequisite matched existing record", "role", role, "name", matches[0].Name, "id", matches[0].ID)
			continue
		}

		values := e.prerequisiteValues(role, name, prereq.Extracted, st)
		ref, err := e.store.CreateRecord(ctx, objectType, values)
		if err != nil {
			return fmt.Errorf("create prerequisite %q: %w", name, err)
		}
		st.ids[role] = ref.ID
		st.display = append(st.display, types.CreatedRecord{Role: role, Name: name, URL: ref.URL})
	}
	return nil
}

func prerequisiteTarget(intent types.Intent) (role, objectType string, err error) {
	switch intent {
	case types.IntentCreateCompany:
		return roleCompany, objectCompanies, nil
	case types.IntentCreatePerson:
		return rolePerson, objectPeople, nil
	default:
		return "", "", fmt.Errorf("invalid prerequisite intent %q", intent)
	}
}

func (e *Executor) prerequisiteValues(role, name string, extracted map[string]any, st *prereqState) map[string]any {
	values := map[string]any{"name": name}
	switch role {
	case roleCompany:
		if domain := stringField(extracted, "domain"); domain != "" {
			values["domains"] = []string{domain}
		}
	case rolePerson:
		if email := stringField(extracted, "email"); email != "" {
			values["email_addresses"] = []string{email}
		}
		if companyID := st.ids[roleCompany]; companyID != "" {
			values[roleCompany] = companyID
		}
	}
	return values
}

// dispatch runs the main intent and returns the result plus the object
// type a note should attach under.
func (e *Executor) dispatch(ctx context.Context, act *types.SuggestedAction, st *prereqState, instruction string) (*types.ActionResult, string) {
	switch act.Intent {
	case types.IntentCreateCompany:
		return e.createCompany(ctx, act), objectCompanies
	case types.IntentCreatePerson:
		return e.createPerson(ctx, act, st), objectPeople
	case types.IntentCreateDeal:
		return e.createDeal(ctx, act, st), objectDeals
	case types.IntentCreateTask:
		return e.createTask(ctx, act, st, instruction), objectTasks
	case types.IntentAddNote:
		return e.resolveNoteTarget(ctx, act)
	case types.IntentAddToList:
		return e.addToList(ctx, act, st), act.TargetObject
	default:
		return &types.ActionResult{Error: fmt.Sprintf("unknown intent %q", act.Intent)}, ""
	}
}

func (e *Executor) createCompany(ctx context.Context, act *types.SuggestedAction) *types.ActionResult {
	name := stringField(act.Extracted, "name")
	if name == "" {
		return &types.ActionResult{Error: "company has no name"}
	}
	values := map[string]any{"name": name}
	if domain := stringField(act.Extracted, "domain"); domain != "" {
		values["domains"] = []string{domain}
	}
	ref, err := e.store.CreateRecord(ctx, objectCompanies, values)
	if err != nil {
		return &types.ActionResult{Error: err.Error()}
	}
	return &types.ActionResult{Success: true, RecordID: ref.ID, RecordURL: ref.URL}
}

func (e *Executor) createPerson(ctx context.Context, act *types.SuggestedAction, st *prereqState) *types.ActionResult {
	name := stringField(act.Extracted, "name")
	if name == "" {
		return &types.ActionResult{Error: "person has no name"}
	}
	values := map[string]any{"name": name}
	if email := stringField(act.Extracted, "email"); email != "" {
		values["email_addresses"] = []string{email}
	}
	if phone := stringField(act.Extracted, "phone"); phone != "" {
		values["phone_numbers"] = []string{phone}
	}

	result := &types.ActionResult{}
	companyID, err := e.resolveCompanyRef(ctx, act, st, result)
	if err != nil {
		return &types.ActionResult{Error: err.Error(), CreatedPrerequisites: result.CreatedPrerequisites}
	}
	if companyID != "" {
		values[roleCompany] = companyID
	}

	ref, err := e.store.CreateRecord(ctx, objectPeople, values)
	if err != nil {
		return &types.ActionResult{Error: err.Error(), CreatedPrerequisites: result.CreatedPrerequisites}
	}
	result.Success = true
	result.RecordID = ref.ID
	result.RecordURL = ref.URL
	return result
}

func (e *Executor) createDeal(ctx context.Context, act *types.SuggestedAction, st *prereqState) *types.ActionResult {
	name := stringField(act.Extracted, "name")
	if name == "" {
		return &types.ActionResult{Error: "deal has no name"}
	}
	values := map[string]any{"name": name}
	if money := moneyField(act.Extracted, "value"); money != nil {
		values["value"] = map[string]any{"amount": money.Amount, "currency": money.Currency}
	}
	if stage := e.validStage(ctx, stringField(act.Extracted, "stage")); stage != "" {
		values["stage"] = stage
	}

	result := &types.ActionResult{}
	companyID, err := e.resolveCompanyRef(ctx, act, st, result)
	if err != nil {
		return &types.ActionResult{Error: err.Error(), CreatedPrerequisites: result.CreatedPrerequisites}
	}
	if companyID != "" {
		values["associated_company"] = companyID
	}

	ref, err := e.store.CreateRecord(ctx, objectDeals, values)
	if err != nil {
		return &types.ActionResult{Error: err.Error(), CreatedPrerequisites: result.CreatedPrerequisites}
	}
	result.Success = true
	result.RecordID = ref.ID
	result.RecordURL = ref.URL
	return result
}

func (e *Executor) createTask(ctx context.Context, act *types.SuggestedAction, st *prereqState, instruction string) *types.ActionResult {
	content := stringField(act.Extracted, "content")
	if content == "" {
		content = stringField(act.Extracted, "name")
	}
	if content == "" {
		return &types.ActionResult{Error: "task has no content"}
	}
	values := map[string]any{"content": content}

	// The original instruction is the trusted source for deadlines; the
	// classifier's extracted date field is only the fallback.
	if due, ok := deadline.Parse(instruction, e.now()); ok {
		values["deadline_at"] = deadline.FormatAPI(due)
	} else if raw := stringField(act.Extracted, "deadline"); raw != "" {
		if due, ok := deadline.Parse(raw, e.now()); ok {
			values["deadline_at"] = deadline.FormatAPI(due)
		}
	}

	if act.Assignee != nil {
		values["assignees"] = []string{act.Assignee.ID}
	}

	result := &types.ActionResult{}
	// Linked record priority: prerequisite id, explicit id, free-text
	// company search/create.
	linked := st.ids[roleCompany]
	if linked == "" {
		linked = st.ids[rolePerson]
	}
	if linked == "" {
		linked = stringField(act.Extracted, "record")
	}
	if linked == "" {
		id, err := e.resolveCompanyRef(ctx, act, st, result)
		if err != nil {
			return &types.ActionResult{Error: err.Error(), CreatedPrerequisites: result.CreatedPrerequisites}
		}
		linked = id
	}
	if linked != "" {
		values["linked_records"] = []string{linked}
	}

	ref, err := e.store.CreateRecord(ctx, objectTasks, values)
	if err != nil {
		return &types.ActionResult{Error: err.Error(), CreatedPrerequisites: result.CreatedPrerequisites}
	}
	result.Success = true
	result.RecordID = ref.ID
	result.RecordURL = ref.URL
	return result
}

// resolveNoteTarget finds the record an add-note intent points at. The
// note itself is written by the shared note-attachment step.
func (e *Executor) resolveNoteTarget(ctx context.Context, act *types.SuggestedAction) (*types.ActionResult, string) {
	targets := []struct {
		field      string
		objectType string
	}{
		{roleCompany, objectCompanies},
		{rolePerson, objectPeople},
		{"name", objectCompanies},
	}
	for _, target := range targets {
		name := stringField(act.Extracted, target.field)
		if name == "" {
			continue
		}
		matches, err := e.resolver.Search(ctx, target.objectType, name)
		if err != nil {
			return &types.ActionResult{Error: err.Error()}, ""
		}
		if len(matches) > 0 {
			return &types.ActionResult{
				Success:   true,
				RecordID:  matches[0].ID,
				RecordURL: e.store.RecordURL(target.objectType, matches[0].ID),
			}, target.objectType
		}
	}
	return &types.ActionResult{Error: "could not find a record to attach the note to"}, ""
}

func (e *Executor) addToList(ctx context.Context, act *types.SuggestedAction, st *prereqState) *types.ActionResult {
	listID := act.TargetListID
	if listID == "" {
		listID = stringField(act.Extracted, "list")
	}
	if listID == "" {
		return &types.ActionResult{Error: "add-to-list requires a list id"}
	}
	recordID := st.ids[roleCompany]
	if recordID == "" {
		recordID = st.ids[rolePerson]
	}
	if recordID == "" {
		recordID = stringField(act.Extracted, "record")
	}
	if recordID == "" {
		return &types.ActionResult{Error: "add-to-list requires a resolved record id"}
	}
	if _, err := e.store.AddListEntry(ctx, listID, recordID); err != nil {
		return &types.ActionResult{Error: err.Error()}
	}
	return &types.ActionResult{Success: true, RecordID: recordID}
}

// resolveCompanyRef resolves the action's company reference: prerequisite
// id first, explicit id second, then free-text search. On zero matches the
// company is created on the fly and reported as an implicit prerequisite.
func (e *Executor) resolveCompanyRef(ctx context.Context, act *types.SuggestedAction, st *prereqState, result *types.ActionResult) (string, error) {
	if id := st.ids[roleCompany]; id != "" {
		return id, nil
	}
	if id := stringField(act.Extracted, "company_id"); id != "" {
		return id, nil
	}
	name := stringField(act.Extracted, roleCompany)
	if name == "" {
		return "", nil
	}

	matches, err := e.resolver.Search(ctx, objectCompanies, name)
	if err != nil {
		return "", fmt.Errorf("resolve company %q: %w", name, err)
	}
	if len(matches) > 0 {
		return matches[0].ID, nil
	}

	ref, err := e.store.CreateRecord(ctx, objectCompanies, map[string]any{"name": name})
	if err != nil {
		return "", fmt.Errorf("create company %q: %w", name, err)
	}
	e.log.Info("created company on the fly", "name", name, "id", ref.ID)
	st.ids[roleCompany] = ref.ID
	result.CreatedPrerequisites = append(result.CreatedPrerequisites, types.CreatedRecord{
		Role: roleCompany,
		Name: name,
		URL:  ref.URL,
	})
	return ref.ID, nil
}

// validStage returns stage when it matches a known deal stage (or when no
// stage source is wired); otherwise "".
func (e *Executor) validStage(ctx context.Context, stage string) string {
	if stage == "" {
		return ""
	}
	if e.stages == nil {
		return stage
	}
	stages, err := e.stages.DealStages(ctx)
	if err != nil {
		e.log.Warn("deal stages unavailable, passing stage through", "error", err)
		return stage
	}
	for _, s := range stages {
		if s == stage {
			return stage
		}
	}
	e.log.Warn("dropping unknown deal stage", "stage", stage)
	return ""
}
